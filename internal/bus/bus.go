// Package bus implements the typed publish/subscribe hub that connects the
// engine's components. Delivery is synchronous: Publish returns once every
// matching handler has run. Handler failures are isolated per handler.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is implemented by every payload published on the bus.
type Event interface {
	EventType() string
}

// Envelope wraps a published event with its delivery metadata. The ID is
// also used as the SSE event id on the server boundary, which is what makes
// reconnect replay idempotent.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Properties Event     `json:"properties"`
}

// Handler receives a published envelope. Returning an error does not stop
// delivery to other handlers; it is logged and counted.
type Handler func(ctx context.Context, ev Envelope) error

type subscription struct {
	seq     int64
	types   map[string]struct{}
	handler Handler
}

func (s *subscription) matches(eventType string) bool {
	if _, ok := s.types[Wildcard]; ok {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus is the process-wide event hub. The zero value is not usable; use New.
type Bus struct {
	mu      sync.RWMutex
	nextSeq int64
	subs    map[int64]*subscription
	logger  *slog.Logger

	// onPublish, when set, observes every envelope after delivery. Used
	// for metrics without coupling the bus to the metrics registry.
	onPublish func(Envelope)
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int64]*subscription),
		logger: logger.With("component", "bus"),
	}
}

// OnPublish registers a single observer invoked after each publish completes.
func (b *Bus) OnPublish(fn func(Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// Subscribe registers a handler for the given event types ("*" for all).
// Handlers registered earlier receive events earlier. The returned function
// removes the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(handler Handler, types ...string) func() {
	if len(types) == 0 {
		types = []string{Wildcard}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	b.subs[seq] = &subscription{seq: seq, types: set, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, seq)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every matching subscriber in subscription order and
// returns the delivered envelope. It returns only after all handlers have
// run. A handler error or panic is logged and does not affect the others.
func (b *Bus) Publish(ctx context.Context, ev Event) Envelope {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       ev.EventType(),
		Time:       time.Now(),
		Properties: ev,
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(env.Type) {
			matched = append(matched, sub)
		}
	}
	observer := b.onPublish
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	for _, sub := range matched {
		b.deliver(ctx, sub, env)
	}
	if observer != nil {
		observer(env)
	}
	return env
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", env.Type,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		b.logger.Error("event handler failed", "event", env.Type, "error", err)
	}
}
