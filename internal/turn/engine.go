// Package turn drives one conversation turn: it interleaves provider
// streaming with tool execution, gates tool calls through permissions,
// writes every part to storage before publishing its event, and owns
// cancellation and compaction.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/observability"
	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/plugin"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/tool"
)

const (
	// maxSteps bounds model steps within one turn.
	maxSteps = 24

	// maxStreamAttempts bounds restarts of one step on retryable errors.
	maxStreamAttempts = 3
)

// ProviderSource resolves provider adapters. The provider factory
// satisfies it.
type ProviderSource interface {
	Get(ctx context.Context, providerID string) (provider.Provider, error)
}

// Engine runs turns. One engine serves every session in the process; the
// session lock keeps turns per-session exclusive.
type Engine struct {
	snapshot  func() *config.Config
	sessions  *session.Store
	registry  *tool.Registry
	resolver  *tool.Resolver
	validator *tool.Validator
	plugins   *plugin.Host
	gate      *permission.Gate
	providers ProviderSource
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	directory string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Options carries the engine's collaborators. Bus, metrics, tracer, and
// plugins are optional.
type Options struct {
	Snapshot  func() *config.Config
	Sessions  *session.Store
	Registry  *tool.Registry
	Resolver  *tool.Resolver
	Validator *tool.Validator
	Plugins   *plugin.Host
	Gate      *permission.Gate
	Providers ProviderSource
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Directory string
}

// NewEngine wires a turn engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		snapshot:  opts.Snapshot,
		sessions:  opts.Sessions,
		registry:  opts.Registry,
		resolver:  opts.Resolver,
		validator: opts.Validator,
		plugins:   opts.Plugins,
		gate:      opts.Gate,
		providers: opts.Providers,
		bus:       opts.Bus,
		logger:    logger.With("component", "turn"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		directory: opts.Directory,
		active:    make(map[string]context.CancelFunc),
	}
}

// Input describes one turn request.
type Input struct {
	SessionID string
	Text      string

	// FileParts are attachments appended after the text part.
	FileParts []session.FilePart

	// Mode selects a system prompt and tool allow-list. Empty means
	// "build".
	Mode string

	// Agent, when set, overrides mode prompt/model/tools with the named
	// agent's configuration.
	Agent string

	// Model is an optional "<provider>/<model>" override.
	Model string
}

// Run executes one turn and returns the final assistant message. It
// blocks until the turn completes, errors, or is cancelled.
func (e *Engine) Run(ctx context.Context, input Input) (*session.Message, error) {
	lock, err := e.sessions.AcquireTurn(input.SessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[input.SessionID] = cancel
	e.mu.Unlock()

	started := time.Now()
	defer func() {
		e.mu.Lock()
		delete(e.active, input.SessionID)
		e.mu.Unlock()
		cancel()
		e.gate.CancelSession(input.SessionID)
		lock.Release()
		if e.bus != nil {
			e.bus.Publish(context.WithoutCancel(ctx), session.EventIdle{SessionID: input.SessionID})
		}
		if e.metrics != nil {
			e.metrics.TurnDuration.Observe(time.Since(started).Seconds())
		}
	}()

	r := &run{engine: e, input: input}
	msg, err := r.execute(turnCtx)
	e.recordTurn(turnCtx, err)
	return msg, err
}

func (e *Engine) recordTurn(ctx context.Context, err error) {
	if e.metrics == nil {
		return
	}
	status := "completed"
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	e.metrics.TurnCounter.WithLabelValues(status).Inc()
}

// Cancel aborts the session's active turn, if any. Pending permission
// prompts are rejected; the stream and any running tool see the
// cancellation through their context.
func (e *Engine) Cancel(sessionID string) {
	e.mu.Lock()
	cancel, ok := e.active[sessionID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("turn cancelled", "session_id", sessionID)
		cancel()
	}
	e.gate.CancelSession(sessionID)
}

// Busy reports whether the session has an active turn in this process.
func (e *Engine) Busy(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}
