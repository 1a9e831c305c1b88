package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moikas-code/kuuzuki/internal/bus"
)

const (
	// replayWindow is how many envelopes reconnecting SSE clients can
	// recover through Last-Event-ID.
	replayWindow = 256

	// clientBuffer is the per-client queue; a client that falls this far
	// behind is dropped.
	clientBuffer = 64

	sseHeartbeat = 30 * time.Second

	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
)

// connectedEvent opens every stream so clients can sync their cursor.
type connectedEvent struct{}

func (connectedEvent) EventType() string { return "server.connected" }

// streamed reports whether an event type belongs on the client stream.
// Internal types like storage.write stay off the wire.
func streamed(eventType string) bool {
	for _, prefix := range []string{"session.", "message.", "part.", "permission.", "server."} {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// broadcaster fans bus envelopes out to event-stream clients and keeps the
// replay ring.
type broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan bus.Envelope]struct{}
	ring    []bus.Envelope
	closed  bool

	unsubscribe func()
}

func newBroadcaster(b *bus.Bus, logger *slog.Logger) *broadcaster {
	bc := &broadcaster{
		logger:  logger,
		clients: make(map[chan bus.Envelope]struct{}),
	}
	if b != nil {
		bc.unsubscribe = b.Subscribe(func(ctx context.Context, env bus.Envelope) error {
			bc.publish(env)
			return nil
		}, bus.Wildcard)
	}
	return bc
}

func (b *broadcaster) publish(env bus.Envelope) {
	if !streamed(env.Type) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring = append(b.ring, env)
	if len(b.ring) > replayWindow {
		b.ring = b.ring[len(b.ring)-replayWindow:]
	}
	for ch := range b.clients {
		select {
		case ch <- env:
		default:
			// Slow client; closing its channel ends its stream.
			delete(b.clients, ch)
			close(ch)
			b.logger.Warn("event client dropped, queue full")
		}
	}
}

// attach registers a client and returns the replay backlog after
// lastEventID. An unknown or empty id yields no backlog.
func (b *broadcaster) attach(lastEventID string) (chan bus.Envelope, []bus.Envelope) {
	ch := make(chan bus.Envelope, clientBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, nil
	}
	var backlog []bus.Envelope
	if lastEventID != "" {
		for i, env := range b.ring {
			if env.ID == lastEventID {
				backlog = append(backlog, b.ring[i+1:]...)
				break
			}
		}
	}
	b.clients[ch] = struct{}{}
	return ch, backlog
}

func (b *broadcaster) detach(ch chan bus.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// Close ends every client stream.
func (b *broadcaster) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

func connectedEnvelope() bus.Envelope {
	return bus.Envelope{
		ID:         uuid.NewString(),
		Type:       "server.connected",
		Time:       time.Now(),
		Properties: connectedEvent{},
	}
}

func (s *Server) handleEventSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, backlog := s.events.attach(r.Header.Get("Last-Event-ID"))
	defer s.events.detach(ch)

	if err := writeSSE(w, connectedEnvelope()); err != nil {
		return
	}
	for _, env := range backlog {
		if err := writeSSE(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env bus.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type, data)
	return err
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		// The server binds loopback; origin checks add nothing here.
		return true
	},
}

// handleEventWS streams the same envelopes as /event over a websocket.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, _ := s.events.attach("")
	defer s.events.detach(ch)

	// Reads only service control frames.
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, connectedEnvelope()); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, open := <-ch:
			if !open {
				return
			}
			if err := writeWS(conn, env); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, env bus.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(env)
}
