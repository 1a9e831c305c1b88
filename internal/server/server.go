// Package server is the engine's HTTP boundary: a JSON API over sessions
// and turns, an SSE/WebSocket event stream projected off the bus, the
// permission reply endpoint, and the Prometheus scrape handler.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/observability"
	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/turn"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// TurnRunner is the slice of the turn engine the server drives. The turn
// engine satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, input turn.Input) (*session.Message, error)
	Cancel(sessionID string)
	Compact(ctx context.Context, sessionID string) error
}

// Options carries the server's collaborators.
type Options struct {
	Hostname string
	Port     int

	Sessions *session.Store
	Engine   TurnRunner
	Gate     *permission.Gate
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// DataDir is where the server-info file lands.
	DataDir string
	Version string
}

// Server owns the listener, the HTTP handlers, and the event broadcaster.
type Server struct {
	opts      Options
	logger    *slog.Logger
	events    *broadcaster
	startTime time.Time

	http     *http.Server
	listener net.Listener
}

// New builds a server. Start binds the listener.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:      opts,
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
	}
	s.events = newBroadcaster(opts.Bus, s.logger)
	return s
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port. Valid after Start.
func (s *Server) Port() int {
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Start binds the listener, writes the server-info file, and serves in the
// background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	hostname := s.opts.Hostname
	if hostname == "" {
		hostname = "127.0.0.1"
	}
	addr := net.JoinHostPort(hostname, strconv.Itoa(s.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if err := s.writeServerInfo(hostname); err != nil {
		s.logger.Warn("server-info write failed", "error", err)
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown drains connections, closes event streams, and removes the
// server-info file.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	s.events.Close()
	err := s.http.Shutdown(ctx)
	s.removeServerInfo()
	return err
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /session", s.handleSessionCreate)
	mux.HandleFunc("GET /session", s.handleSessionList)
	mux.HandleFunc("GET /session/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /session/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /session/{id}/message", s.handleMessageSend)
	mux.HandleFunc("GET /session/{id}/message", s.handleMessageList)
	mux.HandleFunc("POST /session/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /session/{id}/share", s.handleShare)
	mux.HandleFunc("DELETE /session/{id}/share", s.handleUnshare)
	mux.HandleFunc("POST /session/{id}/revert", s.handleRevert)
	mux.HandleFunc("POST /session/{id}/unrevert", s.handleUnrevert)
	mux.HandleFunc("POST /session/{id}/compact", s.handleCompact)

	mux.HandleFunc("POST /permission/reply", s.handlePermissionReply)

	mux.HandleFunc("GET /event", s.handleEventSSE)
	mux.HandleFunc("GET /event/ws", s.handleEventWS)

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	return s.instrument(mux)
}

// instrument records request latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.opts.Metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).
			Observe(time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming writes through for the SSE handler.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes the connection through for the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
