// Package observability provides the engine's logging, tracing, and metrics
// plumbing. Logging is built on log/slog with a redacting handler so secrets
// (provider API keys, bearer tokens) never reach the log sink; tracing is
// OTLP and off unless an endpoint is configured; metrics are prometheus.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format selects the handler: "json" (default) or "text".
	Format string

	// Output defaults to os.Stderr so the server's stdout stays clean for
	// command output.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults.
	RedactPatterns []string
}

// DefaultRedactPatterns masks the secrets that commonly leak into logs:
// provider API keys, bearer tokens, and JWTs.
var DefaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`(?i)(bearer\s+)[a-zA-Z0-9_\-.~+/]{16,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(api[_-]?key|secret|password|token)["\s:=]+["']?[^\s"',}]{8,}`,
}

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	sessionIDKey ctxKey = "session_id"
)

// WithRequestID tags the context so log records carry the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSessionID tags the context so log records carry the session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// SessionID returns the session id stored in ctx, if any.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// NewLogger builds the process logger. Records pass through redaction and
// pick up request/session ids from their context before reaching the
// underlying json or text handler.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LevelFromString(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var inner slog.Handler
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(cfg.Output, opts)
	} else {
		inner = slog.NewJSONHandler(cfg.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, pattern := range append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactHandler{inner: inner, redacts: redacts})
}

// LevelFromString parses a level name, defaulting to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactHandler masks secrets in messages and string attribute values and
// injects context correlation ids.
type redactHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.redactString(rec.Message), rec.PC)

	if id := RequestID(ctx); id != "" {
		out.AddAttrs(slog.String("request_id", id))
	}
	if id := SessionID(ctx); id != "" {
		out.AddAttrs(slog.String("session_id", id))
	}

	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		out := make([]slog.Attr, len(members))
		for i, m := range members {
			out[i] = h.redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, h.redactString(err.Error()))
		}
		return a
	default:
		return a
	}
}

func (h *redactHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
