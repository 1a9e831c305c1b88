package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/permission"
)

type registered struct {
	name  string
	hooks Hooks
}

// Host owns the registered plugins and dispatches hooks to them in
// registration order. Panics inside a hook are recovered and logged; a
// plugin can slow a turn down but never abort it.
type Host struct {
	logger *slog.Logger

	mu      sync.RWMutex
	plugins []registered

	unsubscribe func()
}

// NewHost builds an empty plugin host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{logger: logger.With("component", "plugin")}
}

// Register initializes the plugin and adds its hooks to the dispatch order.
func (h *Host) Register(name string, p Plugin, pctx *Context) error {
	hooks, err := p(pctx)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", name, err)
	}
	h.mu.Lock()
	h.plugins = append(h.plugins, registered{name: name, hooks: hooks})
	h.mu.Unlock()
	h.logger.Info("plugin registered", "plugin", name)
	return nil
}

// Attach subscribes the host to every bus event and fans them out to the
// Event hooks. Call Close to detach.
func (h *Host) Attach(b *bus.Bus) {
	h.unsubscribe = b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		h.each(func(p registered) {
			if p.hooks.Event != nil {
				h.safeCall(p.name, "event", func() { p.hooks.Event(ctx, ev) })
			}
		})
		return nil
	}, "*")
}

// Close detaches the host from the bus.
func (h *Host) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

func (h *Host) each(fn func(registered)) {
	h.mu.RLock()
	plugins := h.plugins
	h.mu.RUnlock()
	for _, p := range plugins {
		fn(p)
	}
}

func (h *Host) safeCall(plugin, hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("plugin hook panicked", "plugin", plugin, "hook", hook, "panic", rec)
		}
	}()
	fn()
}

// ChatMessage dispatches the chat.message hook.
func (h *Host) ChatMessage(ctx context.Context, input *ChatMessageInput) {
	h.each(func(p registered) {
		if p.hooks.ChatMessage != nil {
			h.safeCall(p.name, "chat.message", func() { p.hooks.ChatMessage(ctx, input) })
		}
	})
}

// ChatParams dispatches the chat.params hook.
func (h *Host) ChatParams(ctx context.Context, params *ChatParams) {
	h.each(func(p registered) {
		if p.hooks.ChatParams != nil {
			h.safeCall(p.name, "chat.params", func() { p.hooks.ChatParams(ctx, params) })
		}
	})
}

// ToolExecuteBefore dispatches the tool.execute.before hook.
func (h *Host) ToolExecuteBefore(ctx context.Context, call ToolCallInfo, args *ToolArgs) {
	h.each(func(p registered) {
		if p.hooks.ToolExecuteBefore != nil {
			h.safeCall(p.name, "tool.execute.before", func() { p.hooks.ToolExecuteBefore(ctx, call, args) })
		}
	})
}

// ToolExecuteAfter dispatches the tool.execute.after hook.
func (h *Host) ToolExecuteAfter(ctx context.Context, call ToolCallInfo, out *ToolOutput) {
	h.each(func(p registered) {
		if p.hooks.ToolExecuteAfter != nil {
			h.safeCall(p.name, "tool.execute.after", func() { p.hooks.ToolExecuteAfter(ctx, call, out) })
		}
	})
}

// AskHook adapts the host's permission.ask dispatch for the permission gate.
// A decision written by an earlier plugin is visible to later ones; the last
// write wins.
func (h *Host) AskHook() permission.AskHook {
	return func(ctx context.Context, req *permission.Request, decision *permission.HookDecision) {
		h.each(func(p registered) {
			if p.hooks.PermissionAsk != nil {
				h.safeCall(p.name, "permission.ask", func() { p.hooks.PermissionAsk(ctx, req, decision) })
			}
		})
	}
}
