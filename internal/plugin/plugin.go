// Package plugin hosts in-process extensions. A plugin registers a table of
// optional hook funcs; the host dispatches to them in registration order and
// never lets a misbehaving plugin take down a turn.
package plugin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/session"
)

// Context is what a plugin receives at registration time.
type Context struct {
	// Directory is the project root the engine was started in.
	Directory string
	// DataDir is where the engine keeps its persistent state.
	DataDir string

	Config    *config.Config
	Bus       *bus.Bus
	Logger    *slog.Logger
	Client    *http.Client
	ServerURL string
}

// Plugin initializes an extension and returns its hook table.
type Plugin func(*Context) (Hooks, error)

// ChatMessageInput is the user turn about to be written, mutable by the
// chat.message hook.
type ChatMessageInput struct {
	SessionID string
	AgentName string
	Message   *session.Message
	Parts     []session.Part
}

// ChatParams are the provider call parameters, mutable by the chat.params
// hook before the stream starts.
type ChatParams struct {
	SessionID   string
	ProviderID  string
	ModelID     string
	Temperature *float64
	TopP        *float64
	Options     map[string]any
}

// ToolCallInfo identifies one tool invocation.
type ToolCallInfo struct {
	Tool      string
	CallID    string
	SessionID string
	MessageID string
}

// ToolArgs are the invocation arguments, mutable before execution.
type ToolArgs struct {
	Args map[string]any
}

// ToolOutput is the execution result, mutable after execution.
type ToolOutput struct {
	Title    string
	Output   string
	Metadata map[string]any
}

// Hooks is a plugin's hook table. Every field is optional.
type Hooks struct {
	// Event observes every bus event.
	Event func(ctx context.Context, ev bus.Envelope)

	// ChatMessage runs when a user message is accepted, before persistence.
	ChatMessage func(ctx context.Context, input *ChatMessageInput)

	// ChatParams runs before each provider stream starts.
	ChatParams func(ctx context.Context, params *ChatParams)

	// PermissionAsk runs before a permission prompt; writing a decision
	// short-circuits the prompt.
	PermissionAsk func(ctx context.Context, req *permission.Request, decision *permission.HookDecision)

	// ToolExecuteBefore runs before a tool executes and may rewrite args.
	ToolExecuteBefore func(ctx context.Context, call ToolCallInfo, args *ToolArgs)

	// ToolExecuteAfter runs after a tool executes and may rewrite output.
	ToolExecuteAfter func(ctx context.Context, call ToolCallInfo, out *ToolOutput)
}
