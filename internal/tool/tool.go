// Package tool defines the tool surface the turn loop executes against:
// the Tool interface, the registry with per-mode allow-lists, the name
// resolver that absorbs model misspellings, and the builtin tools.
package tool

import (
	"context"
	"encoding/json"
)

// Call is one tool invocation as requested by the model.
type Call struct {
	SessionID string
	MessageID string
	CallID    string
	AgentName string
	Args      map[string]any
}

// String returns the string argument under key, or "" when absent.
func (c Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// Result is what a tool execution produces. A tool failure that the model
// should see goes into a Result via the caller, not an error return; errors
// are reserved for invocation-level failures.
type Result struct {
	Title    string
	Output   string
	Metadata map[string]any
}

// Tool is one executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, call Call) (*Result, error)
}

// SessionInfo is passed to tools that need per-session setup.
type SessionInfo struct {
	SessionID string
	Directory string
	AgentName string
}

// Initializer is implemented by tools that prepare per-session state.
type Initializer interface {
	Init(ctx context.Context, info SessionInfo) error
}

// PermissionSpec describes the permission a gated call needs.
type PermissionSpec struct {
	Type     string
	Pattern  string
	Title    string
	Metadata map[string]any
}

// Gated is implemented by tools whose calls pass through the permission
// gate. A nil spec means this particular call needs no permission.
type Gated interface {
	Permission(call Call) *PermissionSpec
}
