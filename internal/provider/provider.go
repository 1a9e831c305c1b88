// Package provider is the LLM boundary. Each adapter turns one vendor's
// streaming API into the engine's stream-event union; the turn loop
// consumes events without knowing which vendor produced them.
package provider

import (
	"context"
	"encoding/json"
)

// EventType discriminates the stream-event union.
type EventType string

const (
	// EventTextDelta appends text to the current text part.
	EventTextDelta EventType = "text-delta"

	// EventReasoningDelta appends to the current reasoning part.
	EventReasoningDelta EventType = "reasoning-delta"

	// EventToolCallStart announces a tool invocation; arguments follow.
	EventToolCallStart EventType = "tool-call-start"

	// EventToolCallDelta carries an argument JSON fragment.
	EventToolCallDelta EventType = "tool-call-delta"

	// EventToolCallReady carries the complete arguments; the call is
	// ready to execute.
	EventToolCallReady EventType = "tool-call-ready"

	// EventStepStart opens a model step.
	EventStepStart EventType = "step-start"

	// EventStepFinish closes a model step with its token usage.
	EventStepFinish EventType = "step-finish"

	// EventFinish ends the stream.
	EventFinish EventType = "finish"

	// EventError reports a stream failure. The stream ends after it.
	EventError EventType = "error"
)

// Finish reasons.
const (
	FinishStop        = "stop"
	FinishToolCalls   = "tool_calls"
	FinishLength      = "length"
	FinishInterrupted = "interrupted"
	FinishError       = "error"
)

// Event is one element of a provider stream. Exactly the fields for its
// Type are set.
type Event struct {
	Type EventType

	// Text for text-delta and reasoning-delta.
	Text string

	// Tool call fields.
	CallID    string
	ToolName  string
	ArgsDelta string
	Args      json.RawMessage

	// Usage for step-finish.
	Usage *Usage

	// Reason for finish.
	Reason string

	// Err for error events.
	Err error
}

// Usage mirrors vendor-reported token counts for one step.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	CacheReadTokens int
}

// ToolCall is an assistant-requested invocation replayed into context on
// later steps.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of an executed call, sent back to the model.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one context-window entry. Role is "user" or "assistant";
// tool results ride on user messages, tool calls on assistant messages.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolDef declares one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one streaming model call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef

	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Provider streams completions for one vendor. Stream returns before the
// first event; the channel closes when the stream ends. Every stream
// terminates with a finish or error event unless the context is
// cancelled first.
type Provider interface {
	ID() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

const defaultMaxTokens = 8192

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is declared malformed.
const maxEmptyStreamEvents = 300

// emit sends ev unless the context ends first. Returns false when the
// consumer is gone.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
