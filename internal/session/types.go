// Package session owns the durable conversation state: session records,
// their append-only messages, and the parts inside each message. The turn
// loop is the only writer while a turn is active; everyone else observes
// through bus events.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for an unknown session, message, or part.
	ErrNotFound = errors.New("session: not found")

	// ErrBusy is returned when a turn is already active on the session.
	ErrBusy = errors.New("session: busy")
)

// Session is one conversation thread. Sessions form a tree through
// ParentID; child sessions are used for sub-agent (task) turns.
type Session struct {
	ID       string `json:"id"`
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title"`
	Version  string `json:"version,omitempty"`

	TimeCreated time.Time `json:"time.created"`
	TimeUpdated time.Time `json:"time.updated"`

	Share  *ShareInfo  `json:"share,omitempty"`
	Revert *RevertInfo `json:"revert,omitempty"`

	// SummaryMessageID is the compaction floor: when set, the model
	// context starts at this summary message. SummaryTailID marks the
	// first message of the verbatim tail kept through the compaction;
	// messages between it and the summary follow the summary unchanged.
	SummaryMessageID string `json:"summaryMessageID,omitempty"`
	SummaryTailID    string `json:"summaryTailID,omitempty"`
}

// ShareInfo records an active share of the session.
type ShareInfo struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// RevertInfo hides every message after the anchor from the model context
// while leaving storage untouched.
type RevertInfo struct {
	MessageID string `json:"messageID"`
	PartID    string `json:"partID,omitempty"`
}

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage mirrors provider-reported token counts.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
	CacheRead int `json:"cache.read,omitempty"`
}

// Total returns the combined token count.
func (u TokenUsage) Total() int { return u.Input + u.Output + u.Reasoning }

// Message is one entry in a session. Messages are append-only; ordering is
// by ID, which is time-prefixed.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      Role   `json:"role"`

	TimeCreated time.Time `json:"time.created"`

	ModelID    string `json:"modelID,omitempty"`
	ProviderID string `json:"providerID,omitempty"`
	Mode       string `json:"mode,omitempty"`

	Tokens *TokenUsage `json:"tokens,omitempty"`
	Cost   float64     `json:"cost,omitempty"`

	Error       string `json:"error,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`

	// Summary marks the synthetic message produced by compaction.
	Summary bool `json:"summary,omitempty"`
}

// PartType discriminates the part union.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartFile       PartType = "file"
	PartStepStart  PartType = "step_start"
	PartStepFinish PartType = "step_finish"
	PartSnapshot   PartType = "snapshot"
)

// Part is one piece of a message. Exactly the fields for its Type are set.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageID"`
	SessionID string   `json:"sessionID"`
	Type      PartType `json:"type"`

	// Text holds the content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	Tool *ToolPart `json:"tool,omitempty"`
	File *FilePart `json:"file,omitempty"`

	// Step accounting for step_finish parts.
	Tokens *TokenUsage `json:"tokens,omitempty"`
	Cost   float64     `json:"cost,omitempty"`

	// Snapshot commit hash for snapshot parts.
	Snapshot string `json:"snapshot,omitempty"`
}

// ToolState is the lifecycle of a tool part. Transitions only move
// forward: pending, then running, then completed or error.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// ToolPart records one tool invocation. CallID is unique within the
// enclosing message.
type ToolPart struct {
	Name   string    `json:"name"`
	CallID string    `json:"callID"`
	State  ToolState `json:"state"`

	Input json.RawMessage `json:"input,omitempty"`

	Title    string         `json:"title,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	TimeStart time.Time `json:"time.start,omitempty"`
	TimeEnd   time.Time `json:"time.end,omitempty"`
}

// FilePart references an attachment by URL or inline data.
type FilePart struct {
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Inline   []byte `json:"inline,omitempty"`
}

// Bus events.

// EventUpdated is published whenever a session record changes.
type EventUpdated struct {
	Info Session `json:"info"`
}

func (EventUpdated) EventType() string { return "session.updated" }

// EventDeleted is published after a session and its data are removed.
type EventDeleted struct {
	Info Session `json:"info"`
}

func (EventDeleted) EventType() string { return "session.deleted" }

// EventError surfaces a session-scoped failure to observers.
type EventError struct {
	SessionID string `json:"sessionID,omitempty"`
	Error     string `json:"error"`
}

func (EventError) EventType() string { return "session.error" }

// EventIdle is published when a turn finishes and the session goes idle.
type EventIdle struct {
	SessionID string `json:"sessionID"`
}

func (EventIdle) EventType() string { return "session.idle" }

// EventMessageUpdated is published for every message write.
type EventMessageUpdated struct {
	Info Message `json:"info"`
}

func (EventMessageUpdated) EventType() string { return "message.updated" }

// EventMessageRemoved is published after a message is deleted.
type EventMessageRemoved struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (EventMessageRemoved) EventType() string { return "message.removed" }

// EventPartUpdated is published for every part write, after the part has
// reached storage.
type EventPartUpdated struct {
	Part Part `json:"part"`
}

func (EventPartUpdated) EventType() string { return "part.updated" }

// EventPartRemoved is published after a part is deleted.
type EventPartRemoved struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

func (EventPartRemoved) EventType() string { return "part.removed" }
