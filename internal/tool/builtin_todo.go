package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Todo is one entry in a session's task list.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content" jsonschema:"description=What needs to be done"`
	Status   string `json:"status" jsonschema:"enum=pending,enum=in_progress,enum=completed,enum=cancelled"`
	Priority string `json:"priority" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
}

// TodoStore keeps each session's task list in memory. Todos are working
// state for the current process, not durable data.
type TodoStore struct {
	mu    sync.Mutex
	todos map[string][]Todo
}

// NewTodoStore returns an empty todo store.
func NewTodoStore() *TodoStore {
	return &TodoStore{todos: make(map[string][]Todo)}
}

// Set replaces the session's todo list.
func (s *TodoStore) Set(sessionID string, todos []Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos[sessionID] = todos
}

// Get returns the session's todo list.
func (s *TodoStore) Get(sessionID string) []Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.todos[sessionID]
}

type todoWriteArgs struct {
	Todos []Todo `json:"todos" jsonschema:"description=The complete task list"`
}

// TodoWriteTool replaces the session's task list.
type TodoWriteTool struct {
	store *TodoStore
}

func NewTodoWriteTool(store *TodoStore) *TodoWriteTool { return &TodoWriteTool{store: store} }

func (t *TodoWriteTool) Name() string { return "todowrite" }

func (t *TodoWriteTool) Description() string {
	return "Replaces the session task list."
}

func (t *TodoWriteTool) Schema() json.RawMessage { return reflectSchema(&todoWriteArgs{}) }

func (t *TodoWriteTool) Execute(ctx context.Context, call Call) (*Result, error) {
	raw, err := json.Marshal(call.Args)
	if err != nil {
		return errorResult("todowrite", err), nil
	}
	var args todoWriteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("todowrite", err), nil
	}
	t.store.Set(call.SessionID, args.Todos)

	remaining := 0
	for _, todo := range args.Todos {
		if todo.Status != "completed" && todo.Status != "cancelled" {
			remaining++
		}
	}
	return &Result{
		Title:    fmt.Sprintf("%d todos", len(args.Todos)),
		Output:   formatTodos(args.Todos),
		Metadata: map[string]any{"count": len(args.Todos), "remaining": remaining},
	}, nil
}

// TodoReadTool returns the session's task list.
type TodoReadTool struct {
	store *TodoStore
}

func NewTodoReadTool(store *TodoStore) *TodoReadTool { return &TodoReadTool{store: store} }

func (t *TodoReadTool) Name() string { return "todoread" }

func (t *TodoReadTool) Description() string {
	return "Reads the session task list."
}

func (t *TodoReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *TodoReadTool) Execute(ctx context.Context, call Call) (*Result, error) {
	todos := t.store.Get(call.SessionID)
	return &Result{
		Title:    fmt.Sprintf("%d todos", len(todos)),
		Output:   formatTodos(todos),
		Metadata: map[string]any{"count": len(todos)},
	}, nil
}

func formatTodos(todos []Todo) string {
	if len(todos) == 0 {
		return "No todos."
	}
	var b strings.Builder
	for _, todo := range todos {
		mark := " "
		switch todo.Status {
		case "completed":
			mark = "x"
		case "in_progress":
			mark = ">"
		case "cancelled":
			mark = "-"
		}
		fmt.Fprintf(&b, "[%s] %s (%s)\n", mark, todo.Content, todo.Priority)
	}
	return b.String()
}
