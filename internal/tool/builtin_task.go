package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// TaskRunner executes a sub-agent turn in a child session. Implemented by
// the turn loop; injected here so the tool layer stays below it.
type TaskRunner interface {
	RunSubtask(ctx context.Context, parentSessionID, agentName, description, prompt string) (string, error)
}

type taskArgs struct {
	Description string `json:"description" jsonschema:"description=Short description of the task"`
	Prompt      string `json:"prompt" jsonschema:"description=The full task for the sub-agent"`
	Agent       string `json:"agent,omitempty" jsonschema:"description=Named agent to run the task with"`
}

// TaskTool delegates a task to a sub-agent running in a child session.
type TaskTool struct {
	runner TaskRunner
}

func NewTaskTool(runner TaskRunner) *TaskTool { return &TaskTool{runner: runner} }

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Runs a sub-agent on a task in a child session and returns its final answer."
}

func (t *TaskTool) Schema() json.RawMessage { return reflectSchema(&taskArgs{}) }

func (t *TaskTool) Execute(ctx context.Context, call Call) (*Result, error) {
	prompt := call.String("prompt")
	if prompt == "" {
		return errorResult("task", fmt.Errorf("prompt is required")), nil
	}
	description := call.String("description")
	agent := call.String("agent")

	output, err := t.runner.RunSubtask(ctx, call.SessionID, agent, description, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult("task", err), nil
	}
	title := description
	if title == "" {
		title = "task"
	}
	return &Result{
		Title:    title,
		Output:   output,
		Metadata: map[string]any{"agent": agent},
	}, nil
}

// RegisterBuiltins adds every builtin tool to the registry. The task tool
// is only registered when a runner is available.
func RegisterBuiltins(r *Registry, dir string, todos *TodoStore, runner TaskRunner) {
	r.Register(NewBashTool(dir))
	r.Register(NewReadTool(dir))
	r.Register(NewWriteTool(dir))
	r.Register(NewEditTool(dir))
	r.Register(NewLsTool(dir))
	r.Register(NewGrepTool(dir))
	r.Register(NewGlobTool(dir))
	r.Register(NewTodoWriteTool(todos))
	r.Register(NewTodoReadTool(todos))
	r.Register(NewWebfetchTool())
	if runner != nil {
		r.Register(NewTaskTool(runner))
	}
}
