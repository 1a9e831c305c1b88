package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/moikas-code/kuuzuki/internal/tool"
)

// remoteTool adapts one server tool to the engine's tool interface. The
// server's response is surfaced verbatim: content text concatenated,
// isError mapped to error metadata.
type remoteTool struct {
	name   string
	remote RemoteTool
	client *Client
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Description() string { return t.remote.Description }

func (t *remoteTool) Schema() json.RawMessage {
	if len(t.remote.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.remote.InputSchema
}

func (t *remoteTool) Execute(ctx context.Context, call tool.Call) (*tool.Result, error) {
	result, err := t.client.CallTool(ctx, t.remote.Name, call.Args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return &tool.Result{
			Title:    t.name,
			Output:   err.Error(),
			Metadata: map[string]any{"error": true},
		}, nil
	}
	metadata := map[string]any{"server": t.client.Name()}
	if result.IsError {
		metadata["error"] = true
	}
	return &tool.Result{
		Title:    t.name,
		Output:   result.Text(),
		Metadata: metadata,
	}, nil
}
