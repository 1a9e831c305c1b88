package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC calls to one server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Connected() bool
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
