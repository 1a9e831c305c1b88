package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moikas-code/kuuzuki/internal/config"
)

// Client wraps one server's transport with the MCP handshake and the tool
// operations the engine uses.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []RemoteTool
	info  serverInfo
}

// NewClient builds a client for the configured server.
func NewClient(name string, cfg config.MCPServer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var transport Transport
	switch cfg.Type {
	case "local":
		transport = NewStdioTransport(name, cfg.Command, cfg.Environment, logger)
	case "remote":
		transport = NewHTTPTransport(name, cfg.URL, cfg.Headers, logger)
	default:
		return nil, fmt.Errorf("mcp: unknown server type %q", cfg.Type)
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}, nil
}

// Connect establishes the transport and runs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	raw, err := c.transport.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "kuuzuki", Version: "dev"},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: decode: %w", err)
	}
	c.mu.Lock()
	c.info = result.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Debug("initialized notification failed", "error", err)
	}
	c.logger.Info("mcp server connected",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version)
	return nil
}

// Close shuts the transport down.
func (c *Client) Close() error { return c.transport.Close() }

// Connected reports transport liveness.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// RefreshTools re-enumerates the server's tools and caches them.
func (c *Client) RefreshTools(ctx context.Context) ([]RemoteTool, error) {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/list: decode: %w", err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []RemoteTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/call: decode: %w", err)
	}
	return &result, nil
}
