package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/tool"
)

const startTimeout = 10 * time.Second

// Manager owns the configured MCP servers: it connects them at startup,
// registers their tools, and tears them down on stop. A server that fails
// to start never blocks the engine; it is reported and skipped.
type Manager struct {
	servers  map[string]config.MCPServer
	registry *tool.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	clients map[string]*Client
	// registered tracks the registry names added per server so Stop can
	// remove exactly what Start added.
	registered map[string][]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithStartTimeout overrides the per-server connect timeout.
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager builds a manager over the configured servers.
func NewManager(servers map[string]config.MCPServer, registry *tool.Registry, b *bus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		servers:    servers,
		registry:   registry,
		bus:        b,
		logger:     logger.With("component", "mcp"),
		timeout:    startTimeout,
		clients:    make(map[string]*Client),
		registered: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start connects every enabled server. Each connect runs under a hard
// timeout; failures are published as session errors and the engine moves
// on.
func (m *Manager) Start(ctx context.Context) {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := m.servers[name]
		if !cfg.IsEnabled() {
			m.logger.Info("mcp server disabled, skipping", "server", name)
			continue
		}
		if err := m.startServer(ctx, name, cfg); err != nil {
			m.logger.Warn("mcp server failed to start", "server", name, "error", err)
			m.publishError(ctx, fmt.Sprintf("MCP server %q failed to start: %v", name, err))
		}
	}
}

func (m *Manager) startServer(ctx context.Context, name string, cfg config.MCPServer) error {
	client, err := NewClient(name, cfg, m.logger)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := client.Connect(connectCtx); err != nil {
			done <- err
			return
		}
		_, err := client.RefreshTools(connectCtx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			client.Close()
			return err
		}
	case <-connectCtx.Done():
		// Close in the background so a wedged child cannot stall startup.
		go client.Close()
		return fmt.Errorf("timed out after %v", m.timeout)
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	m.registerTools(name, client)
	return nil
}

func (m *Manager) registerTools(server string, client *Client) {
	var names []string
	for _, remote := range client.Tools() {
		name := tool.MCPToolName(server, remote.Name)
		m.registry.Register(&remoteTool{
			name:   name,
			remote: remote,
			client: client,
		})
		names = append(names, name)
	}
	m.mu.Lock()
	m.registered[server] = names
	m.mu.Unlock()
	m.logger.Info("mcp tools registered", "server", server, "count", len(names))
}

// Stop closes every client and removes its tools from the registry. Start
// can be called again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	clients := m.clients
	registered := m.registered
	m.clients = make(map[string]*Client)
	m.registered = make(map[string][]string)
	m.mu.Unlock()

	for server, names := range registered {
		for _, name := range names {
			m.registry.Unregister(name)
		}
		if client, ok := clients[server]; ok {
			if err := client.Close(); err != nil {
				m.logger.Warn("mcp server close failed", "server", server, "error", err)
			}
		}
	}
}

// ServerStatus reports one server's state.
type ServerStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Tools     int    `json:"tools"`
}

// Status returns every configured server's state, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for name, cfg := range m.servers {
		status := ServerStatus{Name: name, Enabled: cfg.IsEnabled()}
		if client, ok := m.clients[name]; ok {
			status.Connected = client.Connected()
			status.Tools = len(client.Tools())
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) publishError(ctx context.Context, msg string) {
	if m.bus != nil {
		m.bus.Publish(ctx, session.EventError{Error: msg})
	}
}
