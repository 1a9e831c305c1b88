package mcp

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/tool"
)

// fakeServerScript speaks just enough MCP over stdio for the manager to
// connect and enumerate one tool.
const fakeServerScript = `#!/bin/bash
while IFS= read -r line; do
  case "$line" in
    *'"initialize"'*)
      echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"1.0"}}}'
      ;;
    *'"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{"type":"object","properties":{"text":{"type":"string"}}}}]}}'
      ;;
    *'"tools/call"'*)
      echo '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"hello from fake"}],"isError":false}}'
      ;;
  esac
done
`

func writeFakeServer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-mcp.sh")
	if err := os.WriteFile(path, []byte(fakeServerScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestManagerStartAndCall(t *testing.T) {
	script := writeFakeServer(t)
	registry := tool.NewRegistry()
	b := bus.New(slog.Default())
	m := NewManager(map[string]config.MCPServer{
		"fake": {Type: "local", Command: []string{"bash", script}},
	}, registry, b, slog.Default())

	m.Start(context.Background())
	defer m.Stop()

	registered, ok := registry.Get("fake_echo")
	if !ok {
		t.Fatalf("tool not registered, have %v", registry.Names())
	}
	result, err := registered.Execute(context.Background(), tool.Call{
		Args: map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.Output, "hello from fake") {
		t.Errorf("output = %q", result.Output)
	}

	status := m.Status()
	if len(status) != 1 || !status[0].Connected || status[0].Tools != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestManagerStopUnregisters(t *testing.T) {
	script := writeFakeServer(t)
	registry := tool.NewRegistry()
	m := NewManager(map[string]config.MCPServer{
		"fake": {Type: "local", Command: []string{"bash", script}},
	}, registry, bus.New(slog.Default()), slog.Default())

	m.Start(context.Background())
	if _, ok := registry.Get("fake_echo"); !ok {
		t.Fatal("tool not registered after start")
	}
	m.Stop()
	if _, ok := registry.Get("fake_echo"); ok {
		t.Fatal("tool still registered after stop")
	}

	// A second start re-enumerates the same registry entries.
	m.Start(context.Background())
	defer m.Stop()
	if _, ok := registry.Get("fake_echo"); !ok {
		t.Fatal("tool not re-registered after restart")
	}
}

func TestManagerSkipsDisabled(t *testing.T) {
	disabled := false
	registry := tool.NewRegistry()
	m := NewManager(map[string]config.MCPServer{
		"off": {Type: "local", Command: []string{"bash", "-c", "exit 1"}, Enabled: &disabled},
	}, registry, bus.New(slog.Default()), slog.Default())

	m.Start(context.Background())
	defer m.Stop()

	if n := len(registry.Names()); n != 0 {
		t.Errorf("registry should be empty, has %d tools", n)
	}
	status := m.Status()
	if len(status) != 1 || status[0].Enabled || status[0].Connected {
		t.Errorf("status = %+v", status)
	}
}

func TestManagerTimeoutPublishesError(t *testing.T) {
	b := bus.New(slog.Default())
	errCh := make(chan session.EventError, 1)
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		if e, ok := ev.Properties.(session.EventError); ok {
			select {
			case errCh <- e:
			default:
			}
		}
		return nil
	}, "session.error")

	registry := tool.NewRegistry()
	m := NewManager(map[string]config.MCPServer{
		// cat reads requests and never answers.
		"silent": {Type: "local", Command: []string{"cat", "-"}},
	}, registry, b, slog.Default(), WithStartTimeout(200*time.Millisecond))

	m.Start(context.Background())
	defer m.Stop()

	select {
	case e := <-errCh:
		if !strings.Contains(e.Error, "silent") {
			t.Errorf("error should name the server: %q", e.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session.error published")
	}
	if n := len(registry.Names()); n != 0 {
		t.Errorf("failed server must not register tools, has %d", n)
	}
}

func TestManagerUnknownType(t *testing.T) {
	if _, err := NewClient("bad", config.MCPServer{Type: "carrier-pigeon"}, slog.Default()); err == nil {
		t.Fatal("expected an error for an unknown server type")
	}
}
