package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kuuzuki.json5", `{
		// default model
		model: "anthropic/claude-sonnet-4-5",
		share: "auto",
		mode: {
			plan: { tools: { write: false, edit: false, bash: false } },
		},
	}`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "anthropic/claude-sonnet-4-5" {
		t.Errorf("model = %q", cfg.Model)
	}
	if cfg.Share != ShareAuto {
		t.Errorf("share = %q", cfg.Share)
	}
	plan, ok := cfg.Mode["plan"]
	if !ok {
		t.Fatal("plan mode missing")
	}
	if v, ok := plan.Tools["write"]; !ok || v {
		t.Errorf("plan tools write = %v, %v", v, ok)
	}
}

func TestLoadYAMLWithInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "model: openai/gpt-4o\nshare: manual\n")
	path := writeFile(t, dir, "kuuzuki.yaml", "$include: base.yaml\nshare: disabled\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "openai/gpt-4o" {
		t.Errorf("included model lost, got %q", cfg.Model)
	}
	if cfg.Share != ShareDisabled {
		t.Errorf("including document should win, share = %q", cfg.Share)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := filepath.Join(dir, "a.yaml")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path, nil); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("KUUZUKI_TEST_MODEL", "anthropic/claude-haiku-4-5")
	dir := t.TempDir()
	path := writeFile(t, dir, "kuuzuki.yaml", "model: ${KUUZUKI_TEST_MODEL}\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "anthropic/claude-haiku-4-5" {
		t.Errorf("model = %q", cfg.Model)
	}
}

func TestLoadUnknownKeysTolerated(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kuuzuki.yaml", "model: openai/gpt-4o\nfuture_option: 42\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unknown keys must not fail the load: %v", err)
	}
	if cfg.Model != "openai/gpt-4o" {
		t.Errorf("model = %q", cfg.Model)
	}
}

func TestLoadEmptyPathDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Share != ShareManual {
		t.Errorf("default share = %q", cfg.Share)
	}
	if cfg.Server.Hostname != "127.0.0.1" {
		t.Errorf("default hostname = %q", cfg.Server.Hostname)
	}
}

func TestValidateMCP(t *testing.T) {
	tests := []struct {
		name    string
		server  MCPServer
		wantErr bool
	}{
		{"local ok", MCPServer{Type: "local", Command: []string{"server"}}, false},
		{"local missing command", MCPServer{Type: "local"}, true},
		{"remote ok", MCPServer{Type: "remote", URL: "https://mcp.example.com"}, false},
		{"remote missing url", MCPServer{Type: "remote"}, true},
		{"bad type", MCPServer{Type: "ssh"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MCP = map[string]MCPServer{"srv": tt.server}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitModel(t *testing.T) {
	tests := []struct {
		ref              string
		provider, model  string
		wantErr          bool
	}{
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5", false},
		{"openrouter/meta/llama-3", "openrouter", "meta/llama-3", false},
		{"nomodel", "", "", true},
		{"/model", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			p, m, err := SplitModel(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if p != tt.provider || m != tt.model {
				t.Errorf("got %q/%q, want %q/%q", p, m, tt.provider, tt.model)
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	if !strings.Contains(string(raw), "small_model") {
		t.Error("schema missing small_model property")
	}
}
