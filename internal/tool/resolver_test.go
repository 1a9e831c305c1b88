package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type stubTool struct {
	name string
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "stub" }
func (t *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *stubTool) Execute(ctx context.Context, call Call) (*Result, error) {
	return &Result{Output: "ok"}, nil
}

func newTestRegistry(names ...string) *Registry {
	r := NewRegistry()
	for _, name := range names {
		r.Register(&stubTool{name: name})
	}
	return r
}

func TestResolveStrategies(t *testing.T) {
	tests := []struct {
		name       string
		registered []string
		requested  string
		wantName   string
		wantVia    Via
	}{
		{"direct", []string{"bash", "read"}, "bash", "bash", ViaDirect},
		{"alias", []string{"bash"}, "shell", "bash", ViaAlias},
		{"functional", []string{"grep"}, "search", "grep", ViaFunctional},
		{"composite", []string{"file_read"}, "read_file", "file_read", ViaComposite},
		{"fallback", []string{"bash"}, "unknown_thing", "unknown_thing", ViaFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(newTestRegistry(tt.registered...))
			tool, res := r.Resolve("s1", tt.requested)
			if res.Name != tt.wantName || res.Via != tt.wantVia {
				t.Fatalf("Resolve(%q) = %+v, want {%s %s}", tt.requested, res, tt.wantName, tt.wantVia)
			}
			if tool == nil {
				t.Fatal("resolver must always return an executable tool")
			}
		})
	}
}

func TestResolveDirectBeatsAlias(t *testing.T) {
	// "shell" is an alias for bash, but a registered tool named shell wins.
	r := NewResolver(newTestRegistry("bash", "shell"))
	_, res := r.Resolve("s1", "shell")
	if res.Via != ViaDirect || res.Name != "shell" {
		t.Fatalf("res = %+v", res)
	}
}

func TestResolveMemoized(t *testing.T) {
	reg := newTestRegistry("file_read")
	r := NewResolver(reg)
	_, first := r.Resolve("s1", "read_file")
	if first.Via != ViaComposite {
		t.Fatalf("first = %+v", first)
	}

	// Register a direct match; the memoized composite resolution sticks
	// for this session.
	reg.Register(&stubTool{name: "read_file"})
	_, second := r.Resolve("s1", "read_file")
	if second.Via != ViaComposite {
		t.Errorf("memoized resolution changed: %+v", second)
	}

	// Another session resolves fresh.
	_, other := r.Resolve("s2", "read_file")
	if other.Via != ViaDirect {
		t.Errorf("fresh session should resolve directly: %+v", other)
	}

	r.ForgetSession("s1")
	_, after := r.Resolve("s1", "read_file")
	if after.Via != ViaDirect {
		t.Errorf("after forget: %+v", after)
	}
}

func TestFallbackSuggestions(t *testing.T) {
	r := NewResolver(newTestRegistry("bash", "read", "grep"))
	tool, res := r.Resolve("s1", "bas")
	if res.Via != ViaFallback {
		t.Fatalf("res = %+v", res)
	}
	result, err := tool.Execute(context.Background(), Call{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Metadata["error"] != true {
		t.Error("fallback result must be marked as an error")
	}
	if !strings.Contains(result.Output, "bash") {
		t.Errorf("output must suggest bash: %q", result.Output)
	}
}

func TestSuggestionsRanked(t *testing.T) {
	r := NewResolver(newTestRegistry("read", "real", "bash"))
	got := r.Suggestions("reed")
	// read and real are both distance 1; ties break lexicographically.
	if len(got) < 2 || got[0] != "read" || got[1] != "real" {
		t.Fatalf("Suggestions = %v", got)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Server", "my_server"},
		{"kb-mcp", "kb_mcp"},
		{"__weird__name__", "weird_name"},
		{"UPPER.case", "upper_case"},
		{"a--b..c", "a_b_c"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := MCPToolName("kb-mcp", "kb read"); got != "kb_mcp_kb_read" {
		t.Errorf("MCPToolName = %q", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"bash", "bas", 1},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry("bash", "read", "write")

	all := r.List(nil)
	if len(all) != 3 {
		t.Fatalf("nil allow-list must include everything, got %d", len(all))
	}

	noWrite := r.List(map[string]bool{"write": false})
	for _, tool := range noWrite {
		if tool.Name() == "write" {
			t.Error("write must be hidden")
		}
	}
	if len(noWrite) != 2 {
		t.Errorf("len = %d", len(noWrite))
	}

	onlyRead := r.List(map[string]bool{"*": false, "read": true})
	if len(onlyRead) != 1 || onlyRead[0].Name() != "read" {
		t.Errorf("onlyRead = %v", onlyRead)
	}
}
