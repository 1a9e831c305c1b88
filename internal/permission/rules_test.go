package permission

import (
	"log/slog"
	"testing"
)

func mustParse(t *testing.T, raw any) *Ruleset {
	t.Helper()
	rs, err := ParseRules(raw)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	return rs
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"git *", "git status", true},
		{"git *", "git", false},
		{"*", "anything at all", true},
		{"bash", "bash", true},
		{"bash", "bash2", false},
		{"rm -rf *", "rm -rf /tmp/x", true},
		{"*push*", "git push origin", true},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "acb", false},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			if got := MatchGlob(tt.pattern, tt.subject); got != tt.want {
				t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestEvaluateScalarDecisions(t *testing.T) {
	rs := mustParse(t, map[string]any{
		"bash": "ask",
		"edit": "deny",
		"read": "allow",
	})

	tests := []struct {
		tool string
		want Decision
	}{
		{"bash", DecisionAsk},
		{"edit", DecisionDeny},
		{"read", DecisionAllow},
	}
	for _, tt := range tests {
		d, ok := rs.Evaluate("", tt.tool, "")
		if !ok || d != tt.want {
			t.Errorf("Evaluate(%s) = %v, %v, want %v", tt.tool, d, ok, tt.want)
		}
	}

	if _, ok := rs.Evaluate("", "grep", ""); ok {
		t.Error("unconfigured tool should yield no opinion")
	}
}

func TestEvaluatePatternSpecificity(t *testing.T) {
	rs := mustParse(t, map[string]any{
		"bash": map[string]any{
			"*":          "ask",
			"git *":      "allow",
			"git push *": "deny",
		},
	})

	tests := []struct {
		pattern string
		want    Decision
	}{
		{"ls -la", DecisionAsk},
		{"git status", DecisionAllow},
		{"git push origin main", DecisionDeny},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			d, ok := rs.Evaluate("", "bash", tt.pattern)
			if !ok || d != tt.want {
				t.Errorf("Evaluate(bash, %q) = %v, %v, want %v", tt.pattern, d, ok, tt.want)
			}
		})
	}
}

func TestResolveReportsWinningGlob(t *testing.T) {
	rs := mustParse(t, map[string]any{
		"bash":     map[string]any{"git *": "ask", "git push *": "deny"},
		"webfetch": "ask",
	})

	tests := []struct {
		tool, pattern string
		want          Decision
		wantGlob      string
	}{
		{"bash", "git status", DecisionAsk, "git *"},
		{"bash", "git push origin", DecisionDeny, "git push *"},
		{"webfetch", "https://example.com", DecisionAsk, ""},
	}
	for _, tt := range tests {
		t.Run(tt.tool+"/"+tt.pattern, func(t *testing.T) {
			d, glob, ok := rs.Resolve("", tt.tool, tt.pattern)
			if !ok || d != tt.want || glob != tt.wantGlob {
				t.Errorf("Resolve(%s, %q) = %v, %q, %v, want %v, %q",
					tt.tool, tt.pattern, d, glob, ok, tt.want, tt.wantGlob)
			}
		})
	}
}

func TestEvaluateListForm(t *testing.T) {
	rs := mustParse(t, []any{"git *", "webfetch"})

	if d, ok := rs.Evaluate("", "bash", "git push"); !ok || d != DecisionAsk {
		t.Errorf("matching glob should ask, got %v, %v", d, ok)
	}
	if d, ok := rs.Evaluate("", "webfetch", ""); !ok || d != DecisionAsk {
		t.Errorf("tool-name glob should ask, got %v, %v", d, ok)
	}
	if _, ok := rs.Evaluate("", "bash", "ls"); ok {
		t.Error("non-matching request should yield no opinion")
	}
}

func TestEvaluateToolsWildcardMap(t *testing.T) {
	rs := mustParse(t, map[string]any{
		"tools": map[string]any{
			"kb_*": "ask",
			"*":    "allow",
		},
	})

	if d, _ := rs.Evaluate("", "kb_read", ""); d != DecisionAsk {
		t.Errorf("kb_read = %v, want ask (more specific pattern wins)", d)
	}
	if d, _ := rs.Evaluate("", "grep", ""); d != DecisionAllow {
		t.Errorf("grep = %v, want allow", d)
	}
}

func TestEvaluateAgentOverride(t *testing.T) {
	rs := mustParse(t, map[string]any{
		"bash": "allow",
		"agents": map[string]any{
			"reviewer": map[string]any{
				"bash": "deny",
			},
		},
	})

	if d, _ := rs.Evaluate("reviewer", "bash", ""); d != DecisionDeny {
		t.Errorf("reviewer bash = %v, want deny", d)
	}
	if d, _ := rs.Evaluate("", "bash", ""); d != DecisionAllow {
		t.Errorf("base bash = %v, want allow", d)
	}
	if d, _ := rs.Evaluate("other", "bash", ""); d != DecisionAllow {
		t.Errorf("unknown agent falls back to base, got %v", d)
	}
}

func TestParseRulesRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"scalar", "allow"},
		{"bad decision", map[string]any{"bash": "maybe"}},
		{"non-string list entry", []any{42}},
		{"bad nested decision", map[string]any{"bash": map[string]any{"git *": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules(tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFromEnvInvalidBlobsIgnored(t *testing.T) {
	logger := slog.Default()
	tests := []struct {
		name, blob string
	}{
		{"empty", ""},
		{"not json", "{nope"},
		{"wrong shape", `{"bash": 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rs := fromEnvValue(tt.blob, logger); rs != nil {
				t.Errorf("expected nil ruleset, got %+v", rs)
			}
		})
	}
}

func TestFromEnvValid(t *testing.T) {
	rs := fromEnvValue(`{"bash": "deny"}`, slog.Default())
	if rs == nil {
		t.Fatal("expected ruleset")
	}
	if d, _ := rs.Evaluate("", "bash", ""); d != DecisionDeny {
		t.Errorf("bash = %v, want deny", d)
	}
}
