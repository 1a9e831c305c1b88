package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRedactsAPIKeysInMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("request failed with key sk-ant-REDACTED")

	out := buf.String()
	if strings.Contains(out, "sk-ant-REDACTED") {
		t.Fatalf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected [REDACTED] marker, got: %s", out)
	}
}

func TestRedactsStringAttrs(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		secret string
	}{
		{"anthropic key", "token sk-ant-REDACTED", "sk-ant-REDACTED"},
		{"bearer header", "Authorization: Bearer abc123def456ghi789", "abc123def456ghi789"},
		{"key value pair", "api_key=supersecretvalue123", "supersecretvalue123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

			logger.Info("upstream call", "detail", tt.value)

			if strings.Contains(buf.String(), tt.secret) {
				t.Errorf("secret %q leaked: %s", tt.secret, buf.String())
			}
		})
	}
}

func TestRedactsErrorAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	err := errors.New("auth rejected for sk-ant-REDACTED")
	logger.Error("provider error", "error", err)

	if strings.Contains(buf.String(), "sk-ant-REDACTED") {
		t.Fatalf("error attr leaked secret: %s", buf.String())
	}
}

func TestContextIDsInjected(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithSessionID(ctx, "session_abc")
	logger.InfoContext(ctx, "handling")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", record["request_id"])
	}
	if record["session_id"] != "session_abc" {
		t.Errorf("session_id = %v, want session_abc", record["session_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("hidden")
	logger.Info("also hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("sub-warn records should be dropped: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Info("plain message")

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected text format, got json-ish: %s", buf.String())
	}
}
