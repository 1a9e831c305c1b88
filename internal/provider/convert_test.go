package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/moikas-code/kuuzuki/internal/config"
)

func testRequest() Request {
	return Request{
		Model:  "test-model",
		System: "be helpful",
		Messages: []Message{
			{Role: "user", Text: "list the files"},
			{
				Role: "assistant",
				Text: "running ls",
				ToolCalls: []ToolCall{
					{ID: "call_1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
				},
			},
			{
				Role:        "user",
				ToolResults: []ToolResult{{CallID: "call_1", Content: "a.go\nb.go"}},
			},
		},
		Tools: []ToolDef{
			{
				Name:        "bash",
				Description: "run a shell command",
				Schema:      json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`),
			},
		},
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := NewOpenAI("key", "", slog.Default())
	messages := p.convertMessages(testRequest())

	// system + user + assistant + one tool-result message
	if len(messages) != 4 {
		t.Fatalf("got %d messages: %+v", len(messages), messages)
	}
	if messages[0].Role != openai.ChatMessageRoleSystem || messages[0].Content != "be helpful" {
		t.Errorf("system message = %+v", messages[0])
	}
	assistant := messages[2]
	if assistant.Role != openai.ChatMessageRoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", assistant)
	}
	if assistant.ToolCalls[0].ID != "call_1" || assistant.ToolCalls[0].Function.Name != "bash" {
		t.Errorf("tool call = %+v", assistant.ToolCalls[0])
	}
	toolMsg := messages[3]
	if toolMsg.Role != openai.ChatMessageRoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", toolMsg)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p := NewOpenAI("key", "", slog.Default())
	tools := p.convertTools(testRequest().Tools)
	if len(tools) != 1 {
		t.Fatalf("got %d tools", len(tools))
	}
	fn := tools[0].Function
	if fn.Name != "bash" || fn.Description != "run a shell command" {
		t.Errorf("function = %+v", fn)
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := NewAnthropic("key", "", slog.Default())
	messages, err := p.convertMessages(testRequest().Messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	// System rides on params, not messages.
	if len(messages) != 3 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[1].Role != "assistant" {
		t.Errorf("role = %v", messages[1].Role)
	}
	// Assistant carries text + tool_use blocks.
	if len(messages[1].Content) != 2 {
		t.Errorf("assistant content blocks = %d", len(messages[1].Content))
	}
}

func TestAnthropicConvertMessagesBadToolInput(t *testing.T) {
	p := NewAnthropic("key", "", slog.Default())
	_, err := p.convertMessages([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "x", Name: "bash", Input: json.RawMessage(`{broken`)}}},
	})
	if err == nil {
		t.Fatal("expected an error for invalid tool input")
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p := NewAnthropic("key", "", slog.Default())
	tools, err := p.convertTools(testRequest().Tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "bash" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := NewFactory(nil, nil, slog.Default())
	if _, err := f.Get(context.Background(), "carrier-pigeon"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestFactoryCachesAdapters(t *testing.T) {
	f := NewFactory(map[string]config.Provider{
		"anthropic": {APIKey: "sk-test"},
	}, nil, slog.Default())

	a, err := f.Get(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := f.Get(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if a != b {
		t.Error("adapter should be cached")
	}
}

type fakeCreds struct{ key string }

func (f fakeCreds) AccessKey(context.Context, string) (string, error) { return f.key, nil }

func TestFactoryCredentialOrder(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")

	tests := []struct {
		name    string
		cfg     config.Provider
		creds   Credentials
		want    string
		wantErr bool
	}{
		{"config wins", config.Provider{APIKey: "cfg-key"}, fakeCreds{key: "store-key"}, "cfg-key", false},
		{"store next", config.Provider{}, fakeCreds{key: "store-key"}, "store-key", false},
		{"env last", config.Provider{}, fakeCreds{}, "env-key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(map[string]config.Provider{"openai": tt.cfg}, tt.creds, slog.Default())
			key, err := f.apiKey(context.Background(), "openai", tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if key != tt.want {
				t.Errorf("key = %q, want %q", key, tt.want)
			}
		})
	}
}

func TestFactoryNoCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	f := NewFactory(nil, nil, slog.Default())
	if _, err := f.apiKey(context.Background(), "anthropic", config.Provider{}); err == nil {
		t.Fatal("expected an error with no credentials anywhere")
	}
}
