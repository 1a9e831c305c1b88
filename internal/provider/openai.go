package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/moikas-code/kuuzuki/internal/backoff"
)

const openaiMaxStreamAttempts = 3

// OpenAI streams completions from the Chat Completions API. It also
// serves OpenAI-compatible endpoints through a BaseURL override.
type OpenAI struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI builds the adapter. baseURL is optional.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "provider", "provider", "openai"),
	}
}

func (p *OpenAI) ID() string { return "openai" }

// Stream opens a streaming chat completion and converts its chunks.
// Stream creation is retried on transient failures; mid-stream errors
// surface as error events.
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	p.logger.Debug("opening stream", "model", req.Model, "tools", len(req.Tools))
	result, err := backoff.Retry(ctx, backoff.Provider(), openaiMaxStreamAttempts, IsRetryable,
		func(int) (*openai.ChatCompletionStream, error) {
			stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return nil, wrapError("openai", req.Model, err)
			}
			return stream, nil
		})
	if err != nil {
		if result.LastError != nil {
			return nil, result.LastError
		}
		return nil, err
	}

	events := make(chan Event)
	go p.processStream(ctx, result.Value, events, req.Model)
	return events, nil
}

// pendingCall accumulates one tool call across chunks. The id and name
// arrive in the first fragment, arguments stream afterwards.
type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event, model string) {
	defer close(events)
	defer stream.Close()

	var usage Usage
	calls := make(map[int]*pendingCall)
	sawTool := false

	if !emit(ctx, events, Event{Type: EventStepStart}) {
		return
	}

	flushCalls := func() bool {
		indices := make([]int, 0, len(calls))
		for i := range calls {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			call := calls[i]
			if call.id == "" || call.name == "" {
				continue
			}
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			if !emit(ctx, events, Event{
				Type:     EventToolCallReady,
				CallID:   call.id,
				ToolName: call.name,
				Args:     json.RawMessage(args),
			}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if !flushCalls() {
					return
				}
				if !emit(ctx, events, Event{Type: EventStepFinish, Usage: &usage}) {
					return
				}
				reason := FinishStop
				if sawTool {
					reason = FinishToolCalls
				}
				emit(ctx, events, Event{Type: EventFinish, Reason: reason})
				return
			}
			emit(ctx, events, Event{Type: EventError, Err: wrapError("openai", model, err)})
			return
		}

		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			if !emit(ctx, events, Event{Type: EventTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				sawTool = true
				if !emit(ctx, events, Event{
					Type:     EventToolCallStart,
					CallID:   call.id,
					ToolName: call.name,
				}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if !emit(ctx, events, Event{
					Type:      EventToolCallDelta,
					CallID:    call.id,
					ArgsDelta: tc.Function.Arguments,
				}) {
					return
				}
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if !flushCalls() {
				return
			}
		}
	}
}

func (p *OpenAI) convertMessages(req Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		if msg.Text != "" || len(msg.ToolCalls) > 0 {
			out := openai.ChatCompletionMessage{Role: role, Content: msg.Text}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, out)
		}
		// Tool results each become a separate tool-role message.
		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
	}
	return result
}

func (p *OpenAI) convertTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}
