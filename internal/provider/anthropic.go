package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropic builds the adapter. baseURL is optional.
func NewAnthropic(apiKey, baseURL string, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(options...),
		logger: logger.With("component", "provider", "provider", "anthropic"),
	}
}

func (p *Anthropic) ID() string { return "anthropic" }

// Stream opens a streaming message call and converts its events.
func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	p.logger.Debug("opening stream", "model", req.Model, "tools", len(req.Tools))
	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan Event)
	go p.processStream(ctx, stream, events, req.Model)
	return events, nil
}

func (p *Anthropic) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event, model string) {
	defer close(events)

	var usage Usage
	var toolCallID, toolName string
	var toolInput strings.Builder
	inTool := false
	sawTool := false
	emptyEvents := 0

	if !emit(ctx, events, Event{Type: EventStepStart}) {
		return
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCallID = toolUse.ID
				toolName = toolUse.Name
				toolInput.Reset()
				inTool = true
				sawTool = true
				if !emit(ctx, events, Event{
					Type:     EventToolCallStart,
					CallID:   toolCallID,
					ToolName: toolName,
				}) {
					return
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(ctx, events, Event{Type: EventTextDelta, Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(ctx, events, Event{Type: EventReasoningDelta, Text: delta.Thinking}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					if !emit(ctx, events, Event{
						Type:      EventToolCallDelta,
						CallID:    toolCallID,
						ArgsDelta: delta.PartialJSON,
					}) {
						return
					}
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				if !emit(ctx, events, Event{
					Type:     EventToolCallReady,
					CallID:   toolCallID,
					ToolName: toolName,
					Args:     json.RawMessage(args),
				}) {
					return
				}
				inTool = false
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			if !emit(ctx, events, Event{Type: EventStepFinish, Usage: &usage}) {
				return
			}
			reason := FinishStop
			if sawTool {
				reason = FinishToolCalls
			}
			emit(ctx, events, Event{Type: EventFinish, Reason: reason})
			return

		case "error":
			emit(ctx, events, Event{
				Type: EventError,
				Err:  wrapError("anthropic", model, errors.New("stream error event")),
			})
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				emit(ctx, events, Event{
					Type: EventError,
					Err: wrapError("anthropic", model,
						fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents)),
				})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, events, Event{Type: EventError, Err: wrapError("anthropic", model, err)})
		return
	}
	// Stream ended without message_stop.
	emit(ctx, events, Event{Type: EventFinish, Reason: FinishInterrupted})
}

func (p *Anthropic) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: empty definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
