package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/moikas-code/kuuzuki/internal/backoff"
)

const (
	bedrockDefaultRegion     = "us-east-1"
	bedrockMaxStreamAttempts = 3
)

// Bedrock streams completions through the AWS Bedrock Converse API.
// Credentials come from the default AWS chain; an explicit
// "accessKeyID:secretAccessKey[:sessionToken]" api_key overrides it.
type Bedrock struct {
	client *bedrockruntime.Client
	logger *slog.Logger
}

// NewBedrock builds the adapter.
func NewBedrock(ctx context.Context, apiKey, region string, logger *slog.Logger) (*Bedrock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if region == "" {
		region = bedrockDefaultRegion
	}

	options := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if apiKey != "" {
		parts := strings.SplitN(apiKey, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("bedrock: api key must be accessKeyID:secretAccessKey[:sessionToken]")
		}
		token := ""
		if len(parts) == 3 {
			token = parts[2]
		}
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(parts[0], parts[1], token)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &Bedrock{
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger.With("component", "provider", "provider", "bedrock"),
	}, nil
}

func (p *Bedrock) ID() string { return "bedrock" }

// Stream opens a ConverseStream call and converts its events.
func (p *Bedrock) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: p.convertMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	inference := &types.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	inference.MaxTokens = aws.Int32(int32(maxTokens)) // #nosec G115 -- bounded by config
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
	}
	input.InferenceConfig = inference
	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(req.Tools)
	}

	p.logger.Debug("opening stream", "model", req.Model, "tools", len(req.Tools))
	result, err := backoff.Retry(ctx, backoff.Provider(), bedrockMaxStreamAttempts, IsRetryable,
		func(int) (*bedrockruntime.ConverseStreamOutput, error) {
			stream, err := p.client.ConverseStream(ctx, input)
			if err != nil {
				return nil, wrapError("bedrock", req.Model, err)
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

func (p *Bedrock) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- Event, model string) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var usage Usage
	var toolCallID, toolName string
	var toolInput strings.Builder
	inTool := false
	sawTool := false

	if !emit(ctx, events, Event{Type: EventStepStart}) {
		return
	}

	finish := func() {
		if !emit(ctx, events, Event{Type: EventStepFinish, Usage: &usage}) {
			return
		}
		reason := FinishStop
		if sawTool {
			reason = FinishToolCalls
		}
		emit(ctx, events, Event{Type: EventFinish, Reason: reason})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				if err := eventStream.Err(); err != nil {
					emit(ctx, events, Event{Type: EventError, Err: wrapError("bedrock", model, err)})
					return
				}
				finish()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolCallID = aws.ToString(toolUse.Value.ToolUseId)
					toolName = aws.ToString(toolUse.Value.Name)
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
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !emit(ctx, events, Event{Type: EventTextDelta, Text: delta.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						if !emit(ctx, events, Event{Type: EventReasoningDelta, Text: text.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil && *delta.Value.Input != "" {
						toolInput.WriteString(*delta.Value.Input)
						if !emit(ctx, events, Event{
							Type:      EventToolCallDelta,
							CallID:    toolCallID,
							ArgsDelta: *delta.Value.Input,
						}) {
							return
						}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
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
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
					usage.CacheReadTokens = int(aws.ToInt32(ev.Value.Usage.CacheReadInputTokens))
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish()
				return
			}
		}
	}
}

func (p *Bedrock) convertMessages(messages []Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		if msg.Text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Text})
		}
		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.CallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func (p *Bedrock) convertTools(tools []ToolDef) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
