package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/moikas-code/kuuzuki/internal/backoff"
	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/plugin"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
)

// run is the per-turn state.
type run struct {
	engine *Engine
	input  Input

	cfg      *config.Config
	settings settings

	providerID string
	modelID    string
	prov       provider.Provider

	toolDefs []provider.ToolDef

	assistant *session.Message
	textPart  *session.Part
	toolParts map[string]*session.Part
	usage     session.TokenUsage
	cost      float64

	temperature *float64
	topP        *float64

	compacted bool
}

func (r *run) execute(ctx context.Context) (*session.Message, error) {
	e := r.engine
	r.cfg = e.snapshot()

	if _, err := e.sessions.Get(r.input.SessionID); err != nil {
		return nil, err
	}
	r.settings = resolveSettings(r.cfg, r.input)

	modelRef := r.settings.model
	if modelRef == "" {
		return nil, errors.New("turn: no model configured")
	}
	providerID, modelID, err := config.SplitModel(modelRef)
	if err != nil {
		return nil, err
	}
	r.providerID, r.modelID = providerID, modelID
	r.prov, err = e.providers.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}

	if _, err := r.writeUserMessage(ctx); err != nil {
		return nil, err
	}
	r.maybeGenerateTitle()

	if err := r.buildTools(ctx); err != nil {
		return nil, err
	}

	r.assistant = &session.Message{
		ID:          session.NextMessageID(),
		SessionID:   r.input.SessionID,
		Role:        session.RoleAssistant,
		ModelID:     r.modelID,
		ProviderID:  r.providerID,
		Mode:        r.settings.mode,
		TimeCreated: time.Now(),
	}
	if err := e.sessions.WriteMessage(ctx, r.assistant); err != nil {
		return nil, err
	}

	// Plugins may tune sampling before the first stream opens.
	params := plugin.ChatParams{
		SessionID:  r.input.SessionID,
		ProviderID: r.providerID,
		ModelID:    r.modelID,
	}
	if e.plugins != nil {
		e.plugins.ChatParams(ctx, &params)
	}
	r.temperature, r.topP = params.Temperature, params.TopP

	runErr := r.streamSteps(ctx)
	return r.finish(ctx, runErr)
}

func (r *run) writeUserMessage(ctx context.Context) (*session.Message, error) {
	e := r.engine
	msg := &session.Message{
		ID:          session.NextMessageID(),
		SessionID:   r.input.SessionID,
		Role:        session.RoleUser,
		Mode:        r.settings.mode,
		TimeCreated: time.Now(),
	}
	if err := e.sessions.WriteMessage(ctx, msg); err != nil {
		return nil, err
	}
	var parts []session.Part
	if r.input.Text != "" {
		parts = append(parts, session.Part{
			ID:        session.NextPartID(),
			MessageID: msg.ID,
			SessionID: msg.SessionID,
			Type:      session.PartText,
			Text:      r.input.Text,
		})
	}
	for i := range r.input.FileParts {
		file := r.input.FileParts[i]
		parts = append(parts, session.Part{
			ID:        session.NextPartID(),
			MessageID: msg.ID,
			SessionID: msg.SessionID,
			Type:      session.PartFile,
			File:      &file,
		})
	}
	for i := range parts {
		if err := e.sessions.WritePart(ctx, &parts[i]); err != nil {
			return nil, err
		}
	}
	if e.plugins != nil {
		e.plugins.ChatMessage(ctx, &plugin.ChatMessageInput{
			SessionID: msg.SessionID,
			AgentName: r.settings.agent,
			Message:   msg,
			Parts:     parts,
		})
	}
	return msg, nil
}

// streamSteps runs model steps until the model stops asking for tools,
// the step cap is hit, or the turn fails.
func (r *run) streamSteps(ctx context.Context) error {
	for step := 0; step < maxSteps; step++ {
		reason, err := r.streamOnce(ctx)
		if err != nil {
			return err
		}
		switch reason {
		case provider.FinishToolCalls:
			continue
		case provider.FinishInterrupted:
			r.assistant.Interrupted = true
			return nil
		default:
			return nil
		}
	}
	r.engine.logger.Warn("turn hit step cap", "session_id", r.input.SessionID, "steps", maxSteps)
	return nil
}

// streamOnce runs one model step, restarting the stream on retryable
// errors up to maxStreamAttempts.
func (r *run) streamOnce(ctx context.Context) (string, error) {
	e := r.engine

	var lastErr error
	for attempt := 1; attempt <= maxStreamAttempts; attempt++ {
		if attempt > 1 {
			if e.metrics != nil {
				e.metrics.ProviderRetryCounter.WithLabelValues(r.providerID).Inc()
			}
			if err := backoff.SleepBackoff(ctx, backoff.Provider(), attempt-1); err != nil {
				return "", err
			}
		}

		req, err := r.buildRequest(ctx)
		if err != nil {
			return "", err
		}

		reason, err := r.consumeStream(ctx, req)
		if err == nil {
			return reason, nil
		}
		if ctx.Err() != nil {
			r.assistant.Interrupted = true
			return provider.FinishInterrupted, nil
		}
		lastErr = err
		if !provider.IsRetryable(err) {
			return "", err
		}
		e.logger.Warn("provider stream failed, retrying",
			"session_id", r.input.SessionID, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("turn: stream retries exhausted: %w", lastErr)
}

func (r *run) consumeStream(ctx context.Context, req provider.Request) (string, error) {
	e := r.engine

	if e.tracer != nil {
		_, span := e.tracer.Start(ctx, "provider.stream",
			attribute.String("provider", r.providerID),
			attribute.String("model", r.modelID))
		defer span.End()
	}

	events, err := r.prov.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a finish event.
				return provider.FinishInterrupted, nil
			}
			reason, done, err := r.handleEvent(ctx, ev)
			if err != nil {
				return "", err
			}
			if done {
				return reason, nil
			}
		}
	}
}

// handleEvent applies one stream event. done is true on finish.
func (r *run) handleEvent(ctx context.Context, ev provider.Event) (reason string, done bool, err error) {
	switch ev.Type {
	case provider.EventStepStart:
		part := r.newPart(session.PartStepStart)
		err = r.engine.sessions.WritePart(ctx, part)

	case provider.EventTextDelta:
		err = r.appendText(ctx, session.PartText, ev.Text)

	case provider.EventReasoningDelta:
		err = r.appendText(ctx, session.PartReasoning, ev.Text)

	case provider.EventToolCallStart:
		r.textPart = nil
		part := r.newPart(session.PartTool)
		part.Tool = &session.ToolPart{
			Name:   ev.ToolName,
			CallID: ev.CallID,
			State:  session.ToolPending,
		}
		if r.toolParts == nil {
			r.toolParts = make(map[string]*session.Part)
		}
		r.toolParts[ev.CallID] = part
		err = r.engine.sessions.WritePart(ctx, part)

	case provider.EventToolCallDelta:
		// Arguments accumulate provider-side; the ready event carries them.

	case provider.EventToolCallReady:
		err = r.executeToolCall(ctx, ev)

	case provider.EventStepFinish:
		part := r.newPart(session.PartStepFinish)
		if ev.Usage != nil {
			part.Tokens = &session.TokenUsage{
				Input:     ev.Usage.InputTokens,
				Output:    ev.Usage.OutputTokens,
				Reasoning: ev.Usage.ReasoningTokens,
				CacheRead: ev.Usage.CacheReadTokens,
			}
			part.Cost = provider.Cost(r.modelID, *ev.Usage)
			r.usage.Input += ev.Usage.InputTokens
			r.usage.Output += ev.Usage.OutputTokens
			r.usage.Reasoning += ev.Usage.ReasoningTokens
			r.usage.CacheRead += ev.Usage.CacheReadTokens
			r.cost += part.Cost
			if r.engine.metrics != nil {
				r.engine.metrics.ProviderTokensUsed.WithLabelValues(r.providerID, r.modelID, "input").
					Add(float64(ev.Usage.InputTokens))
				r.engine.metrics.ProviderTokensUsed.WithLabelValues(r.providerID, r.modelID, "output").
					Add(float64(ev.Usage.OutputTokens))
			}
		}
		r.textPart = nil
		err = r.engine.sessions.WritePart(ctx, part)

	case provider.EventFinish:
		return ev.Reason, true, nil

	case provider.EventError:
		return "", false, ev.Err
	}
	return "", false, err
}

func (r *run) newPart(t session.PartType) *session.Part {
	return &session.Part{
		ID:        session.NextPartID(),
		MessageID: r.assistant.ID,
		SessionID: r.assistant.SessionID,
		Type:      t,
	}
}

// appendText grows the current text or reasoning part, creating one when
// none is open or the open one has a different type.
func (r *run) appendText(ctx context.Context, t session.PartType, text string) error {
	if r.textPart == nil || r.textPart.Type != t {
		r.textPart = r.newPart(t)
	}
	r.textPart.Text += text
	return r.engine.sessions.WritePart(ctx, r.textPart)
}

// finish records the outcome on the assistant message and persists it.
func (r *run) finish(ctx context.Context, runErr error) (*session.Message, error) {
	e := r.engine
	writeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		r.assistant.Interrupted = true
	} else if runErr != nil {
		r.assistant.Error = runErr.Error()
		e.sessions.PublishError(writeCtx, r.input.SessionID, runErr)
	}
	if r.usage.Total() > 0 {
		usage := r.usage
		r.assistant.Tokens = &usage
		r.assistant.Cost = r.cost
	}
	if err := e.sessions.WriteMessage(writeCtx, r.assistant); err != nil {
		return nil, err
	}
	if runErr != nil && ctx.Err() == nil {
		return r.assistant, runErr
	}
	return r.assistant, nil
}
