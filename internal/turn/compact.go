package turn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
)

const summaryPrompt = `Summarize the conversation so far for your own future reference.
Capture the user's goals, decisions made, files touched, and any unresolved
problems. Omit reasoning traces and pleasantries. Reply with the summary
only.`

// keptUserExchanges is how many of the newest user exchanges survive a
// compaction verbatim instead of being folded into the summary.
const keptUserExchanges = 2

// compact replaces older context with a model-written summary: messages
// before the cut-point are summarized, the summary is persisted as a
// special message and becomes the session's context floor, and the newest
// user exchanges stay after it verbatim. Titles are never regenerated
// here.
func (r *run) compact(ctx context.Context) error {
	e := r.engine
	e.logger.Info("compacting session context", "session_id", r.input.SessionID)

	prov, modelID, err := smallModel(ctx, e, r.cfg)
	if err != nil {
		return err
	}

	msgs, err := e.sessions.ContextMessages(r.input.SessionID)
	if err != nil {
		return err
	}
	cut := compactionCut(msgs)
	head := msgs
	tailID := ""
	if cut > 0 {
		head = msgs[:cut]
		tailID = msgs[cut].ID
	}

	messages, err := r.projectMessages(head)
	if err != nil {
		return err
	}
	messages = append(messages, provider.Message{Role: "user", Text: summaryPrompt})

	text, err := collectText(ctx, prov, provider.Request{
		Model:    modelID,
		Messages: messages,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("turn: empty summary")
	}

	summary := &session.Message{
		ID:          session.NextMessageID(),
		SessionID:   r.input.SessionID,
		Role:        session.RoleAssistant,
		ModelID:     modelID,
		Summary:     true,
		TimeCreated: time.Now(),
	}
	if err := e.sessions.WriteMessage(ctx, summary); err != nil {
		return err
	}
	part := &session.Part{
		ID:        session.NextPartID(),
		MessageID: summary.ID,
		SessionID: summary.SessionID,
		Type:      session.PartText,
		Text:      text,
	}
	if err := e.sessions.WritePart(ctx, part); err != nil {
		return err
	}
	_, err = e.sessions.SetSummary(ctx, r.input.SessionID, summary.ID, tailID)
	return err
}

// compactionCut returns the index where the verbatim tail begins: the
// newest user exchanges stay out of the summary. Zero means the whole
// window is summarized.
func compactionCut(msgs []session.Message) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			seen++
			if seen == keptUserExchanges {
				return i
			}
		}
	}
	return 0
}

// Compact runs compaction outside a turn. It takes the turn lock so a
// concurrent turn cannot interleave with the summary write.
func (e *Engine) Compact(ctx context.Context, sessionID string) error {
	lock, err := e.sessions.AcquireTurn(sessionID)
	if err != nil {
		return err
	}
	defer lock.Release()

	r := &run{engine: e, input: Input{SessionID: sessionID}, cfg: e.snapshot()}
	return r.compact(ctx)
}

// smallModel resolves the model used for summaries and titles, falling
// back to the main model.
func smallModel(ctx context.Context, e *Engine, cfg *config.Config) (provider.Provider, string, error) {
	ref := cfg.SmallModel
	if ref == "" {
		ref = cfg.Model
	}
	providerID, modelID, err := config.SplitModel(ref)
	if err != nil {
		return nil, "", err
	}
	prov, err := e.providers.Get(ctx, providerID)
	if err != nil {
		return nil, "", err
	}
	return prov, modelID, nil
}

// collectText drains a tool-free stream into its concatenated text.
func collectText(ctx context.Context, prov provider.Provider, req provider.Request) (string, error) {
	events, err := prov.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return text.String(), nil
			}
			switch ev.Type {
			case provider.EventTextDelta:
				text.WriteString(ev.Text)
			case provider.EventFinish:
				return text.String(), nil
			case provider.EventError:
				return "", ev.Err
			}
		}
	}
}
