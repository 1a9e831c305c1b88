package turn

import (
	"context"
	"time"

	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
)

const titlePrompt = `Write a title for this conversation based on the user's message.
At most 50 characters, one line, no quotes, no trailing punctuation.
Reply with the title only.`

const titleTimeout = 30 * time.Second

// maybeGenerateTitle kicks off async title generation after the first
// user message. Failures are swallowed; the placeholder title stays.
func (r *run) maybeGenerateTitle() {
	if r.input.Text == "" {
		return
	}
	msgs, err := r.engine.sessions.Messages(r.input.SessionID)
	if err != nil {
		return
	}
	users := 0
	for _, m := range msgs {
		if m.Role == session.RoleUser {
			users++
		}
	}
	if users != 1 {
		return
	}
	go r.engine.generateTitle(r.input.SessionID, r.input.Text)
}

func (e *Engine) generateTitle(sessionID, userText string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	prov, modelID, err := smallModel(ctx, e, e.snapshot())
	if err != nil {
		e.logger.Debug("title generation skipped", "session_id", sessionID, "error", err)
		return
	}
	text, err := collectText(ctx, prov, provider.Request{
		Model:  modelID,
		System: titlePrompt,
		Messages: []provider.Message{
			{Role: "user", Text: userText},
		},
	})
	if err != nil {
		e.logger.Debug("title generation failed", "session_id", sessionID, "error", err)
		return
	}
	title := session.TrimTitle(text)
	if title == "" {
		return
	}
	if _, err := e.sessions.Update(ctx, sessionID, func(s *session.Session) {
		s.Title = title
	}); err != nil {
		e.logger.Debug("title update failed", "session_id", sessionID, "error", err)
	}
}
