package turn

import (
	"context"
	"fmt"
	"strings"

	"github.com/moikas-code/kuuzuki/internal/session"
)

// RunSubtask runs an agent turn in a child session and returns the final
// assistant text. It satisfies the task tool's runner interface.
func (e *Engine) RunSubtask(ctx context.Context, parentSessionID, agentName, description, prompt string) (string, error) {
	child, err := e.sessions.Create(ctx, parentSessionID)
	if err != nil {
		return "", err
	}
	if description != "" {
		if _, err := e.sessions.Update(ctx, child.ID, func(s *session.Session) {
			s.Title = session.TrimTitle(description)
		}); err != nil {
			e.logger.Warn("subtask title update failed", "session_id", child.ID, "error", err)
		}
	}

	msg, err := e.Run(ctx, Input{
		SessionID: child.ID,
		Text:      prompt,
		Agent:     agentName,
	})
	if err != nil {
		return "", fmt.Errorf("subtask: %w", err)
	}

	parts, err := e.sessions.Parts(child.ID, msg.ID)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, part := range parts {
		if part.Type == session.PartText {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(part.Text)
		}
	}
	return text.String(), nil
}
