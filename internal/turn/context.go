package turn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moikas-code/kuuzuki/internal/config"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/tool"
)

const defaultSystemPrompt = `You are a coding assistant working inside the user's project directory.
Use the available tools to read, modify, and run code. Keep answers short
and grounded in what the tools return.`

// builtinModes ship without configuration. "plan" keeps the model from
// mutating the workspace.
var builtinModes = map[string]config.ModeConfig{
	"build": {},
	"plan": {
		Tools: map[string]bool{
			"write": false,
			"edit":  false,
			"bash":  false,
		},
	},
}

// settings is the resolved prompt/model/tool selection for one turn.
type settings struct {
	mode   string
	agent  string
	prompt string
	model  string
	tools  map[string]bool
}

// resolveSettings merges builtin mode, configured mode, agent override,
// and explicit input in increasing precedence.
func resolveSettings(cfg *config.Config, input Input) settings {
	name := input.Mode
	if name == "" {
		name = "build"
	}
	s := settings{mode: name, model: cfg.Model}

	mode := builtinModes[name]
	if configured, ok := cfg.Mode[name]; ok {
		if configured.Prompt != "" {
			mode.Prompt = configured.Prompt
		}
		if configured.Model != "" {
			mode.Model = configured.Model
		}
		if configured.Tools != nil {
			merged := make(map[string]bool, len(mode.Tools)+len(configured.Tools))
			for k, v := range mode.Tools {
				merged[k] = v
			}
			for k, v := range configured.Tools {
				merged[k] = v
			}
			mode.Tools = merged
		}
	}
	s.prompt = mode.Prompt
	s.tools = mode.Tools
	if mode.Model != "" {
		s.model = mode.Model
	}

	if input.Agent != "" {
		if agent, ok := cfg.Agent[input.Agent]; ok {
			s.agent = input.Agent
			if agent.Prompt != "" {
				s.prompt = agent.Prompt
			}
			if agent.Model != "" {
				s.model = agent.Model
			}
			if agent.Tools != nil {
				s.tools = agent.Tools
			}
		}
	}
	if input.Model != "" {
		s.model = input.Model
	}
	return s
}

// buildTools assembles the turn's tool list from the registry and the
// mode's allow-list, and runs per-session tool initializers.
func (r *run) buildTools(ctx context.Context) error {
	e := r.engine

	for name := range r.settings.tools {
		if name == "*" {
			continue
		}
		if _, ok := e.registry.Get(name); !ok {
			e.logger.Warn("allow-list names unknown tool, ignoring", "tool", name, "mode", r.settings.mode)
		}
	}

	tools := e.registry.List(r.settings.tools)
	r.toolDefs = make([]provider.ToolDef, 0, len(tools))
	for _, t := range tools {
		if init, ok := t.(tool.Initializer); ok {
			if err := init.Init(ctx, tool.SessionInfo{
				SessionID: r.input.SessionID,
				Directory: e.directory,
				AgentName: r.settings.agent,
			}); err != nil {
				return fmt.Errorf("turn: init tool %s: %w", t.Name(), err)
			}
		}
		r.toolDefs = append(r.toolDefs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return nil
}

// buildRequest assembles the context window, compacting first when the
// estimate would blow the model's input limit.
func (r *run) buildRequest(ctx context.Context) (provider.Request, error) {
	req, err := r.assembleRequest()
	if err != nil {
		return provider.Request{}, err
	}

	limit := provider.InputLimit(r.modelID)
	headroom := r.cfg.Compaction.EffectiveHeadroom()
	if !r.compacted && provider.CountRequestTokens(req) >= limit-headroom {
		if err := r.compact(ctx); err != nil {
			r.engine.logger.Warn("compaction failed, proceeding uncompacted",
				"session_id", r.input.SessionID, "error", err)
		}
		r.compacted = true
		req, err = r.assembleRequest()
		if err != nil {
			return provider.Request{}, err
		}
	}
	return req, nil
}

func (r *run) assembleRequest() (provider.Request, error) {
	messages, err := r.contextWindow()
	if err != nil {
		return provider.Request{}, err
	}
	return provider.Request{
		Model:       r.modelID,
		System:      r.systemPrompt(),
		Messages:    messages,
		Tools:       r.toolDefs,
		Temperature: r.temperature,
		TopP:        r.topP,
	}, nil
}

func (r *run) systemPrompt() string {
	prompt := r.settings.prompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	extra := loadInstructions(r.engine, r.cfg.Instructions)
	if extra != "" {
		prompt += "\n\n" + extra
	}
	return prompt
}

// loadInstructions reads the configured instruction files. Globs are
// allowed; missing files are skipped with a warning.
func loadInstructions(e *Engine, patterns []string) string {
	var sections []string
	for _, pattern := range patterns {
		path := pattern
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.directory, path)
		}
		matches, err := filepath.Glob(path)
		if err != nil || len(matches) == 0 {
			e.logger.Warn("instruction file not found, skipping", "pattern", pattern)
			continue
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				e.logger.Warn("instruction file unreadable, skipping", "path", match, "error", err)
				continue
			}
			sections = append(sections, strings.TrimSpace(string(data)))
		}
	}
	return strings.Join(sections, "\n\n")
}

// contextWindow projects stored messages into provider form: text parts
// concatenate, tool parts become call/result pairs, reasoning parts are
// dropped.
func (r *run) contextWindow() ([]provider.Message, error) {
	msgs, err := r.engine.sessions.ContextMessages(r.input.SessionID)
	if err != nil {
		return nil, err
	}
	return r.projectMessages(msgs)
}

func (r *run) projectMessages(msgs []session.Message) ([]provider.Message, error) {
	e := r.engine
	var out []provider.Message
	for _, msg := range msgs {
		parts, err := e.sessions.ContextParts(msg.SessionID, msg.ID)
		if err != nil {
			return nil, err
		}
		converted := convertMessage(msg, parts)
		out = append(out, converted...)
	}
	return out, nil
}

func convertMessage(msg session.Message, parts []session.Part) []provider.Message {
	var text strings.Builder
	var calls []provider.ToolCall
	var results []provider.ToolResult

	for _, part := range parts {
		switch part.Type {
		case session.PartText:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(part.Text)
		case session.PartFile:
			if part.File != nil {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				fmt.Fprintf(&text, "[attachment: %s (%s)]", part.File.Filename, part.File.Mime)
			}
		case session.PartTool:
			if part.Tool == nil {
				continue
			}
			tp := part.Tool
			// A call without its result breaks the provider turn shape;
			// only settled calls are replayed.
			if tp.State != session.ToolCompleted && tp.State != session.ToolError {
				continue
			}
			input := tp.Input
			if len(input) == 0 {
				input = []byte("{}")
			}
			calls = append(calls, provider.ToolCall{ID: tp.CallID, Name: tp.Name, Input: input})
			switch tp.State {
			case session.ToolCompleted:
				results = append(results, provider.ToolResult{CallID: tp.CallID, Content: tp.Output})
			case session.ToolError:
				content := tp.Error
				if content == "" {
					content = tp.Output
				}
				results = append(results, provider.ToolResult{
					CallID:  tp.CallID,
					Content: content,
					IsError: true,
				})
			}
		}
	}

	role := "user"
	if msg.Role == session.RoleAssistant {
		role = "assistant"
	}

	var out []provider.Message
	if text.Len() > 0 || len(calls) > 0 {
		out = append(out, provider.Message{Role: role, Text: text.String(), ToolCalls: calls})
	}
	if len(results) > 0 {
		// Results answer the assistant's calls on the next user message.
		out = append(out, provider.Message{Role: "user", ToolResults: results})
	}
	return out
}
