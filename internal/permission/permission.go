// Package permission implements the gate that mediates tool invocations.
// Every gated tool call flows through Ask, which consults the environment
// override, then the config rules, then defaults to allow. An "ask" outcome
// suspends the call until an operator replies, a plugin decides, the 30
// second prompt window lapses, or the session is cancelled.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/id"
)

// ErrRejected is the sentinel matched by errors.Is for any rejection.
var ErrRejected = errors.New("permission rejected")

// PromptTimeout bounds how long an unanswered prompt stays pending.
const PromptTimeout = 30 * time.Second

// Response is an operator's reply to a prompt.
type Response string

const (
	ResponseOnce   Response = "once"
	ResponseAlways Response = "always"
	ResponseReject Response = "reject"
)

// Request describes one permission prompt.
type Request struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	CallID    string `json:"callID,omitempty"`

	// Type is the tool name; Pattern narrows it (for the shell tool, the
	// command line). Always-approvals are keyed on the config rule that
	// asked, so one "always" under a rule like "git *" covers every later
	// command the rule matches; without a matching rule the key falls back
	// to Pattern ?? Type.
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`

	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	AgentName string         `json:"agentName,omitempty"`

	TimeCreated time.Time `json:"time.created"`
}

// subject is what always-approvals are matched against.
func (r *Request) subject() string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Type
}

func approveKey(sessionID, toolType, coverage string) string {
	return sessionID + "\x00" + toolType + "\x00" + coverage
}

// RejectedError reports why an Ask did not resolve.
type RejectedError struct {
	SessionID    string
	PermissionID string
	CallID       string
	Reason       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("permission rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// HookDecision is the mutable decision a permission.ask plugin hook may
// write. Empty means the plugin held no opinion and the prompt proceeds.
type HookDecision string

const (
	HookAllow HookDecision = "allow"
	HookDeny  HookDecision = "deny"
)

// AskHook is invoked before prompting; plugins short-circuit by writing to
// decision.
type AskHook func(ctx context.Context, req *Request, decision *HookDecision)

// EventUpdated is published when a prompt becomes pending.
type EventUpdated struct {
	Request
}

// EventType implements bus.Event.
func (EventUpdated) EventType() string { return "permission.updated" }

// EventReplied is published after a prompt resolves.
type EventReplied struct {
	SessionID    string   `json:"sessionID"`
	PermissionID string   `json:"permissionID"`
	Response     Response `json:"response"`
}

// EventType implements bus.Event.
func (EventReplied) EventType() string { return "permission.replied" }

type pending struct {
	req Request
	// coverage is the glob an "always" reply caches: the config rule that
	// asked, or the request's own subject when no rule matched.
	coverage string
	done     chan error
	timer    *time.Timer
}

// Gate owns the pending-prompt table and the per-session always-approval
// cache. Both are process-local; "always" survives for the session, not
// across restarts.
type Gate struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	env      *Ruleset
	rules    *Ruleset
	pending  map[string]*pending
	approved map[string]struct{}

	askHook    AskHook
	onDecision func(decision string)
	timeout    time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithAskHook wires the plugin permission.ask dispatch.
func WithAskHook(h AskHook) Option {
	return func(g *Gate) { g.askHook = h }
}

// WithDecisionListener observes decision outcomes for metrics.
func WithDecisionListener(fn func(decision string)) Option {
	return func(g *Gate) { g.onDecision = fn }
}

// WithTimeout overrides the prompt timeout. Tests use this.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithEnvRules overrides the environment ruleset. Tests use this; New reads
// OPENCODE_PERMISSION by default.
func WithEnvRules(rs *Ruleset) Option {
	return func(g *Gate) { g.env = rs }
}

// New builds a gate over the config ruleset.
func New(rules *Ruleset, b *bus.Bus, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		bus:      b,
		logger:   logger.With("component", "permission"),
		rules:    rules,
		pending:  map[string]*pending{},
		approved: map[string]struct{}{},
		timeout:  PromptTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.env == nil {
		g.env = FromEnv(g.logger)
	}
	return g
}

// SetRules swaps the config ruleset (config reload).
func (g *Gate) SetRules(rules *Ruleset) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = rules
}

func (g *Gate) record(decision string) {
	if g.onDecision != nil {
		g.onDecision(decision)
	}
}

// approvedLocked reports whether a cached always-approval covers req.
// Coverage entries are globs scoped to (session, tool), so an "always"
// reply granted under a rule like "git *" covers every later command that
// rule matches.
func (g *Gate) approvedLocked(req Request) bool {
	prefix := req.SessionID + "\x00" + req.Type + "\x00"
	for key := range g.approved {
		coverage, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if MatchGlob(coverage, req.subject()) {
			return true
		}
	}
	return false
}

// Ask resolves the request: nil when the call may proceed, *RejectedError
// otherwise. It blocks while an operator prompt is outstanding.
func (g *Gate) Ask(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = id.Ascending(id.Permission)
	}
	if req.TimeCreated.IsZero() {
		req.TimeCreated = time.Now()
	}

	g.mu.Lock()
	if g.approvedLocked(req) {
		g.mu.Unlock()
		g.record("allow")
		return nil
	}
	env, rules := g.env, g.rules
	g.mu.Unlock()

	decision, matched, ok := env.Resolve(req.AgentName, req.Type, req.Pattern)
	if !ok {
		decision, matched, ok = rules.Resolve(req.AgentName, req.Type, req.Pattern)
	}
	if !ok {
		decision = DecisionAllow
	}

	switch decision {
	case DecisionAllow:
		g.record("allow")
		return nil
	case DecisionDeny:
		g.record("deny")
		return &RejectedError{
			SessionID:    req.SessionID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Reason:       "Permission denied by configuration",
		}
	}

	if g.askHook != nil {
		var hd HookDecision
		g.askHook(ctx, &req, &hd)
		switch hd {
		case HookAllow:
			g.record("allow")
			return nil
		case HookDeny:
			g.record("deny")
			return &RejectedError{
				SessionID:    req.SessionID,
				PermissionID: req.ID,
				CallID:       req.CallID,
				Reason:       "Permission denied by plugin",
			}
		}
	}

	// An "always" reply caches the glob of the rule that asked; without
	// one the approval covers only this exact subject.
	coverage := matched
	if coverage == "" {
		coverage = req.subject()
	}
	return g.prompt(ctx, req, coverage)
}

func (g *Gate) prompt(ctx context.Context, req Request, coverage string) error {
	p := &pending{req: req, coverage: coverage, done: make(chan error, 1)}

	g.mu.Lock()
	// A reply may have approved this subject while the hook ran.
	if g.approvedLocked(req) {
		g.mu.Unlock()
		g.record("allow")
		return nil
	}
	g.pending[req.ID] = p
	p.timer = time.AfterFunc(g.timeout, func() {
		g.resolve(req.ID, &RejectedError{
			SessionID:    req.SessionID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Reason:       "Permission prompt timed out",
		}, "timeout")
	})
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.Publish(ctx, EventUpdated{Request: req})
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		g.resolve(req.ID, &RejectedError{
			SessionID:    req.SessionID,
			PermissionID: req.ID,
			CallID:       req.CallID,
			Reason:       "session ended",
		}, "ask_rejected")
		// The prompt may have been answered in the same instant; honor
		// whichever outcome landed in the channel.
		return <-p.done
	}
}

// resolve completes one pending prompt if it is still outstanding.
func (g *Gate) resolve(permissionID string, result error, metric string) {
	g.mu.Lock()
	p, ok := g.pending[permissionID]
	if ok {
		delete(g.pending, permissionID)
		p.timer.Stop()
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	g.record(metric)
	p.done <- result
}

// Reply answers a pending prompt. An "always" reply also caches the key and
// resolves every other pending prompt with the same key, without prompting
// again.
func (g *Gate) Reply(ctx context.Context, sessionID, permissionID string, resp Response) error {
	g.mu.Lock()
	p, ok := g.pending[permissionID]
	if !ok || p.req.SessionID != sessionID {
		g.mu.Unlock()
		return fmt.Errorf("permission: no pending prompt %s for session %s", permissionID, sessionID)
	}
	delete(g.pending, permissionID)
	p.timer.Stop()

	var siblings []*pending
	switch resp {
	case ResponseAlways:
		g.approved[approveKey(p.req.SessionID, p.req.Type, p.coverage)] = struct{}{}
		for pid, other := range g.pending {
			if other.req.SessionID == p.req.SessionID &&
				other.req.Type == p.req.Type &&
				MatchGlob(p.coverage, other.req.subject()) {
				delete(g.pending, pid)
				other.timer.Stop()
				siblings = append(siblings, other)
			}
		}
	case ResponseOnce, ResponseReject:
	default:
		// Restore and refuse: an unknown response must not eat the prompt.
		g.pending[permissionID] = p
		p.timer.Reset(g.timeout)
		g.mu.Unlock()
		return fmt.Errorf("permission: invalid response %q", resp)
	}
	g.mu.Unlock()

	var result error
	if resp == ResponseReject {
		g.record("ask_rejected")
		result = &RejectedError{
			SessionID:    p.req.SessionID,
			PermissionID: p.req.ID,
			CallID:       p.req.CallID,
			Reason:       "Permission denied",
		}
	} else {
		g.record("ask_approved")
	}
	p.done <- result
	for _, other := range siblings {
		g.record("ask_approved")
		other.done <- nil
	}

	if g.bus != nil {
		g.bus.Publish(ctx, EventReplied{
			SessionID:    sessionID,
			PermissionID: permissionID,
			Response:     resp,
		})
	}
	return nil
}

// CancelSession rejects every pending prompt for the session.
func (g *Gate) CancelSession(sessionID string) {
	g.mu.Lock()
	var cancelled []*pending
	for pid, p := range g.pending {
		if p.req.SessionID == sessionID {
			delete(g.pending, pid)
			p.timer.Stop()
			cancelled = append(cancelled, p)
		}
	}
	g.mu.Unlock()

	for _, p := range cancelled {
		g.record("ask_rejected")
		p.done <- &RejectedError{
			SessionID:    p.req.SessionID,
			PermissionID: p.req.ID,
			CallID:       p.req.CallID,
			Reason:       "session ended",
		}
	}
}

// Pending lists outstanding prompts, optionally filtered by session.
func (g *Gate) Pending(sessionID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, p := range g.pending {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	return out
}
