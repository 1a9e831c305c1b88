package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
)

func newTestGate(t *testing.T, raw any, opts ...Option) (*Gate, *bus.Bus) {
	t.Helper()
	rs, err := ParseRules(raw)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	b := bus.New(slog.Default())
	opts = append([]Option{WithEnvRules(&Ruleset{})}, opts...)
	return New(rs, b, slog.Default(), opts...), b
}

func TestAskDefaultAllow(t *testing.T) {
	g, _ := newTestGate(t, nil)
	err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "read"})
	if err != nil {
		t.Fatalf("default must allow, got %v", err)
	}
}

func TestAskConfiguredDeny(t *testing.T) {
	g, _ := newTestGate(t, map[string]any{"bash": "deny"})
	err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash", Pattern: "ls"})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("want RejectedError, got %v", err)
	}
	if rej.Reason != "Permission denied by configuration" {
		t.Errorf("reason = %q", rej.Reason)
	}
	if !errors.Is(err, ErrRejected) {
		t.Error("RejectedError must match ErrRejected")
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	env := fromEnvValue(`{"bash": "deny"}`, slog.Default())
	g, _ := newTestGate(t, map[string]any{"bash": "allow"}, WithEnvRules(env))
	err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("env deny must outrank config allow, got %v", err)
	}
}

func TestAskPromptOnceAndReply(t *testing.T) {
	g, b := newTestGate(t, map[string]any{"bash": "ask"})

	var mu sync.Mutex
	var updated []string
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if up, ok := ev.Properties.(EventUpdated); ok {
			updated = append(updated, up.ID)
		}
		return nil
	}, "permission.updated")

	done := make(chan error, 1)
	go func() {
		done <- g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash", Pattern: "git status"})
	}()

	var pid string
	deadline := time.After(2 * time.Second)
	for pid == "" {
		select {
		case <-deadline:
			t.Fatal("prompt never appeared")
		case <-time.After(5 * time.Millisecond):
			mu.Lock()
			if len(updated) > 0 {
				pid = updated[0]
			}
			mu.Unlock()
		}
	}

	if err := g.Reply(context.Background(), "s1", pid, ResponseOnce); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("once reply must allow, got %v", err)
	}

	// "once" does not cache: the next ask prompts again.
	if n := len(g.Pending("s1")); n != 0 {
		t.Errorf("pending after reply = %d", n)
	}
}

func TestAlwaysCachesKey(t *testing.T) {
	g, b := newTestGate(t, map[string]any{"bash": map[string]any{"git *": "ask"}})

	pidCh := make(chan string, 1)
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		if up, ok := ev.Properties.(EventUpdated); ok {
			select {
			case pidCh <- up.ID:
			default:
			}
		}
		return nil
	}, "permission.updated")

	done := make(chan error, 1)
	go func() {
		done <- g.Ask(context.Background(), Request{
			SessionID: "s1", Type: "bash", Pattern: "git *",
		})
	}()

	var pid string
	select {
	case pid = <-pidCh:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never appeared")
	}
	if err := g.Reply(context.Background(), "s1", pid, ResponseAlways); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("always reply must allow, got %v", err)
	}

	// Same key in the same session resolves without prompting.
	err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash", Pattern: "git *"})
	if err != nil {
		t.Fatalf("cached key must allow without prompt, got %v", err)
	}

	// A different session still prompts; reject it through cancellation.
	done2 := make(chan error, 1)
	go func() {
		done2 <- g.Ask(context.Background(), Request{SessionID: "s2", Type: "bash", Pattern: "git *"})
	}()
	waitPending(t, g, "s2")
	g.CancelSession("s2")
	if err := <-done2; !errors.Is(err, ErrRejected) {
		t.Fatalf("other session must not inherit the cache, got %v", err)
	}
}

func TestAlwaysCoversMatchedRule(t *testing.T) {
	g, b := newTestGate(t, map[string]any{
		"bash":     map[string]any{"git *": "ask"},
		"webfetch": "ask",
	})

	var prompts atomic.Int32
	pidCh := make(chan string, 2)
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		if up, ok := ev.Properties.(EventUpdated); ok {
			prompts.Add(1)
			pidCh <- up.ID
		}
		return nil
	}, "permission.updated")

	done := make(chan error, 1)
	go func() {
		done <- g.Ask(context.Background(), Request{
			SessionID: "s1", Type: "bash", Pattern: "git status",
		})
	}()
	var pid string
	select {
	case pid = <-pidCh:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never appeared")
	}
	if err := g.Reply(context.Background(), "s1", pid, ResponseAlways); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("always reply must allow, got %v", err)
	}

	// The approval is keyed on the rule that asked ("git *"), so any
	// other command it matches resolves without a prompt.
	if err := g.Ask(context.Background(), Request{
		SessionID: "s1", Type: "bash", Pattern: "git diff",
	}); err != nil {
		t.Fatalf("command covered by the approved rule must allow, got %v", err)
	}
	if n := prompts.Load(); n != 1 {
		t.Fatalf("prompts = %d, want 1", n)
	}

	// A different tool never inherits the approval.
	done2 := make(chan error, 1)
	go func() {
		done2 <- g.Ask(context.Background(), Request{
			SessionID: "s1", Type: "webfetch", Pattern: "git diff",
		})
	}()
	waitPending(t, g, "s1")
	g.CancelSession("s1")
	if err := <-done2; err == nil {
		t.Fatal("approval must be scoped to the tool that asked")
	}
}

func TestAlwaysResolvesSiblings(t *testing.T) {
	g, b := newTestGate(t, map[string]any{"bash": "ask"})

	pidCh := make(chan string, 2)
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		if up, ok := ev.Properties.(EventUpdated); ok {
			pidCh <- up.ID
		}
		return nil
	}, "permission.updated")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- g.Ask(context.Background(), Request{
				SessionID: "s1", Type: "bash", Pattern: "npm install",
			})
		}()
	}

	var first string
	for i := 0; i < 2; i++ {
		select {
		case pid := <-pidCh:
			if first == "" {
				first = pid
			}
		case <-time.After(2 * time.Second):
			t.Fatal("prompts never appeared")
		}
	}

	if err := g.Reply(context.Background(), "s1", first, ResponseAlways); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("always must resolve all pending with the key, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("sibling prompt never resolved")
		}
	}
}

func TestPromptTimeout(t *testing.T) {
	g, _ := newTestGate(t, map[string]any{"bash": "ask"}, WithTimeout(30*time.Millisecond))

	err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash"})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("want timeout rejection, got %v", err)
	}
	if rej.Reason != "Permission prompt timed out" {
		t.Errorf("reason = %q", rej.Reason)
	}
	if n := len(g.Pending("")); n != 0 {
		t.Errorf("timed-out prompt still pending: %d", n)
	}
}

func TestCancelSessionRejectsPending(t *testing.T) {
	g, _ := newTestGate(t, map[string]any{"bash": "ask"})

	done := make(chan error, 1)
	go func() {
		done <- g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash"})
	}()
	waitPending(t, g, "s1")

	g.CancelSession("s1")
	err := <-done
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Reason != "session ended" {
		t.Fatalf("want session-ended rejection, got %v", err)
	}
	if n := len(g.Pending("s1")); n != 0 {
		t.Errorf("pending after cancel = %d", n)
	}
}

func TestPluginHookShortCircuits(t *testing.T) {
	tests := []struct {
		name     string
		decision HookDecision
		wantErr  bool
	}{
		{"allow", HookAllow, false},
		{"deny", HookDeny, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := func(ctx context.Context, req *Request, d *HookDecision) { *d = tt.decision }
			g, _ := newTestGate(t, map[string]any{"bash": "ask"}, WithAskHook(hook))

			err := g.Ask(context.Background(), Request{SessionID: "s1", Type: "bash"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReplyUnknownPrompt(t *testing.T) {
	g, _ := newTestGate(t, nil)
	if err := g.Reply(context.Background(), "s1", "permission_missing", ResponseOnce); err == nil {
		t.Fatal("expected error for unknown prompt")
	}
}

func waitPending(t *testing.T, g *Gate, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.Pending(sessionID)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prompt never became pending")
}
