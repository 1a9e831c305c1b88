package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	l := NewLocker(t.TempDir())
	h, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire("session_a"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire must be busy, got %v", err)
	}
	h.Release()
	h2, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	h2.Release()
	// Double release is a no-op.
	h.Release()
}

func TestAcquireIndependentSessions(t *testing.T) {
	l := NewLocker(t.TempDir())
	h1, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer h1.Release()
	h2, err := l.Acquire("session_b")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	h2.Release()
}

func writeLock(t *testing.T, root, sessionID string, payload lockPayload) string {
	t.Helper()
	dir := filepath.Join(root, "session", "lock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, sessionID)
	raw, _ := json.Marshal(payload)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	return path
}

func TestAcquireClearsStaleLock(t *testing.T) {
	root := t.TempDir()
	// Pid 1 always exists but has a different start time than any payload
	// we invent; an impossible pid is simpler and portable.
	writeLock(t, root, "session_a", lockPayload{PID: 1 << 22})

	l := NewLocker(root)
	h, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("stale lock must be cleared, got %v", err)
	}
	h.Release()
}

func TestAcquireClearsMalformedLock(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "session", "lock")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "session_a"), []byte("not json"), 0o644)

	l := NewLocker(root)
	h, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("malformed lock must be cleared, got %v", err)
	}
	h.Release()
}

func TestAcquireRecycledPid(t *testing.T) {
	root := t.TempDir()
	start, ok := processStartTime(os.Getpid())
	if !ok {
		t.Skip("process start time unavailable on this platform")
	}
	// Live pid, but a start time that cannot match the real process.
	writeLock(t, root, "session_a", lockPayload{PID: os.Getpid(), PIDStart: start + 1})

	l := NewLocker(root)
	h, err := l.Acquire("session_a")
	if err != nil {
		t.Fatalf("recycled pid must count as stale, got %v", err)
	}
	h.Release()
}

func TestSweepRemovesStaleKeepsLive(t *testing.T) {
	root := t.TempDir()
	stale := writeLock(t, root, "session_stale", lockPayload{PID: 1 << 22})
	start, _ := processStartTime(os.Getpid())
	live := writeLock(t, root, "session_live", lockPayload{PID: os.Getpid(), PIDStart: start})

	NewLocker(root).Sweep()

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale lock survived sweep")
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("live lock removed by sweep: %v", err)
	}
}
