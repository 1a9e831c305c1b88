package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// lockPayload is the contents of session/lock/{id}: enough to tell a live
// owner from a recycled pid.
type lockPayload struct {
	PID      int   `json:"pid"`
	PIDStart int64 `json:"pidStart,omitempty"`
}

// Locker grants the per-session turn lock. Lock files are the only
// cross-process coordination the engine uses.
type Locker struct {
	dir string
}

// NewLocker stores lock files under root/session/lock.
func NewLocker(root string) *Locker {
	return &Locker{dir: filepath.Join(root, "session", "lock")}
}

// LockHandle releases one acquired session lock.
type LockHandle struct {
	path string
}

// Release removes the lock file. Safe to call more than once.
func (h *LockHandle) Release() {
	if h.path != "" {
		os.Remove(h.path)
		h.path = ""
	}
}

// Acquire takes the turn lock for sessionID. A lock held by a live process
// fails with ErrBusy; a stale lock (owner dead or pid recycled) is cleared
// and retaken.
func (l *Locker) Acquire(sessionID string) (*LockHandle, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create lock dir: %w", err)
	}
	path := filepath.Join(l.dir, sessionID)

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			payload := lockPayload{PID: os.Getpid()}
			if start, ok := processStartTime(payload.PID); ok {
				payload.PIDStart = start
			}
			raw, _ := json.Marshal(payload)
			if _, werr := file.Write(raw); werr != nil {
				file.Close()
				os.Remove(path)
				return nil, fmt.Errorf("session: write lock: %w", werr)
			}
			file.Close()
			return &LockHandle{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("session: acquire lock: %w", err)
		}
		if ownerAlive(path) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, sessionID)
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrBusy, sessionID)
}

// Sweep removes every stale lock. Called once when the store opens.
func (l *Locker) Sweep() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if !ownerAlive(path) {
			os.Remove(path)
		}
	}
}

// ownerAlive reports whether the lock at path belongs to a live process.
// Unreadable or malformed locks count as dead.
func ownerAlive(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var payload lockPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.PID <= 0 {
		return false
	}
	if !processAlive(payload.PID) {
		return false
	}
	if payload.PIDStart > 0 {
		if start, ok := processStartTime(payload.PID); ok && start != payload.PIDStart {
			// The pid was recycled by another process.
			return false
		}
	}
	return true
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}

// processStartTime reads field 22 of /proc/<pid>/stat on linux. Other
// platforms report no start time, so staleness falls back to the pid
// liveness check alone.
func processStartTime(pid int) (int64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	content := string(data)
	// The comm field may contain spaces; skip past its closing paren.
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 20 {
		return 0, false
	}
	start, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
