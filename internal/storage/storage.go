// Package storage implements the engine's durable key/value store: one JSON
// document per key, laid out as files under a root directory. The on-disk
// layout (session/info/{id}.json and friends) is a contract shared with
// local UI processes, so keys map directly to paths.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrFutureVersion is returned when the on-disk store was written by
	// a newer engine. Continuing would corrupt it, so opening refuses.
	ErrFutureVersion = errors.New("storage: data directory written by a newer version")
)

// EventWrite is published on the bus after every successful write.
type EventWrite struct {
	Key string `json:"key"`
}

// EventType implements bus.Event.
func (EventWrite) EventType() string { return "storage.write" }

const versionFile = ".version"

// Migration upgrades the on-disk layout from Version-1 to Version. Apply
// must be idempotent: interrupted runs are retried on next open.
type Migration struct {
	Version int
	Apply   func(root string) error
}

var (
	migrationMu sync.Mutex
	migrations  []Migration
)

// RegisterMigration adds a migration to the set applied by Open. Migrations
// registered out of order are sorted by version before running.
func RegisterMigration(m Migration) {
	migrationMu.Lock()
	defer migrationMu.Unlock()
	migrations = append(migrations, m)
}

func registeredMigrations() []Migration {
	migrationMu.Lock()
	defer migrationMu.Unlock()
	out := append([]Migration(nil), migrations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Store reads and writes JSON documents under a root directory.
type Store struct {
	root    string
	logger  *slog.Logger
	onWrite func(key string)
}

// Option configures a Store.
type Option func(*Store)

// WithWriteListener registers a callback invoked after each successful
// write or remove with the affected key. The app wires this to the event
// bus as storage.write.
func WithWriteListener(fn func(key string)) Option {
	return func(s *Store) { s.onWrite = fn }
}

// Open prepares the store rooted at dir, creating it if needed and running
// any pending migrations. A version stamp newer than the registered
// migrations fails with ErrFutureVersion.
func Open(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}

	s := &Store{root: dir, logger: logger.With("component", "storage")}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

func (s *Store) migrate() error {
	pending := registeredMigrations()
	latest := 0
	if n := len(pending); n > 0 {
		latest = pending[n-1].Version
	}

	current := 0
	raw, err := os.ReadFile(filepath.Join(s.root, versionFile))
	switch {
	case err == nil:
		var stamp struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal(raw, &stamp); err != nil {
			return fmt.Errorf("storage: corrupt version stamp: %w", err)
		}
		current = stamp.Version
	case errors.Is(err, fs.ErrNotExist):
		// Fresh directory.
	default:
		return fmt.Errorf("storage: read version stamp: %w", err)
	}

	if current > latest {
		return fmt.Errorf("%w: on-disk version %d, engine supports up to %d",
			ErrFutureVersion, current, latest)
	}

	for _, m := range pending {
		if m.Version <= current {
			continue
		}
		s.logger.Info("applying storage migration", "version", m.Version)
		if err := m.Apply(s.root); err != nil {
			return fmt.Errorf("storage: migration %d: %w", m.Version, err)
		}
		if err := s.stampVersion(m.Version); err != nil {
			return err
		}
		current = m.Version
	}

	if current < latest {
		return s.stampVersion(latest)
	}
	if current == 0 && latest == 0 {
		return s.stampVersion(0)
	}
	return nil
}

func (s *Store) stampVersion(v int) error {
	raw, _ := json.Marshal(struct {
		Version int `json:"version"`
	}{v})
	if err := writeFileAtomic(filepath.Join(s.root, versionFile), raw, 0o644); err != nil {
		return fmt.Errorf("storage: stamp version: %w", err)
	}
	return nil
}

// path maps a key to its file. Keys are clean `/`-separated fragments; path
// traversal is rejected by construction.
func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(strings.TrimPrefix(key, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.root, clean+".json"), nil
}

// ReadJSON unmarshals the document at key into v.
func (s *Store) ReadJSON(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("storage: read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return nil
}

// ReadJSONAs is the generic convenience form of Store.ReadJSON.
func ReadJSONAs[T any](s *Store, key string) (T, error) {
	var v T
	err := s.ReadJSON(key, &v)
	return v, err
}

// WriteJSON marshals v and atomically replaces the document at key.
func (s *Store) WriteJSON(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: create dir for %s: %w", key, err)
	}
	if err := writeFileAtomic(p, raw, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if s.onWrite != nil {
		s.onWrite(key)
	}
	return nil
}

// List returns all keys under prefix, sorted lexicographically.
func (s *Store) List(prefix string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.Clean(strings.TrimPrefix(prefix, "/")))
	var keys []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Remove deletes the document at key. Removing a missing key is not an error.
func (s *Store) Remove(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	if s.onWrite != nil {
		s.onWrite(key)
	}
	return nil
}

// RemoveDir deletes every document under prefix.
func (s *Store) RemoveDir(prefix string) error {
	clean := filepath.Clean(strings.TrimPrefix(prefix, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("storage: invalid prefix %q", prefix)
	}
	if err := os.RemoveAll(filepath.Join(s.root, clean)); err != nil {
		return fmt.Errorf("storage: remove dir %s: %w", prefix, err)
	}
	if s.onWrite != nil {
		s.onWrite(prefix)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
