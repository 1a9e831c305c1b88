package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/id"
	"github.com/moikas-code/kuuzuki/internal/storage"
)

// Storage key layout. Shared with local UI processes; do not reshuffle.
func infoKey(sessionID string) string { return "session/info/" + sessionID }
func messageKey(sid, mid string) string { return "session/message/" + sid + "/" + mid }
func partKey(sid, mid, pid string) string {
	return "session/part/" + sid + "/" + mid + "/" + pid
}

const defaultTitle = "Untitled"

// Store manages sessions, messages, and parts over the storage layer.
type Store struct {
	storage *storage.Store
	bus     *bus.Bus
	locker  *Locker
	logger  *slog.Logger
	share   ShareClient
	policy  string
}

// Option configures a Store.
type Option func(*Store)

// WithShareClient wires the external share collaborator.
func WithShareClient(c ShareClient, policy string) Option {
	return func(s *Store) {
		s.share = c
		s.policy = policy
	}
}

// NewStore builds the session store and clears stale turn locks.
func NewStore(st *storage.Store, b *bus.Bus, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		storage: st,
		bus:     b,
		locker:  NewLocker(st.Root()),
		logger:  logger.With("component", "session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locker.Sweep()
	return s
}

// AcquireTurn takes the session's turn lock. Exactly one turn runs per
// session at a time, across processes.
func (s *Store) AcquireTurn(sessionID string) (*LockHandle, error) {
	return s.locker.Acquire(sessionID)
}

// Create starts a new session, optionally as a child of parentID.
func (s *Store) Create(ctx context.Context, parentID string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:          id.Ascending(id.Session),
		ParentID:    parentID,
		Title:       defaultTitle,
		TimeCreated: now,
		TimeUpdated: now,
	}
	if err := s.storage.WriteJSON(infoKey(sess.ID), sess); err != nil {
		return nil, err
	}
	s.publish(ctx, EventUpdated{Info: *sess})
	s.logger.Info("session created", "session_id", sess.ID, "parent_id", parentID)

	if s.share != nil && s.policy == "auto" && parentID == "" {
		if _, err := s.Share(ctx, sess.ID); err != nil {
			s.logger.Warn("auto-share failed", "session_id", sess.ID, "error", err)
		}
	}
	return s.Get(sess.ID)
}

// Get loads one session.
func (s *Store) Get(sessionID string) (*Session, error) {
	var sess Session
	if err := s.storage.ReadJSON(infoKey(sessionID), &sess); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	return &sess, nil
}

// Update applies mut under read-modify-write, bumps TimeUpdated, persists,
// and publishes session.updated.
func (s *Store) Update(ctx context.Context, sessionID string, mut func(*Session)) (*Session, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	mut(sess)
	sess.TimeUpdated = time.Now()
	if sess.TimeUpdated.Before(sess.TimeCreated) {
		sess.TimeUpdated = sess.TimeCreated
	}
	if err := s.storage.WriteJSON(infoKey(sessionID), sess); err != nil {
		return nil, err
	}
	s.publish(ctx, EventUpdated{Info: *sess})
	return sess, nil
}

// List returns every session, newest first.
func (s *Store) List() ([]Session, error) {
	keys, err := s.storage.List("session/info")
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(keys))
	for _, key := range keys {
		var sess Session
		if err := s.storage.ReadJSON(key, &sess); err != nil {
			s.logger.Warn("skipping unreadable session record", "key", key, "error", err)
			continue
		}
		out = append(out, sess)
	}
	// Ids are time-prefixed, so reverse lexicographic is newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Delete removes the session, its children, and all stored messages and
// parts.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	children, err := s.List()
	if err == nil {
		for _, child := range children {
			if child.ParentID == sessionID {
				if derr := s.Delete(ctx, child.ID); derr != nil {
					s.logger.Warn("deleting child session failed", "session_id", child.ID, "error", derr)
				}
			}
		}
	}

	if sess.Share != nil {
		if _, err := s.Unshare(ctx, sessionID); err != nil {
			s.logger.Warn("unshare during delete failed", "session_id", sessionID, "error", err)
		}
	}

	if err := s.storage.RemoveDir("session/message/" + sessionID); err != nil {
		return err
	}
	if err := s.storage.RemoveDir("session/part/" + sessionID); err != nil {
		return err
	}
	if err := s.storage.Remove(infoKey(sessionID)); err != nil {
		return err
	}
	s.publish(ctx, EventDeleted{Info: *sess})
	return nil
}

// WriteMessage persists a message and publishes message.updated.
func (s *Store) WriteMessage(ctx context.Context, msg *Message) error {
	if err := s.storage.WriteJSON(messageKey(msg.SessionID, msg.ID), msg); err != nil {
		return err
	}
	s.publish(ctx, EventMessageUpdated{Info: *msg})
	return nil
}

// RemoveMessage deletes a message and its parts.
func (s *Store) RemoveMessage(ctx context.Context, sessionID, messageID string) error {
	if err := s.storage.RemoveDir("session/part/" + sessionID + "/" + messageID); err != nil {
		return err
	}
	if err := s.storage.Remove(messageKey(sessionID, messageID)); err != nil {
		return err
	}
	s.publish(ctx, EventMessageRemoved{SessionID: sessionID, MessageID: messageID})
	return nil
}

// WritePart persists a part state and publishes part.updated. Later states
// overwrite earlier ones under the same key; the write lands before the
// event so observers never race storage.
func (s *Store) WritePart(ctx context.Context, part *Part) error {
	if err := s.storage.WriteJSON(partKey(part.SessionID, part.MessageID, part.ID), part); err != nil {
		return err
	}
	s.publish(ctx, EventPartUpdated{Part: *part})
	return nil
}

// RemovePart deletes one part.
func (s *Store) RemovePart(ctx context.Context, sessionID, messageID, partID string) error {
	if err := s.storage.Remove(partKey(sessionID, messageID, partID)); err != nil {
		return err
	}
	s.publish(ctx, EventPartRemoved{SessionID: sessionID, MessageID: messageID, PartID: partID})
	return nil
}

// Messages returns the session's messages ordered by id.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	keys, err := s.storage.List("session/message/" + sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(keys))
	for _, key := range keys {
		var msg Message
		if err := s.storage.ReadJSON(key, &msg); err != nil {
			s.logger.Warn("skipping unreadable message", "key", key, "error", err)
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Parts returns a message's parts in creation order.
func (s *Store) Parts(sessionID, messageID string) ([]Part, error) {
	keys, err := s.storage.List("session/part/" + sessionID + "/" + messageID)
	if err != nil {
		return nil, err
	}
	out := make([]Part, 0, len(keys))
	for _, key := range keys {
		var part Part
		if err := s.storage.ReadJSON(key, &part); err != nil {
			s.logger.Warn("skipping unreadable part", "key", key, "error", err)
			continue
		}
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ContextMessages returns the messages the model should see: everything
// up to the revert anchor, starting no earlier than the compaction floor.
func (s *Store) ContextMessages(sessionID string) ([]Message, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(sessionID)
	if err != nil {
		return nil, err
	}

	if sess.SummaryMessageID != "" {
		for _, msg := range msgs {
			if msg.ID != sess.SummaryMessageID {
				continue
			}
			// Summary first, then the verbatim tail kept at compaction,
			// then everything newer than the summary.
			window := []Message{msg}
			for _, other := range msgs {
				switch {
				case other.ID == sess.SummaryMessageID:
				case other.ID > sess.SummaryMessageID:
					window = append(window, other)
				case sess.SummaryTailID != "" && other.ID >= sess.SummaryTailID:
					window = append(window, other)
				}
			}
			msgs = window
			break
		}
	}
	if sess.Revert != nil {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.ID <= sess.Revert.MessageID {
				kept = append(kept, msg)
			}
		}
		msgs = kept
	}
	return msgs, nil
}

// ContextParts returns a message's parts as the model sees them: on the
// revert-anchored message a set partID hides everything after that part.
func (s *Store) ContextParts(sessionID, messageID string) ([]Part, error) {
	parts, err := s.Parts(sessionID, messageID)
	if err != nil {
		return nil, err
	}
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Revert == nil || sess.Revert.MessageID != messageID || sess.Revert.PartID == "" {
		return parts, nil
	}
	kept := parts[:0]
	for _, part := range parts {
		if part.ID <= sess.Revert.PartID {
			kept = append(kept, part)
		}
	}
	return kept, nil
}

// Revert hides everything after the anchor from the model context: later
// messages entirely, and with a partID also the anchored message's later
// parts. The anchor itself stays visible.
func (s *Store) Revert(ctx context.Context, sessionID, messageID, partID string) (*Session, error) {
	if _, err := s.readMessage(sessionID, messageID); err != nil {
		return nil, err
	}
	return s.Update(ctx, sessionID, func(sess *Session) {
		sess.Revert = &RevertInfo{MessageID: messageID, PartID: partID}
	})
}

// Unrevert clears the revert anchor, restoring the full context.
func (s *Store) Unrevert(ctx context.Context, sessionID string) (*Session, error) {
	return s.Update(ctx, sessionID, func(sess *Session) {
		sess.Revert = nil
	})
}

// SetSummary records the compaction floor and the start of the verbatim
// tail kept through it. An empty tailID means nothing survived the cut.
func (s *Store) SetSummary(ctx context.Context, sessionID, messageID, tailID string) (*Session, error) {
	return s.Update(ctx, sessionID, func(sess *Session) {
		sess.SummaryMessageID = messageID
		sess.SummaryTailID = tailID
	})
}

func (s *Store) readMessage(sessionID, messageID string) (*Message, error) {
	var msg Message
	if err := s.storage.ReadJSON(messageKey(sessionID, messageID), &msg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, err
	}
	return &msg, nil
}

// PublishError emits a session.error event.
func (s *Store) PublishError(ctx context.Context, sessionID string, cause error) {
	s.publish(ctx, EventError{SessionID: sessionID, Error: cause.Error()})
}

func (s *Store) publish(ctx context.Context, ev bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

// NextMessageID mints a message id. Exposed so the turn loop mints ids in
// one place.
func NextMessageID() string { return id.Ascending(id.Message) }

// NextPartID mints a part id.
func NextPartID() string { return id.Ascending(id.Part) }

// TrimTitle normalizes a generated title: first line only, at most 50
// characters.
func TrimTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) > 50 {
		title = strings.TrimSpace(title[:50])
	}
	if title == "" {
		return defaultTitle
	}
	return title
}
