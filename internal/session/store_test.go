package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/moikas-code/kuuzuki/internal/bus"
	"github.com/moikas-code/kuuzuki/internal/storage"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *bus.Bus) {
	t.Helper()
	st, err := storage.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	b := bus.New(slog.Default())
	return NewStore(st, b, slog.Default(), opts...), b
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	sess, err := s.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Title != "Untitled" {
		t.Errorf("title = %q", sess.Title)
	}
	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("Get returned %q, want %q", got.ID, sess.ID)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get("session_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateBumpsTimeUpdated(t *testing.T) {
	s, _ := newTestStore(t)
	sess, err := s.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := s.Update(context.Background(), sess.ID, func(sess *Session) {
		sess.Title = "renamed"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.TimeUpdated.Before(updated.TimeCreated) {
		t.Error("TimeUpdated must never precede TimeCreated")
	}
}

func TestListNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	first, _ := s.Create(context.Background(), "")
	second, _ := s.Create(context.Background(), "")

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first", sessions[0].ID, sessions[1].ID)
	}
}

func TestDeleteCascades(t *testing.T) {
	s, b := newTestStore(t)
	ctx := context.Background()
	parent, _ := s.Create(ctx, "")
	child, _ := s.Create(ctx, parent.ID)

	msg := &Message{ID: NextMessageID(), SessionID: parent.ID, Role: RoleUser, TimeCreated: time.Now()}
	if err := s.WriteMessage(ctx, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	part := &Part{ID: NextPartID(), MessageID: msg.ID, SessionID: parent.ID, Type: PartText, Text: "hi"}
	if err := s.WritePart(ctx, part); err != nil {
		t.Fatalf("WritePart: %v", err)
	}

	var mu sync.Mutex
	var deleted []string
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, ev.Properties.(EventDeleted).Info.ID)
		return nil
	}, "session.deleted")

	if err := s.Delete(ctx, parent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(parent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("parent still readable: %v", err)
	}
	if _, err := s.Get(child.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("child must be deleted with the parent: %v", err)
	}
	msgs, err := s.Messages(parent.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
	mu.Lock()
	if len(deleted) != 2 {
		t.Errorf("deleted events = %v", deleted)
	}
	mu.Unlock()
}

func TestMessagesAndPartsOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")

	var ids []string
	for i := 0; i < 3; i++ {
		msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleUser, TimeCreated: time.Now()}
		if err := s.WriteMessage(ctx, msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	msgs, err := s.Messages(sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != ids[i] {
			t.Errorf("msgs[%d] = %s, want %s", i, msg.ID, ids[i])
		}
	}
}

func TestPartWriteThenEvent(t *testing.T) {
	s, b := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")
	msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleAssistant, TimeCreated: time.Now()}
	if err := s.WriteMessage(ctx, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// The handler reads the part back from storage; the write must land
	// before the event fires.
	readable := make(chan bool, 1)
	b.Subscribe(func(ctx context.Context, ev bus.Envelope) error {
		up := ev.Properties.(EventPartUpdated)
		parts, err := s.Parts(up.Part.SessionID, up.Part.MessageID)
		readable <- err == nil && len(parts) == 1
		return nil
	}, "part.updated")

	part := &Part{ID: NextPartID(), MessageID: msg.ID, SessionID: sess.ID, Type: PartText, Text: "hello"}
	if err := s.WritePart(ctx, part); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	select {
	case ok := <-readable:
		if !ok {
			t.Error("part not readable from the event handler")
		}
	case <-time.After(time.Second):
		t.Fatal("part.updated never delivered")
	}
}

func TestRevertAndUnrevert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")

	var ids []string
	for i := 0; i < 3; i++ {
		msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleUser, TimeCreated: time.Now()}
		if err := s.WriteMessage(ctx, msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	if _, err := s.Revert(ctx, sess.ID, ids[1], ""); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	visible, err := s.ContextMessages(sess.ID)
	if err != nil {
		t.Fatalf("ContextMessages: %v", err)
	}
	if len(visible) != 2 || visible[1].ID != ids[1] {
		t.Fatalf("revert must keep the anchor and hide everything after it, got %d messages", len(visible))
	}

	// Storage keeps all messages while reverted.
	all, _ := s.Messages(sess.ID)
	if len(all) != 3 {
		t.Errorf("revert must not delete messages, got %d", len(all))
	}

	if _, err := s.Unrevert(ctx, sess.ID); err != nil {
		t.Fatalf("Unrevert: %v", err)
	}
	visible, _ = s.ContextMessages(sess.ID)
	if len(visible) != 3 {
		t.Errorf("unrevert must restore the full context, got %d", len(visible))
	}
}

func TestRevertPartCut(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")

	msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleAssistant, TimeCreated: time.Now()}
	if err := s.WriteMessage(ctx, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var partIDs []string
	for i := 0; i < 3; i++ {
		part := &Part{ID: NextPartID(), MessageID: msg.ID, SessionID: sess.ID, Type: PartText, Text: "p"}
		if err := s.WritePart(ctx, part); err != nil {
			t.Fatalf("WritePart: %v", err)
		}
		partIDs = append(partIDs, part.ID)
	}

	if _, err := s.Revert(ctx, sess.ID, msg.ID, partIDs[1]); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	visible, err := s.ContextParts(sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("ContextParts: %v", err)
	}
	if len(visible) != 2 || visible[1].ID != partIDs[1] {
		t.Fatalf("part cut must keep the anchor part and earlier, got %d parts", len(visible))
	}

	// The raw accessor still returns everything.
	all, err := s.Parts(sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("Parts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Parts = %d, want 3", len(all))
	}
}

func TestRevertUnknownMessage(t *testing.T) {
	s, _ := newTestStore(t)
	sess, _ := s.Create(context.Background(), "")
	if _, err := s.Revert(context.Background(), sess.ID, "message_missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSummaryFloor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")

	var ids []string
	for i := 0; i < 3; i++ {
		msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleUser, TimeCreated: time.Now()}
		if err := s.WriteMessage(ctx, msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	if _, err := s.SetSummary(ctx, sess.ID, ids[1], ""); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}
	visible, err := s.ContextMessages(sess.ID)
	if err != nil {
		t.Fatalf("ContextMessages: %v", err)
	}
	if len(visible) != 2 || visible[0].ID != ids[1] {
		t.Fatalf("context must start at the summary message, got %d messages", len(visible))
	}
}

func TestSummaryFloorKeepsTail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")

	var ids []string
	for i := 0; i < 5; i++ {
		msg := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleUser, TimeCreated: time.Now()}
		if err := s.WriteMessage(ctx, msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	// Summary written last, tail starts at the third message: the first
	// two are summarized away, the tail survives verbatim.
	summary := &Message{ID: NextMessageID(), SessionID: sess.ID, Role: RoleAssistant, Summary: true, TimeCreated: time.Now()}
	if err := s.WriteMessage(ctx, summary); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := s.SetSummary(ctx, sess.ID, summary.ID, ids[2]); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}

	visible, err := s.ContextMessages(sess.ID)
	if err != nil {
		t.Fatalf("ContextMessages: %v", err)
	}
	want := []string{summary.ID, ids[2], ids[3], ids[4]}
	if len(visible) != len(want) {
		t.Fatalf("context = %d messages, want %d", len(visible), len(want))
	}
	for i, id := range want {
		if visible[i].ID != id {
			t.Fatalf("context[%d] = %s, want %s", i, visible[i].ID, id)
		}
	}
}

type fakeShare struct {
	mu      sync.Mutex
	created map[string]string
	deleted []string
}

func (f *fakeShare) Create(ctx context.Context, sessionID, secret string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = map[string]string{}
	}
	f.created[sessionID] = secret
	return "https://share.example/s/" + sessionID, nil
}

func (f *fakeShare) Delete(ctx context.Context, sessionID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func TestShareRoundTrip(t *testing.T) {
	client := &fakeShare{}
	s, _ := newTestStore(t, WithShareClient(client, "manual"))
	ctx := context.Background()
	sess, _ := s.Create(ctx, "")
	if sess.Share != nil {
		t.Fatal("manual policy must not auto-share")
	}

	info, err := s.Share(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	if info.URL == "" || info.Secret == "" {
		t.Errorf("share info incomplete: %+v", info)
	}

	// Sharing again returns the existing share.
	again, err := s.Share(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Share twice: %v", err)
	}
	if again.Secret != info.Secret {
		t.Error("second share must reuse the existing secret")
	}

	updated, err := s.Unshare(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Unshare: %v", err)
	}
	if updated.Share != nil {
		t.Error("share info must be cleared")
	}
	if len(client.deleted) != 1 {
		t.Errorf("deleted = %v", client.deleted)
	}
}

func TestShareAutoPolicy(t *testing.T) {
	client := &fakeShare{}
	s, _ := newTestStore(t, WithShareClient(client, "auto"))
	ctx := context.Background()

	sess, err := s.Create(ctx, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Share == nil {
		t.Fatal("auto policy must share new root sessions")
	}

	child, err := s.Create(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if child.Share != nil {
		t.Error("child sessions must not auto-share")
	}
}

func TestShareDisabled(t *testing.T) {
	client := &fakeShare{}
	s, _ := newTestStore(t, WithShareClient(client, "disabled"))
	sess, _ := s.Create(context.Background(), "")
	if _, err := s.Share(context.Background(), sess.ID); err == nil {
		t.Fatal("disabled policy must refuse to share")
	}
}

func TestTrimTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix the bug", "Fix the bug"},
		{"  spaced out  ", "spaced out"},
		{"first line\nsecond line", "first line"},
		{"", "Untitled"},
		{"\n\n", "Untitled"},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tt := range tests {
		if got := TrimTitle(tt.in); got != tt.want {
			t.Errorf("TrimTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
