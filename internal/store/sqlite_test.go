package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/truaxki/astra-chat/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "astra.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return repo
}

func TestUserRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	user := &domain.User{
		UserID:     "u1",
		Username:   "ada",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	got, err := repo.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetUser() = nil, want user")
	}
	if got.Username != "ada" || !got.LastSeenAt.Equal(now) {
		t.Errorf("GetUser() = %+v", got)
	}
}

func TestGetUserMissingReturnsNil(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetUser(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetUser() = %+v, want nil", got)
	}
}

func TestUpdateLastSeen(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	user := &domain.User{UserID: "u1", Username: "ada", LastSeenAt: created, CreatedAt: created, UpdatedAt: created}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	seen := time.Now().Truncate(time.Second)
	if err := repo.UpdateLastSeen(ctx, "u1", seen); err != nil {
		t.Fatalf("UpdateLastSeen() error = %v", err)
	}

	got, err := repo.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, seen)
	}
}

func TestSaveMessageStreamingRewrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	msg := &domain.Message{
		ID:        "m1",
		UserID:    "u1",
		SessionID: "s1",
		Role:      domain.RoleAssistant,
		Content:   "Hel",
		CreatedAt: now,
	}
	if err := repo.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	msg.Content = "Hello"
	msg.Final = true
	if err := repo.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage() update error = %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "Hello" || !msgs[0].Final {
		t.Errorf("message = %+v, want final Hello", msgs[0])
	}
}

func TestListMessagesScopedToConversation(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Second)

	seed := []*domain.Message{
		{ID: "m1", UserID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "hi", CreatedAt: base},
		{ID: "m2", UserID: "u1", SessionID: "s1", Role: domain.RoleAssistant, Content: "hello", CreatedAt: base.Add(time.Second)},
		{ID: "m3", UserID: "u1", SessionID: "s2", Role: domain.RoleUser, Content: "other session", CreatedAt: base},
		{ID: "m4", UserID: "u2", SessionID: "s1", Role: domain.RoleUser, Content: "other user", CreatedAt: base},
	}
	for _, msg := range seed {
		if err := repo.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage(%s) error = %v", msg.ID, err)
		}
	}

	msgs, err := repo.ListMessages(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = %s,%s want m1,m2", msgs[0].ID, msgs[1].ID)
	}
}

func TestTimelineEventsRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Second)

	events := []*domain.TimelineEvent{
		{ID: "e1", MessageID: "m1", UserID: "u1", SessionID: "s1", Title: "Tool call: web_search", Data: `{"name":"web_search"}`, CreatedAt: base},
		{ID: "e2", MessageID: "m1", UserID: "u1", SessionID: "s1", Title: "Retrieved sources", Data: `{"count":2}`, CreatedAt: base.Add(time.Second)},
		{ID: "e3", MessageID: "m9", UserID: "u1", SessionID: "s1", Title: "Thinking", Data: `{}`, CreatedAt: base},
	}
	for _, ev := range events {
		if err := repo.SaveTimelineEvent(ctx, ev); err != nil {
			t.Fatalf("SaveTimelineEvent(%s) error = %v", ev.ID, err)
		}
	}

	got, err := repo.ListTimelineEvents(ctx, "m1")
	if err != nil {
		t.Fatalf("ListTimelineEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Title != "Tool call: web_search" || got[1].Title != "Retrieved sources" {
		t.Errorf("titles = %q,%q", got[0].Title, got[1].Title)
	}
}

func TestPruneConversations(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	if err := repo.SaveMessage(ctx, &domain.Message{ID: "old", UserID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "stale", CreatedAt: old}); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if err := repo.SaveTimelineEvent(ctx, &domain.TimelineEvent{ID: "e-old", MessageID: "old", UserID: "u1", SessionID: "s1", Title: "Thinking", Data: `{}`, CreatedAt: old}); err != nil {
		t.Fatalf("SaveTimelineEvent() error = %v", err)
	}
	if err := repo.SaveMessage(ctx, &domain.Message{ID: "new", UserID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "fresh", CreatedAt: fresh}); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	// SaveMessage stamps updated_at with the write time, so both messages are
	// fresh by the prune's clock; only the timeline event ages out here.
	pruned, err := repo.PruneConversations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneConversations() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	events, err := repo.ListTimelineEvents(ctx, "old")
	if err != nil {
		t.Fatalf("ListTimelineEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("stale timeline events survived prune: %d", len(events))
	}

	msgs, err := repo.ListMessages(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages after prune, want 2", len(msgs))
	}
}
