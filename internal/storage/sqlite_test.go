package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"aplex/internal/domain"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleSessions() []domain.Session {
	return []domain.Session{
		{
			ID:    "s1",
			Kind:  domain.SessionDirect,
			Title: "Weather",
			Messages: []domain.Message{
				{ID: "m1", Role: domain.RoleUser, Text: "hi", CreatedAt: time.Now().UTC()},
				{ID: "m2", Role: domain.RoleModel, Text: "hello", CreatedAt: time.Now().UTC()},
			},
		},
		{
			ID:    "s2",
			Kind:  domain.SessionGroup,
			Title: "Team",
			Group: &domain.GroupMetadata{
				Name:       "Team",
				Members:    []string{"an", "binh"},
				Visibility: domain.VisibilityPrivate,
			},
		},
	}
}

func TestLoad_AbsentUser(t *testing.T) {
	repo := newTestRepo(t)

	sessions, ok, err := repo.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("absent user must report not found")
	}
	if sessions != nil {
		t.Fatal("absent user must return no sessions")
	}
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Save(ctx, "u1", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := repo.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("saved user must be found")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].ID != "s1" || len(got[0].Messages) != 2 {
		t.Fatalf("first session malformed: %+v", got[0])
	}
	if got[1].Group == nil || got[1].Group.Name != "Team" {
		t.Fatal("group metadata lost in roundtrip")
	}
}

func TestSave_ReplacesSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Save(ctx, "u1", sampleSessions()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, "u1", []domain.Session{{ID: "only", Kind: domain.SessionDirect}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, _, err := repo.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "only" {
		t.Fatalf("save must replace, not merge: %+v", got)
	}
}

func TestSave_UsersAreNamespaced(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Save(ctx, "alice", sampleSessions()); err != nil {
		t.Fatalf("save alice: %v", err)
	}
	if err := repo.Save(ctx, "bob", nil); err != nil {
		t.Fatalf("save bob: %v", err)
	}

	aliceSessions, _, _ := repo.Load(ctx, "alice")
	bobSessions, ok, _ := repo.Load(ctx, "bob")
	if len(aliceSessions) != 2 {
		t.Fatalf("alice's sessions disturbed: %d", len(aliceSessions))
	}
	if !ok || len(bobSessions) != 0 {
		t.Fatal("bob must have a separate empty snapshot")
	}
}
