package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

type note struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Score   int    `json:"score"`
	Done    bool   `json:"done"`
}

// exerciseRepository runs the shared repository contract against a backend.
func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	notes := NewCollection[note](repo, "note")

	first, err := notes.Save(ctx, "", note{Channel: "C1", Text: "first", Score: 1})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("Save did not assign an id")
	}
	if first.CreatedAt.IsZero() {
		t.Error("Save did not set CreatedAt")
	}
	if _, err := notes.Save(ctx, "", note{Channel: "C2", Text: "second", Done: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := repo.Save(ctx, Record{Type: "other", Data: []byte(`{"channel":"C1"}`)}); err != nil {
		t.Fatalf("Save of other type failed: %v", err)
	}

	got, err := notes.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Value.Text != "first" {
		t.Fatalf("Get returned %+v", got)
	}

	missing, err := repo.Fetch(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("Fetch of missing record failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing record, got %+v", missing)
	}

	all, err := notes.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(all))
	}

	byChannel, err := notes.Where(ctx, "channel", "C1")
	if err != nil {
		t.Fatalf("Where failed: %v", err)
	}
	if len(byChannel) != 1 || byChannel[0].ID != first.ID {
		t.Errorf("expected only the first note for C1, got %+v", byChannel)
	}

	// Non-string fields never match a string comparison.
	byBool, err := notes.Where(ctx, "done", "true")
	if err != nil {
		t.Fatalf("Where on bool field failed: %v", err)
	}
	if len(byBool) != 0 {
		t.Errorf("expected no matches on non-string field, got %d", len(byBool))
	}

	updated, err := notes.Save(ctx, first.ID, note{Channel: "C1", Text: "edited"})
	if err != nil {
		t.Fatalf("update Save failed: %v", err)
	}
	if updated.ID != first.ID {
		t.Errorf("update changed id from %q to %q", first.ID, updated.ID)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("update changed CreatedAt from %v to %v", first.CreatedAt, updated.CreatedAt)
	}
	got, _ = notes.Get(ctx, first.ID)
	if got == nil || got.Value.Text != "edited" {
		t.Errorf("expected edited note, got %+v", got)
	}

	if err := notes.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := notes.Delete(ctx, first.ID); !errors.Is(err, ErrNotPersisted) {
		t.Errorf("expected ErrNotPersisted on second delete, got %v", err)
	}
	if _, err := repo.Save(ctx, Record{Data: []byte(`{}`)}); !errors.Is(err, ErrMissingType) {
		t.Errorf("expected ErrMissingType, got %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	exerciseRepository(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	exerciseRepository(t, newTestSQLiteStore(t))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	item, err := NewCollection[note](s, "note").Save(ctx, "", note{Text: "kept"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := NewCollection[note](s2, "note").Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Value.Text != "kept" {
		t.Errorf("expected record to survive reopen, got %+v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM objects WHERE type IN ('note', 'other')")
	exerciseRepository(t, pgStore)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://user@localhost/db":   "postgres",
		"postgresql://user@localhost/db": "postgres",
		"host=localhost dbname=x":        "postgres",
		"/var/lib/channelflow/cf.db":     "sqlite3",
		"file:test.db?_foreign_keys=on":  "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewWithoutDSNUsesMemory(t *testing.T) {
	repo, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := repo.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", repo)
	}
}
