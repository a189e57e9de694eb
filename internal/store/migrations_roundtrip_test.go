package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"marginalia/api/internal/comments"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := filepath.Join("..", "..", "db", "migrations")
	logger := zaptest.NewLogger(t)

	if err := ApplyMigrations(ctx, db, dir, logger); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := RollbackMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, dir, logger); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestThreadSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zaptest.NewLogger(t)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := NewPostgresStore(db)

	if err := s.SaveDocument(ctx, Document{ID: "doc1", Title: "Draft", Doc: json.RawMessage(`{"type":"doc","content":[]}`), UpdatedBy: "ada"}); err != nil {
		t.Fatalf("save document: %v", err)
	}

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	deleted := created.Add(time.Minute)
	threads := []comments.Thread{{
		ID:        "t1",
		CreatedAt: created,
		Anchor:    &comments.Range{From: 0, To: 5},
		Data:      map[string]any{"source": "review"},
		Comments: []comments.Comment{
			{ID: "c1", ThreadID: "t1", Content: "tighten this", UserID: "u1", CreatedAt: created},
			{ID: "c2", ThreadID: "t1", Content: "gone", UserID: "u2", CreatedAt: created.Add(time.Second), DeletedAt: &deleted},
		},
	}}
	if err := s.ReplaceThreads(ctx, "doc1", threads); err != nil {
		t.Fatalf("replace threads: %v", err)
	}

	loaded, err := s.LoadThreads(ctx, "doc1")
	if err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(loaded) != 1 || len(loaded[0].Comments) != 2 {
		t.Fatalf("unexpected threads %+v", loaded)
	}
	if loaded[0].Anchor == nil || *loaded[0].Anchor != (comments.Range{From: 0, To: 5}) {
		t.Fatalf("anchor not preserved: %+v", loaded[0].Anchor)
	}
	if !loaded[0].Comments[1].Deleted() || loaded[0].Data["source"] != "review" {
		t.Fatalf("soft delete or data lost: %+v", loaded[0])
	}

	if err := s.ReplaceThreads(ctx, "doc1", nil); err != nil {
		t.Fatalf("clear threads: %v", err)
	}
	if loaded, _ = s.LoadThreads(ctx, "doc1"); len(loaded) != 0 {
		t.Fatalf("expected no threads, got %d", len(loaded))
	}

	if err := s.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if _, err := s.GetDocument(ctx, "doc1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
