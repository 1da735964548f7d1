package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"karya/internal/db"
	"karya/internal/domain"
	"karya/internal/migrate"
	"karya/internal/store"
)

func newTestStore(t *testing.T) (store.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{Now: func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }}, conn
}

func TestInsertMintsServerIDs(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, conn, "language", domain.Row{"name": "Hindi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := s.Insert(ctx, conn, "language", domain.Row{"name": "Marathi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first["id"] == "" || first["id"] == second["id"] {
		t.Fatalf("minted ids %v and %v", first["id"], second["id"])
	}
	if first["created_at"] == nil || first["last_updated_at"] == nil {
		t.Fatalf("timestamps not stamped: %v", first)
	}
}

func TestInsertRejectsUnknownTable(t *testing.T) {
	s, conn := newTestStore(t)
	if _, err := s.Insert(context.Background(), conn, "no_such_table", domain.Row{}); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestGetSingleNotFound(t *testing.T) {
	s, conn := newTestStore(t)
	_, err := s.GetSingle(context.Background(), conn, "language", domain.Row{"id": "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSingleBumpsLastUpdated(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	row, err := s.Insert(ctx, conn, "language", domain.Row{"name": "Hindi"})
	if err != nil {
		t.Fatal(err)
	}
	s.Now = func() time.Time { return time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC) }
	if err := s.UpdateSingle(ctx, conn, "language", domain.Row{"id": row["id"]}, domain.Row{"name": "Hindustani"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSingle(ctx, conn, "language", domain.Row{"id": row["id"]})
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "Hindustani" {
		t.Fatalf("name not updated: %v", got["name"])
	}
	if got["last_updated_at"] == row["last_updated_at"] {
		t.Fatal("last_updated_at not bumped")
	}
	if err := s.UpdateSingle(ctx, conn, "language", domain.Row{"id": "missing"}, domain.Row{"name": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSinceWindowEdges(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	stamp := func(day int) string {
		return domain.FormatTime(time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC))
	}
	for day := 1; day <= 4; day++ {
		if _, err := s.Insert(ctx, conn, "language", domain.Row{
			"name":            stamp(day),
			"created_at":      stamp(day),
			"last_updated_at": stamp(day),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// from is exclusive, to is inclusive
	rows, err := s.GetSince(ctx, conn, "language", stamp(1), stamp(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected rows for days 2 and 3, got %d", len(rows))
	}
	if rows[0]["last_updated_at"] != stamp(2) || rows[1]["last_updated_at"] != stamp(3) {
		t.Fatalf("window rows out of order: %v", rows)
	}

	// empty upper bound means open-ended
	rows, err = s.GetSince(ctx, conn, "language", stamp(3), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["last_updated_at"] != stamp(4) {
		t.Fatalf("open-ended window: %v", rows)
	}
}

func TestUpsertLastWriterWins(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	row := domain.Row{
		"id":              "123",
		"name":            "box-1",
		"creation_code":   "code-1",
		"created_at":      "2024-06-01T00:00:00.000000Z",
		"last_updated_at": "2024-06-01T00:00:00.000000Z",
	}
	if err := s.Upsert(ctx, conn, "box", row); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// replay of the same row is idempotent
	if err := s.Upsert(ctx, conn, "box", row); err != nil {
		t.Fatalf("replayed upsert: %v", err)
	}
	update := domain.Row{
		"id":              "123",
		"name":            "box-renamed",
		"creation_code":   "code-1",
		"created_at":      "2024-06-09T00:00:00.000000Z",
		"last_updated_at": "2024-06-02T00:00:00.000000Z",
	}
	if err := s.Upsert(ctx, conn, "box", update); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := s.GetSingle(ctx, conn, "box", domain.Row{"id": "123"})
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "box-renamed" {
		t.Fatalf("name after upsert: %v", got["name"])
	}
	if got["created_at"] != "2024-06-01T00:00:00.000000Z" {
		t.Fatalf("created_at was overwritten: %v", got["created_at"])
	}
	if got["last_updated_at"] != "2024-06-02T00:00:00.000000Z" {
		t.Fatalf("last_updated_at after upsert: %v", got["last_updated_at"])
	}
}

func TestRegistryLookup(t *testing.T) {
	if _, ok := store.Lookup("microtask_assignment"); !ok {
		t.Fatal("microtask_assignment missing from registry")
	}
	if _, ok := store.Lookup("events"); ok {
		t.Fatal("events must not be replicated")
	}
	for _, name := range []string{"worker", "karya_file", "task_assignment", "microtask_assignment"} {
		tbl, ok := store.Lookup(name)
		if !ok || !tbl.BoxUpdatable {
			t.Fatalf("%s should be box-updatable", name)
		}
	}
	for _, name := range []string{"task", "scenario", "language", "task_link", "task_op"} {
		tbl, ok := store.Lookup(name)
		if !ok {
			t.Fatalf("%s missing from registry", name)
		}
		if tbl.BoxUpdatable {
			t.Fatalf("%s must not be box-updatable", name)
		}
	}
}
