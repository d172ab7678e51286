package store

import (
	"context"
	"errors"
	"testing"

	"livetable/internal/config"
	"livetable/internal/table"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "test"}
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureTable(context.Background(), "User"); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return s
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := table.Row{"id": float64(1), "name": "Ada", "isActive": true}
	old, created, err := s.UpsertRow(ctx, "User", "1", row)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created || old != nil {
		t.Fatalf("expected fresh insert, created=%v old=%v", created, old)
	}

	got, err := s.GetRow(ctx, "User", "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["name"] != "Ada" || got["isActive"] != true {
		t.Fatalf("got %v", got)
	}

	// Second upsert reports the previous version.
	row2 := table.Row{"id": float64(1), "name": "Lovelace", "isActive": true}
	old, created, err = s.UpsertRow(ctx, "User", "1", row2)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("expected update, not create")
	}
	if old["name"] != "Ada" {
		t.Fatalf("old = %v, want the previous version", old)
	}
}

func TestStore_AllRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"1", "2", "3"} {
		if _, _, err := s.UpsertRow(ctx, "User", key, table.Row{"id": key}); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}

	rows, err := s.AllRows(ctx, "User")
	if err != nil {
		t.Fatalf("all rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
}

func TestStore_DeleteRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.UpsertRow(ctx, "User", "1", table.Row{"id": "1", "name": "Ada"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	old, err := s.DeleteRow(ctx, "User", "1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if old["name"] != "Ada" {
		t.Fatalf("old = %v, want last version", old)
	}

	if _, err := s.GetRow(ctx, "User", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.DeleteRow(ctx, "User", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestStore_RejectsBadTableNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []string{"", "user; DROP TABLE x", "a b", `x"y`}
	for _, name := range bad {
		if err := s.EnsureTable(ctx, name); err == nil {
			t.Fatalf("expected rejection of table name %q", name)
		}
	}
}
