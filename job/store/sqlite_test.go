package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return st, path
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	st, path := newTestSQLiteStore(t)

	rec := Record{
		JobKind:      "nested",
		InstanceKey:  "run-1",
		StageIndex:   0,
		OpenItem:     json.RawMessage(`"g2"`),
		NestedCursor: json.RawMessage(`3`),
		Attempt:      2,
	}
	if err := st.Save(ctx, &rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, "nested", "run-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got.OpenItem) != `"g2"` || string(got.NestedCursor) != "3" {
		t.Errorf("nested position lost across reopen: %+v", got)
	}
	if got.Attempt != 2 || got.Version != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestSQLiteStore_Closed(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestSQLiteStore(t)

	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := st.Load(ctx, "k", "i"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load: expected ErrClosed, got %v", err)
	}
	if err := st.Save(ctx, &Record{JobKind: "k", InstanceKey: "i"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Save: expected ErrClosed, got %v", err)
	}
	if err := st.Delete(ctx, "k", "i"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete: expected ErrClosed, got %v", err)
	}
	if err := st.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping: expected ErrClosed, got %v", err)
	}
}
