package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
	"github.com/loykin/reportsink/internal/store/storetest"
)

func open(t *testing.T, path string, retention int) *DB {
	t.Helper()
	db, err := New(path, retention)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, retention int) store.Store {
		db := open(t, filepath.Join(t.TempDir(), "reports.db"), retention)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestSQLiteInMemory(t *testing.T) {
	db := open(t, ":memory:", 2)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		if _, _, err := db.Append(ctx, storetest.Entry(name, report.StatusCompleted)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := db.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestSQLiteSequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	ctx := context.Background()
	db := open(t, path, 1)
	for _, name := range []string{"A", "B"} {
		if _, _, err := db.Append(ctx, storetest.Entry(name, report.StatusCompleted)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = db.Close()

	db = open(t, path, 1)
	t.Cleanup(func() { _ = db.Close() })
	e, total, err := db.Append(ctx, storetest.Entry("C", report.StatusCompleted))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.SequenceID != 3 || total != 1 {
		t.Fatalf("got seq=%d total=%d", e.SequenceID, total)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
