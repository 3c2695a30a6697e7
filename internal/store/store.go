package store

import (
	"context"

	"github.com/loykin/reportsink/internal/report"
)

// DefaultRetention is the number of reports kept when no bound is configured.
const DefaultRetention = 150

// Store is a bounded, append-ordered log of enriched reports.
//
// Append assigns the next sequence id (strictly increasing for the lifetime of
// the store, never reused after eviction), inserts the entry at the tail and
// evicts from the head until at most Retention entries remain. It returns the
// stored entry and the retained count observed inside the same critical
// section. Implementations must serialise appends against each other and must
// never expose a partially written state to List or Count.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, e report.Entry) (report.Entry, int, error)
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]report.Entry, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Retention normalises a configured bound.
func Retention(n int) int {
	if n <= 0 {
		return DefaultRetention
	}
	return n
}

// Newest returns up to limit entries from an oldest-first slice in
// newest-first order. The input is not modified.
func Newest(entries []report.Entry, limit int) []report.Entry {
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]report.Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}
