// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

// Factory opens a fresh, empty store bounded to retention entries.
type Factory func(t *testing.T, retention int) store.Store

// Entry builds a report entry for agent with the given status.
func Entry(agent, status string) report.Entry {
	fields := map[string]json.RawMessage{
		report.KeyAgentName:      mustJSON(agent),
		report.KeyStatus:         mustJSON(status),
		report.KeyTasksCompleted: json.RawMessage(`5`),
		report.KeyReportDate:     mustJSON("2025-11-18"),
		report.KeyReportTime:     mustJSON("20:42:42"),
		"nested":                 json.RawMessage(`{"ok":true,"items":[1,2,3]}`),
	}
	return report.NewEntry(fields, time.Date(2025, 11, 18, 20, 42, 42, 0, time.UTC), "test.local")
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Run executes the conformance suite against f.
func Run(t *testing.T, f Factory) {
	t.Run("EmptyStore", func(t *testing.T) { testEmpty(t, f) })
	t.Run("BoundedFIFO", func(t *testing.T) { testBoundedFIFO(t, f) })
	t.Run("MonotonicAcrossEviction", func(t *testing.T) { testMonotonic(t, f) })
	t.Run("ListLimit", func(t *testing.T) { testListLimit(t, f) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, f) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrent(t, f) })
}

func testEmpty(t *testing.T, f Factory) {
	s := f(t, 3)
	ctx := context.Background()
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no entries, got %d", len(list))
	}
}

// testBoundedFIFO is the N=3 scenario: A, B, C, D appended; A is evicted.
func testBoundedFIFO(t *testing.T, f Factory) {
	s := f(t, 3)
	ctx := context.Background()
	var last report.Entry
	for i, name := range []string{"A", "B", "C", "D"} {
		status := report.StatusCompleted
		if name == "B" {
			status = report.StatusError
		}
		e, total, err := s.Append(ctx, Entry(name, status))
		if err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
		want := i + 1
		if want > 3 {
			want = 3
		}
		if total != want {
			t.Fatalf("append %s: total %d, want %d", name, total, want)
		}
		last = e
	}
	if last.SequenceID != 4 {
		t.Fatalf("sequence of D = %d, want 4", last.SequenceID)
	}
	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v; want 3", n, err)
	}
	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, 0, len(list))
	for _, e := range list {
		got = append(got, e.AgentName())
	}
	if fmt.Sprint(got) != "[D C B]" {
		t.Fatalf("list order = %v, want [D C B]", got)
	}
	if list[0].SequenceID != 4 || list[2].SequenceID != 2 {
		t.Fatalf("unexpected ids: %d..%d", list[0].SequenceID, list[2].SequenceID)
	}
}

func testMonotonic(t *testing.T, f Factory) {
	s := f(t, 2)
	ctx := context.Background()
	prev := int64(0)
	for i := 0; i < 7; i++ {
		e, total, err := s.Append(ctx, Entry(fmt.Sprintf("agent-%d", i), "completed"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.SequenceID <= prev {
			t.Fatalf("sequence went from %d to %d", prev, e.SequenceID)
		}
		if total > 2 {
			t.Fatalf("retained %d > bound 2", total)
		}
		prev = e.SequenceID
	}
	if prev != 7 {
		t.Fatalf("last sequence %d, want 7", prev)
	}
}

func testListLimit(t *testing.T, f Factory) {
	s := f(t, 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := s.Append(ctx, Entry(fmt.Sprintf("a%d", i), "completed")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	list, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].AgentName() != "a4" || list[1].AgentName() != "a3" {
		t.Fatalf("unexpected limited list: %+v", list)
	}
}

func testRoundTrip(t *testing.T, f Factory) {
	s := f(t, 5)
	ctx := context.Background()
	in := Entry("round", "error")
	stored, _, err := s.Append(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	list, err := s.List(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v (%d)", err, len(list))
	}
	got := list[0]
	if got.SequenceID != stored.SequenceID || !got.ReceivedAt.Equal(in.ReceivedAt) || got.ServerDomain != in.ServerDomain {
		t.Fatalf("server fields changed: %+v", got)
	}
	if len(got.Fields) != len(in.Fields) {
		t.Fatalf("field count %d, want %d", len(got.Fields), len(in.Fields))
	}
	for k, v := range in.Fields {
		if !jsonEqual(t, v, got.Fields[k]) {
			t.Fatalf("field %s: got %s, want %s", k, got.Fields[k], v)
		}
	}
}

func testConcurrent(t *testing.T, f Factory) {
	const k = 20
	for _, retention := range []int{50, 8} {
		t.Run(fmt.Sprintf("retention=%d", retention), func(t *testing.T) {
			s := f(t, retention)
			ctx := context.Background()
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				ids  = make(map[int64]bool)
				errs []error
			)
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e, _, err := s.Append(ctx, Entry(fmt.Sprintf("c%d", i), "completed"))
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					ids[e.SequenceID] = true
				}(i)
			}
			wg.Wait()
			if len(errs) > 0 {
				t.Fatalf("append errors: %v", errs)
			}
			if len(ids) != k {
				t.Fatalf("expected %d distinct ids, got %d", k, len(ids))
			}
			for id := int64(1); id <= k; id++ {
				if !ids[id] {
					t.Fatalf("missing id %d", id)
				}
			}
			want := k
			if retention < k {
				want = retention
			}
			n, err := s.Count(ctx)
			if err != nil || n != want {
				t.Fatalf("count = %d, %v; want %d", n, err, want)
			}
			list, err := s.List(ctx, 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for i := 0; i < len(list); i++ {
				if list[i].SequenceID != int64(k-i) {
					t.Fatalf("list[%d] = %d, want %d", i, list[i].SequenceID, k-i)
				}
			}
		})
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var x, y any
	if err := json.Unmarshal(a, &x); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &y); err != nil {
		return false
	}
	return fmt.Sprintf("%#v", x) == fmt.Sprintf("%#v", y)
}
