package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reportsink/internal/report"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	delay  time.Duration
	closed atomic.Bool
}

func (r *recordingSink) Send(ctx context.Context, e Event) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSink) Close() error { r.closed.Store(true); return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type panicSink struct{}

func (panicSink) Send(context.Context, Event) error { panic("boom") }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func entry(agent string, seq int64) report.Entry {
	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName: json.RawMessage(`"` + agent + `"`),
		report.KeyStatus:    json.RawMessage(`"completed"`),
	}, time.Now(), "test.local")
	e.SequenceID = seq
	return e
}

func TestNewCompleted(t *testing.T) {
	at := time.Date(2025, 11, 18, 20, 42, 42, 0, time.FixedZone("x", 3600))
	ev := NewCompleted(entry("A", 3), at)
	assert.Equal(t, EventCompleted, ev.Type)
	assert.Len(t, ev.ID, 36)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
	assert.Equal(t, int64(3), ev.Entry.SequenceID)
	assert.NotEqual(t, ev.ID, NewCompleted(entry("A", 3), at).ID)
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	d := NewDispatcher(nil, time.Second)
	a, b := &recordingSink{}, &recordingSink{}
	d.Add("a", a)
	d.Add("b", b)
	d.Add("nil", nil)
	assert.Equal(t, 2, d.Len())

	d.Dispatch(entry("A", 1))
	d.Dispatch(entry("B", 2))
	require.NoError(t, d.Close())

	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	// both sinks see the same event id for one dispatch
	ids := map[string]int{}
	for _, e := range append(a.events, b.events...) {
		ids[e.ID]++
	}
	assert.Len(t, ids, 2)
	for _, n := range ids {
		assert.Equal(t, 2, n)
	}
}

func TestDispatcherFailuresAreLoggedNotReturned(t *testing.T) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))
	d := NewDispatcher(log, time.Second)
	d.Add("failing", &recordingSink{err: errors.New("downstream unavailable")})
	d.Add("panicking", panicSink{})

	d.Dispatch(entry("Agent1", 9))
	require.NoError(t, d.Close())

	out := buf.String()
	assert.Contains(t, out, "completed-report hook failed")
	assert.Contains(t, out, "sink=failing")
	assert.Contains(t, out, "downstream unavailable")
	assert.Contains(t, out, "sink=panicking")
	assert.Contains(t, out, "sink panic: boom")
	assert.Contains(t, out, "agent_name=Agent1")
}

func TestDispatcherTimeout(t *testing.T) {
	buf := &syncBuffer{}
	d := NewDispatcher(slog.New(slog.NewTextHandler(buf, nil)), 20*time.Millisecond)
	slow := &recordingSink{delay: time.Second}
	d.Add("slow", slow)

	start := time.Now()
	d.Dispatch(entry("A", 1))
	require.NoError(t, d.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, slow.count())
	assert.True(t, strings.Contains(buf.String(), "deadline exceeded"))
}

func TestDispatchDoesNotBlock(t *testing.T) {
	d := NewDispatcher(nil, time.Second)
	d.Add("slow", &recordingSink{delay: 200 * time.Millisecond})
	start := time.Now()
	d.Dispatch(entry("A", 1))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	require.NoError(t, d.Close())
}

func TestDispatcherAfterClose(t *testing.T) {
	d := NewDispatcher(nil, 0)
	s := &recordingSink{}
	d.Add("s", s)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	d.Dispatch(entry("late", 1))
	assert.Equal(t, 0, s.count())

	var nilD *Dispatcher
	nilD.Dispatch(entry("x", 1))
	assert.NoError(t, nilD.Close())
}

func TestDispatcherConcurrentDispatchAndClose(t *testing.T) {
	d := NewDispatcher(nil, time.Second)
	s := &recordingSink{}
	d.Add("s", s)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Dispatch(entry("c", int64(i)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, d.Close())
	assert.Equal(t, 50, s.count())
}
