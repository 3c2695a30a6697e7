package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/logger"
	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
	fs "github.com/loykin/reportsink/internal/store/file"
)

const secret = "S3cret"

type recordingHook struct {
	mu      sync.Mutex
	entries []report.Entry
}

func (h *recordingHook) Dispatch(e report.Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// failingStore rejects every operation.
type failingStore struct{ store.Store }

var errDisk = errors.New("write /var/lib/reportsink/agent_reports.json: read-only file system")

func (failingStore) Append(context.Context, report.Entry) (report.Entry, int, error) {
	return report.Entry{}, 0, errDisk
}
func (failingStore) List(context.Context, int) ([]report.Entry, error) { return nil, errDisk }
func (failingStore) Count(context.Context) (int, error)                { return 0, errDisk }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type fixture struct {
	svc      *Service
	store    store.Store
	hook     *recordingHook
	activity *bytes.Buffer
}

func newFixture(t *testing.T, retention int) *fixture {
	t.Helper()
	st, err := fs.New(filepath.Join(t.TempDir(), "agent_reports.json"), retention)
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	a, err := auth.New(auth.Config{Token: secret})
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	hook := &recordingHook{}
	clock := time.Date(2025, 11, 18, 20, 42, 42, 500, time.UTC)
	svc, err := New(Options{
		Store:        st,
		Auth:         a,
		Hook:         hook,
		Activity:     logger.NewActivityLogWriter(nopWriteCloser{buf}),
		ServerDomain: "reports.example.org",
		Clock:        func() time.Time { return clock },
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, hook: hook, activity: buf}
}

func authed() http.Header {
	h := http.Header{}
	h.Set("X-Agent-Token", secret)
	return h
}

func TestNewRequiresStoreAndAuth(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Store: failingStore{}})
	assert.Error(t, err)
	svc, err := New(Options{Store: failingStore{}, Auth: &auth.Authenticator{}})
	require.NoError(t, err)
	assert.Equal(t, "localhost", svc.ServerDomain())
}

func TestSubmitSuccess(t *testing.T) {
	f := newFixture(t, 150)
	body := `{"agent_name":"Agent1","status":"completed","tasks_completed":5,"report_date":"2025-11-18","report_time":"20:42:42"}`

	ack, err := f.svc.Submit(context.Background(), []byte(body), authed())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.SequenceID)
	assert.Equal(t, 1, ack.TotalReports)
	assert.Equal(t, "2025-11-18T20:42:42Z", ack.ReceivedAt.Format(report.TimeLayout))
	assert.Equal(t, "reports.example.org", ack.Entry.ServerDomain)

	list, err := f.svc.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Agent1", list[0].AgentName())
	assert.Equal(t, "5", list[0].TasksCompleted())

	assert.Equal(t, "[2025-11-18 20:42:42] SUCCESS: Agent1 - Status: completed - Tasks: 5\n", f.activity.String())
	assert.Equal(t, 1, f.hook.count())
}

func TestSubmitUnauthorizedDoesNotMutate(t *testing.T) {
	f := newFixture(t, 150)
	body := []byte(`{"agent_name":"Agent1","status":"completed"}`)
	for _, h := range []http.Header{{}, {"X-Agent-Token": []string{"wrong"}}} {
		_, err := f.svc.Submit(context.Background(), body, h)
		assert.ErrorIs(t, err, report.ErrUnauthorized)
	}
	// an invalid body with a bad token is still reported as unauthorized
	_, err := f.svc.Submit(context.Background(), []byte(`not json`), http.Header{})
	assert.ErrorIs(t, err, report.ErrUnauthorized)

	n, err := f.svc.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.activity.String())
	assert.Zero(t, f.hook.count())
}

func TestSubmitInvalidPayload(t *testing.T) {
	f := newFixture(t, 150)
	cases := map[string]string{
		"not json":          `this is not json`,
		"array":             `[1,2,3]`,
		"string":            `"hello"`,
		"null":              `null`,
		"empty":             ``,
		"missing agent":     `{"status":"completed"}`,
		"numeric agent":     `{"agent_name":42}`,
		"blank agent":       `{"agent_name":"  "}`,
		"truncated object":  `{"agent_name":"A"`,
		"trailing garbage":  `{"agent_name":"A"} x`,
		"long invalid body": strings.Repeat("x", 1000),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), []byte(body), authed())
			require.ErrorIs(t, err, report.ErrInvalidPayload)
			var pe *report.PayloadError
			require.ErrorAs(t, err, &pe)
			assert.LessOrEqual(t, len([]rune(pe.Echo)), report.MaxEcho)
			assert.True(t, strings.HasPrefix(body, pe.Echo))
		})
	}
	n, err := f.svc.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.hook.count())
}

func TestSubmitHookOnlyForCompleted(t *testing.T) {
	f := newFixture(t, 150)
	for _, status := range []string{"completed", "error", "running", ""} {
		body := fmt.Sprintf(`{"agent_name":"A","status":%q}`, status)
		if status == "" {
			body = `{"agent_name":"A"}`
		}
		_, err := f.svc.Submit(context.Background(), []byte(body), authed())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.hook.count())
	assert.Contains(t, f.activity.String(), "SUCCESS: A - Status: unknown - Tasks: 0")
}

func TestSubmitServerFieldsWin(t *testing.T) {
	f := newFixture(t, 150)
	body := `{"agent_name":"A","sequence_id":999,"received_at":"1999-01-01T00:00:00Z","server_domain":"evil"}`
	ack, err := f.svc.Submit(context.Background(), []byte(body), authed())
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.SequenceID)
	assert.Equal(t, "reports.example.org", ack.Entry.ServerDomain)
	_, spoofed := ack.Entry.Fields["sequence_id"]
	assert.False(t, spoofed)
}

func TestSubmitStorageFailure(t *testing.T) {
	a, _ := auth.New(auth.Config{Token: secret})
	hook := &recordingHook{}
	svc, err := New(Options{Store: failingStore{}, Auth: a, Hook: hook})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), []byte(`{"agent_name":"A","status":"completed"}`), authed())
	require.ErrorIs(t, err, report.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errDisk)
	assert.Zero(t, hook.count())

	_, err = svc.List(context.Background(), 0)
	assert.ErrorIs(t, err, report.ErrStorageUnavailable)
	_, err = svc.Count(context.Background())
	assert.ErrorIs(t, err, report.ErrStorageUnavailable)
	_, err = svc.Stats(context.Background())
	assert.ErrorIs(t, err, report.ErrStorageUnavailable)
}

func TestSubmitBoundedRetention(t *testing.T) {
	f := newFixture(t, 3)
	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := f.svc.Submit(context.Background(), []byte(`{"agent_name":"`+name+`"}`), authed())
		require.NoError(t, err)
	}
	list, err := f.svc.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "D", list[0].AgentName())
	assert.Equal(t, int64(4), list[0].SequenceID)
	assert.Equal(t, "B", list[2].AgentName())
}

func TestSubmitConcurrent(t *testing.T) {
	const k = 25
	f := newFixture(t, 10)
	var wg sync.WaitGroup
	ids := make(chan int64, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := f.svc.Submit(context.Background(), []byte(fmt.Sprintf(`{"agent_name":"c%d","status":"completed"}`, i)), authed())
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids <- ack.SequenceID
		}(i)
	}
	wg.Wait()
	close(ids)
	seen := map[int64]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, k)
	n, err := f.svc.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, k, f.hook.count())
	assert.Equal(t, k, strings.Count(f.activity.String(), "\n"))
}

func TestStats(t *testing.T) {
	f := newFixture(t, 150)
	bodies := []string{
		`{"agent_name":"A","status":"completed","tasks_completed":5}`,
		`{"agent_name":"A","status":"error","tasks_completed":"2"}`,
		`{"agent_name":"B","status":"completed","tasks_completed":"n/a"}`,
		`{"agent_name":"C"}`,
	}
	for _, b := range bodies {
		_, err := f.svc.Submit(context.Background(), []byte(b), authed())
		require.NoError(t, err)
	}
	st, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, map[string]int{"completed": 2, "error": 1, "unknown": 1}, st.ByStatus)
	assert.Equal(t, map[string]int{"A": 2, "B": 1, "C": 1}, st.ByAgent)
	assert.Equal(t, int64(7), st.TasksCompleted)
	require.NotNil(t, st.Latest)

	empty := Summarize(nil)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.Latest)
}
