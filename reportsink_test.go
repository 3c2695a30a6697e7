package reportsink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reportsink/internal/auth"
	"github.com/loykin/reportsink/internal/config"
	"github.com/loykin/reportsink/internal/store"
	filestore "github.com/loykin/reportsink/internal/store/file"
	"github.com/loykin/reportsink/pkg/client"
)

type captureSink struct {
	mu     sync.Mutex
	events []HistoryEvent
}

func (c *captureSink) Send(_ context.Context, ev HistoryEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		Server: config.ServerConfig{
			Listen:       "127.0.0.1:0",
			Domain:       "facade.test",
			MaxBodyBytes: 1 << 16,
			Dashboard:    true,
		},
		Auth:  auth.Config{Token: "facade-secret"},
		Store: store.Config{DSN: filepath.Join(dir, "agent_reports.json"), Retention: 3},
		Hooks: config.HooksConfig{Sinks: []string{"logfile://" + filepath.Join(dir, "successful_reports.log")}},
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func tokenHeader(tok string) http.Header {
	h := http.Header{}
	h.Set(auth.DefaultHeader, tok)
	return h
}

func TestAppSubmitAndHooks(t *testing.T) {
	cfg := testConfig(t)
	cfg.ActivityLog.Path = filepath.Join(t.TempDir(), "agent_activity.log")
	sink := &captureSink{}
	app, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithHistorySink("capture", sink))
	require.NoError(t, err)

	ctx := context.Background()
	ack, err := app.Submit(ctx, []byte(`{"agent_name":"Daily","status":"completed","tasks_completed":4}`), tokenHeader("facade-secret"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.SequenceID)
	_, err = app.Submit(ctx, []byte(`{"agent_name":"Nightly","status":"error"}`), tokenHeader("facade-secret"))
	require.NoError(t, err)

	_, err = app.Submit(ctx, []byte(`{"agent_name":"x"}`), tokenHeader("nope"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = app.Submit(ctx, []byte(`[1]`), tokenHeader("facade-secret"))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	list, err := app.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Nightly", list[0].AgentName())

	st, err := app.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Errors)

	require.NoError(t, app.Close())
	assert.Equal(t, 1, sink.len(), "only completed reports reach the hook")

	done, err := os.ReadFile(cfg.Hooks.Sinks[0][len("logfile://"):])
	require.NoError(t, err)
	assert.Contains(t, string(done), "COMPLETED: Agent 'Daily' finished 4 tasks")

	activity, err := os.ReadFile(cfg.ActivityLog.Path)
	require.NoError(t, err)
	assert.Contains(t, string(activity), "SUCCESS: Daily - Status: completed - Tasks: 4")
	assert.Contains(t, string(activity), "SUCCESS: Nightly - Status: error - Tasks: 0")
}

func TestAppApplyConfigRotatesToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)

	submit := func(tok string) error {
		c, err := client.New(client.Config{BaseURL: ts.URL, Token: tok})
		require.NoError(t, err)
		_, err = c.Submit(context.Background(), map[string]any{"agent_name": "rot"})
		return err
	}
	require.NoError(t, submit("facade-secret"))

	next := *cfg
	next.Auth = auth.Config{Token: "rotated"}
	app.ApplyConfig(&next)

	var apiErr *client.APIError
	require.True(t, errors.As(submit("facade-secret"), &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.NoError(t, submit("rotated"))

	// an invalid secret keeps the current one
	bad := *cfg
	bad.Auth = auth.Config{}
	app.ApplyConfig(&bad)
	require.NoError(t, submit("rotated"))
}

func TestAppServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Serve(ctx, ln) }()

	c, err := client.New(client.Config{BaseURL: "http://" + ln.Addr().String()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.IsReachable(context.Background()) }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAppServeTLS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.Dir = filepath.Join(t.TempDir(), "tls")
	cfg.Server.TLS.AutoGenerate = true
	app, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = app.Serve(ctx, ln) }()

	c, err := client.New(client.Config{
		BaseURL: "https://" + ln.Addr().String(),
		TLS:     &client.TLSClientConfig{Enabled: true, CACert: filepath.Join(cfg.Server.TLS.Dir, "tls_ca.crt"), ServerName: "localhost"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.IsReachable(context.Background()) }, 3*time.Second, 20*time.Millisecond)
}

func TestNewFailsCleanly(t *testing.T) {
	_, err := New(context.Background(), nil)
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.Hooks.Sinks = []string{"ftp://nowhere"}
	_, err = New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ftp"))

	cfg = testConfig(t)
	cfg.Auth = auth.Config{}
	_, err = New(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
}

func TestSinkName(t *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@db:5432/reports":     "postgres",
		"clickhouse://default:x@ch:9000/default": "clickhouse",
		"opensearchs://os:9200/reports":          "opensearchs",
		"redis://localhost:6379/0":               "redis",
		"/var/lib/reportsink/agent_reports.json": "file",
		"reports.db":                             "sqlite",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, SinkName(dsn), dsn)
	}
}

func TestAppWithStoreNotClosed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hooks.Sinks = nil
	st, err := filestore.New(filepath.Join(t.TempDir(), "shared.json"), 2)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	app, err := New(context.Background(), cfg, WithLogger(quietLogger()), WithStore(st))
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		_, err := app.Submit(context.Background(), []byte(`{"agent_name":"`+name+`"}`), tokenHeader("facade-secret"))
		require.NoError(t, err)
	}
	require.NoError(t, app.Close())

	// the caller still owns the store and it keeps its own bound
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	list, err := st.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "c", list[0].AgentName())
}
