package logfile

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/reportsink/internal/history"
	"github.com/loykin/reportsink/internal/logger"
	"github.com/loykin/reportsink/internal/report"
)

func TestLogfileSinkWritesCompletedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "successful_reports.log")
	sink := New(logger.FileConfig{Path: path})

	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName:      json.RawMessage(`"Agent1"`),
		report.KeyStatus:         json.RawMessage(`"completed"`),
		report.KeyTasksCompleted: json.RawMessage(`5`),
	}, time.Now(), "test.local")
	ev := history.NewCompleted(e, time.Date(2025, 11, 18, 20, 42, 42, 0, time.UTC))

	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "[2025-11-18 20:42:42] COMPLETED: Agent 'Agent1' finished 5 tasks\n"
	if string(b) != want {
		t.Fatalf("got %q, want %q", b, want)
	}
}

func TestLogfileSinkMissingTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.log")
	sink := New(logger.FileConfig{Path: path})
	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName: json.RawMessage(`"B"`),
	}, time.Now(), "x")
	if err := sink.Send(context.Background(), history.NewCompleted(e, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = sink.Close()
	b, _ := os.ReadFile(path)
	if want := "COMPLETED: Agent 'B' finished 0 tasks\n"; len(b) < len(want) || string(b[len(b)-len(want):]) != want {
		t.Fatalf("unexpected line %q", b)
	}
}

func TestLogfileSinkCancelledContext(t *testing.T) {
	sink := New(logger.FileConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{}); err == nil {
		t.Fatalf("expected context error")
	}
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestLogfileSinkSharedLog(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWithLog(logger.NewActivityLogWriter(nopWriteCloser{&buf}))
	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName:      json.RawMessage(`"C"`),
		report.KeyTasksCompleted: json.RawMessage(`"7"`),
	}, time.Now(), "x")
	if err := sink.Send(context.Background(), history.NewCompleted(e, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), "COMPLETED: Agent 'C' finished 7 tasks") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
