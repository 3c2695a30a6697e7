package clickhouse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/reportsink/internal/history"
	"github.com/loykin/reportsink/internal/report"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return clickHouseContainer, host + ":" + port.Port()
}

func completedEvent(agent string, seq int64) history.Event {
	e := report.NewEntry(map[string]json.RawMessage{
		report.KeyAgentName:      json.RawMessage(`"` + agent + `"`),
		report.KeyStatus:         json.RawMessage(`"completed"`),
		report.KeyTasksCompleted: json.RawMessage(`3`),
	}, time.Now(), "test.local")
	e.SequenceID = seq
	return history.NewCompleted(e, time.Now())
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	for i, agent := range []string{"Agent1", "Agent1"} {
		if err := sink.Send(ctx, completedEvent(agent, int64(i+1))); err != nil {
			t.Fatalf("Failed to send event %d: %v", i, err)
		}
	}

	// Wait a moment for data to be written
	time.Sleep(100 * time.Millisecond)

	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM report_history WHERE agent_name = ?", "Agent1")
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New(Options{Addr: "invalid-host:9000"}); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}
