package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/reportsink/internal/history"
	"github.com/loykin/reportsink/internal/report"
)

// Sink writes report events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS report_history(
			id TEXT PRIMARY KEY,
			event TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			seq INTEGER NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			tasks_completed TEXT NOT NULL,
			received_at TIMESTAMP NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_report_history_agent ON report_history(agent_name);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e.Entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_history(id, event, occurred_at, seq, agent_name, status, tasks_completed, received_at, body)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, string(e.Type), e.OccurredAt.UTC().Format(report.TimeLayout), e.Entry.SequenceID,
		e.Entry.AgentName(), e.Entry.Status(), e.Entry.TasksCompleted(),
		e.Entry.ReceivedAt.UTC().Format(report.TimeLayout), string(body))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
