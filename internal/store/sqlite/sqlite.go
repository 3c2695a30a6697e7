package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem path to the database file; ":memory:" is accepted
// for throwaway stores.
type DB struct {
	db        *sql.DB
	retention int
}

// New opens a SQLite database at path.
func New(path string, retention int) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := p
	if p != ":memory:" {
		dsn = p + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps appends serialised in-process; busy_timeout covers
	// other processes sharing the file
	d.SetMaxOpenConns(1)
	return &DB{db: d, retention: store.Retention(retention)}, nil
}

// Configure applies pooling options from cfg. Open connections stay capped at one.
func (s *DB) Configure(cfg store.Config) {
	if cfg.MaxIdleConns > 0 {
		s.db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		s.db.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			received_at TEXT NOT NULL,
			server_domain TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Append(ctx context.Context, e report.Entry) (report.Entry, int, error) {
	body, err := json.Marshal(e.Fields)
	if err != nil {
		return report.Entry{}, 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Entry{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reports(received_at, server_domain, agent_name, status, body)
		VALUES(?, ?, ?, ?, ?);`,
		e.ReceivedAt.UTC().Format(report.TimeLayout), e.ServerDomain, e.AgentName(), e.Status(), string(body))
	if err != nil {
		return report.Entry{}, 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return report.Entry{}, 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE seq <= ?;`, seq-int64(s.retention)); err != nil {
		return report.Entry{}, 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports;`).Scan(&n); err != nil {
		return report.Entry{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return report.Entry{}, 0, err
	}
	e.SequenceID = seq
	return e, n, nil
}

func (s *DB) List(ctx context.Context, limit int) ([]report.Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, received_at, server_domain, body
		FROM reports
		ORDER BY seq DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports;`).Scan(&n)
	return n, err
}

func scanEntries(rows *sql.Rows) ([]report.Entry, error) {
	out := make([]report.Entry, 0)
	for rows.Next() {
		var (
			e          report.Entry
			receivedAt string
			body       string
		)
		if err := rows.Scan(&e.SequenceID, &receivedAt, &e.ServerDomain, &body); err != nil {
			return nil, err
		}
		t, err := time.Parse(report.TimeLayout, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("report %d: received_at: %w", e.SequenceID, err)
		}
		e.ReceivedAt = t.UTC()
		if err := json.Unmarshal([]byte(body), &e.Fields); err != nil {
			return nil, fmt.Errorf("report %d: body: %w", e.SequenceID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
