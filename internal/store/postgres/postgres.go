package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

const sequenceName = "reports"

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
// Sequence ids come from a counter row that is incremented inside the append
// transaction; the row lock serialises appends from every process sharing
// the database and keeps ids gap-free.
type DB struct {
	db        *sql.DB
	retention int
}

func New(dsn string, retention int) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(25)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(5 * time.Minute)
	return &DB{db: d, retention: store.Retention(retention)}, nil
}

// Configure applies pooling options from cfg.
func (p *DB) Configure(cfg store.Config) {
	if cfg.MaxOpenConns > 0 {
		p.db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		p.db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxAge > 0 {
		p.db.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS report_sequence(
			name TEXT PRIMARY KEY,
			last_value BIGINT NOT NULL
		);`,
		`INSERT INTO report_sequence(name, last_value) VALUES('` + sequenceName + `', 0)
			ON CONFLICT(name) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS reports(
			seq BIGINT PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			server_domain TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			body JSON NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Append(ctx context.Context, e report.Entry) (report.Entry, int, error) {
	body, err := json.Marshal(e.Fields)
	if err != nil {
		return report.Entry{}, 0, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Entry{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE report_sequence SET last_value = last_value + 1
		WHERE name = $1
		RETURNING last_value;`, sequenceName).Scan(&seq); err != nil {
		return report.Entry{}, 0, fmt.Errorf("next sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports(seq, received_at, server_domain, agent_name, status, body)
		VALUES($1,$2,$3,$4,$5,$6);`,
		seq, e.ReceivedAt.UTC(), e.ServerDomain, e.AgentName(), e.Status(), string(body)); err != nil {
		return report.Entry{}, 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE seq <= $1;`, seq-int64(p.retention)); err != nil {
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

func (p *DB) List(ctx context.Context, limit int) ([]report.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.db.QueryContext(ctx, `
			SELECT seq, received_at, server_domain, body
			FROM reports
			ORDER BY seq DESC
			LIMIT $1;`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT seq, received_at, server_domain, body
			FROM reports
			ORDER BY seq DESC;`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports;`).Scan(&n)
	return n, err
}

func scanEntries(rows *sql.Rows) ([]report.Entry, error) {
	out := make([]report.Entry, 0)
	for rows.Next() {
		var (
			e    report.Entry
			body []byte
		)
		if err := rows.Scan(&e.SequenceID, &e.ReceivedAt, &e.ServerDomain, &body); err != nil {
			return nil, err
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		if err := json.Unmarshal(body, &e.Fields); err != nil {
			return nil, fmt.Errorf("report %d: body: %w", e.SequenceID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
