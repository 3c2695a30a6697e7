// Package ingest implements the report sink: authenticated, validated appends
// to a bounded store, plus the read side used by the dashboard and API.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/reportsink/internal/logger"
	"github.com/loykin/reportsink/internal/metrics"
	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

// SourceHeader optionally names the sending system; it is logged, not stored.
const SourceHeader = "X-Agent-Source"

// Checker authenticates request headers.
type Checker interface {
	Check(h http.Header) error
}

// Hook receives every stored report whose status is "completed".
type Hook interface {
	Dispatch(e report.Entry)
}

// Options wires a Service. Store and Auth are required.
type Options struct {
	Store        store.Store
	Auth         Checker
	Hook         Hook
	Activity     *logger.ActivityLog
	Logger       *slog.Logger
	ServerDomain string
	Clock        func() time.Time
}

// Service is the report sink.
type Service struct {
	store    store.Store
	auth     Checker
	hook     Hook
	activity *logger.ActivityLog
	log      *slog.Logger
	domain   string
	now      func() time.Time
}

func New(o Options) (*Service, error) {
	if o.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if o.Auth == nil {
		return nil, errors.New("ingest: authenticator is required")
	}
	s := &Service{
		store:    o.Store,
		auth:     o.Auth,
		hook:     o.Hook,
		activity: o.Activity,
		log:      o.Logger,
		domain:   strings.TrimSpace(o.ServerDomain),
		now:      o.Clock,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.domain == "" {
		s.domain = "localhost"
	}
	return s, nil
}

// ServerDomain is the value stamped into every stored report.
func (s *Service) ServerDomain() string { return s.domain }

// Authenticate checks h without touching the store. Rejections are logged
// and counted here so callers may check before reading the body.
func (s *Service) Authenticate(h http.Header) error {
	if err := s.auth.Check(h); err != nil {
		metrics.IncRejected("unauthorized")
		s.log.Warn("rejected report", "reason", "unauthorized", "source", h.Get(SourceHeader))
		return report.ErrUnauthorized
	}
	return nil
}

// Submit authenticates, validates and stores one report. Nothing is stored
// unless every check passes. Side effects (activity log, hook) run after the
// append returns and never change the result.
func (s *Service) Submit(ctx context.Context, body []byte, h http.Header) (report.Ack, error) {
	if err := s.Authenticate(h); err != nil {
		return report.Ack{}, err
	}
	fields, err := report.Parse(body)
	if err != nil {
		metrics.IncRejected("invalid")
		s.log.Info("rejected report", "reason", "invalid payload", "error", err, "source", h.Get(SourceHeader))
		return report.Ack{}, err
	}

	e := report.NewEntry(fields, s.now(), s.domain)
	start := time.Now()
	stored, total, err := s.store.Append(ctx, e)
	metrics.ObserveAppend(time.Since(start).Seconds())
	if err != nil {
		metrics.IncRejected("storage")
		s.log.Error("append report failed", "agent_name", e.AgentName(), "error", err)
		return report.Ack{}, &report.StorageError{Op: "append", Err: err}
	}

	metrics.IncReceived(stored.Status())
	metrics.SetRetained(total)
	s.log.Info("report stored",
		"sequence_id", stored.SequenceID,
		"agent_name", stored.AgentName(),
		"status", stored.Status(),
		"total_reports", total,
		"source", h.Get(SourceHeader))

	if err := s.activity.Printf(stored.ReceivedAt, "SUCCESS: %s - Status: %s - Tasks: %s",
		stored.AgentName(), orUnknown(stored.Status()), orZero(stored.TasksCompleted())); err != nil {
		s.log.Error("activity log write failed", "error", err)
	}
	if stored.Completed() && s.hook != nil {
		s.hook.Dispatch(stored)
	}

	return report.Ack{
		SequenceID:   stored.SequenceID,
		ReceivedAt:   stored.ReceivedAt,
		TotalReports: total,
		Entry:        stored,
	}, nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (s *Service) List(ctx context.Context, limit int) ([]report.Entry, error) {
	list, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, &report.StorageError{Op: "list", Err: err}
	}
	return list, nil
}

// Count returns the number of retained reports.
func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, &report.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
