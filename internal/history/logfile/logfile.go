package logfile

import (
	"context"

	"github.com/loykin/reportsink/internal/history"
	"github.com/loykin/reportsink/internal/logger"
)

// Sink appends one "COMPLETED" line per event to a rotated plain-text log.
type Sink struct {
	log *logger.ActivityLog
}

// New opens (or creates) the log described by fc.
func New(fc logger.FileConfig) *Sink {
	return &Sink{log: logger.NewActivityLog(fc)}
}

// NewWithLog writes through an existing activity log.
func NewWithLog(l *logger.ActivityLog) *Sink {
	return &Sink{log: l}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tasks := e.Entry.TasksCompleted()
	if tasks == "" {
		tasks = "0"
	}
	return s.log.Printf(e.OccurredAt, "COMPLETED: Agent '%s' finished %s tasks", e.Entry.AgentName(), tasks)
}

func (s *Sink) Close() error { return s.log.Close() }
