package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/reportsink/internal/report"
)

// EventType defines the kind of report event.
type EventType string

const (
	EventCompleted EventType = "report.completed"
)

// Event represents a stored report exported to external systems.
type Event struct {
	ID         string       `json:"id"`
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Entry      report.Entry `json:"report"`
}

// NewCompleted wraps e in a report.completed event with a fresh id.
func NewCompleted(e report.Entry, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventCompleted,
		OccurredAt: at.UTC(),
		Entry:      e,
	}
}

// Sink is a destination for report events (audit logs, analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
