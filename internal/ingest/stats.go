package ingest

import (
	"context"
	"time"

	"github.com/loykin/reportsink/internal/report"
)

// Stats summarises the retained reports.
type Stats struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	Errors         int            `json:"errors"`
	ByStatus       map[string]int `json:"by_status"`
	ByAgent        map[string]int `json:"by_agent"`
	TasksCompleted int64          `json:"tasks_completed"`
	Latest         *time.Time     `json:"latest,omitempty"`
}

// Summarize aggregates entries. Reports without a status count as "unknown".
func Summarize(entries []report.Entry) Stats {
	st := Stats{
		Total:    len(entries),
		ByStatus: make(map[string]int),
		ByAgent:  make(map[string]int),
	}
	for _, e := range entries {
		status := orUnknown(e.Status())
		st.ByStatus[status]++
		st.ByAgent[e.AgentName()]++
		switch status {
		case report.StatusCompleted:
			st.Completed++
		case report.StatusError:
			st.Errors++
		}
		if n, ok := e.TasksCompletedInt(); ok {
			st.TasksCompleted += n
		}
		if st.Latest == nil || e.ReceivedAt.After(*st.Latest) {
			t := e.ReceivedAt
			st.Latest = &t
		}
	}
	return st
}

// Stats aggregates every retained report.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(entries), nil
}
