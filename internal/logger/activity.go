package logger

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ActivityTimeLayout is the timestamp prefix of every activity line.
const ActivityTimeLayout = "2006-01-02 15:04:05"

// ActivityLog is an append-only plain-text log of "[time] message" lines.
// It is written but never read back by the service.
type ActivityLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewActivityLog opens a rotated activity log at fc.Path. A zero path gives a
// log that discards every line.
func NewActivityLog(fc FileConfig) *ActivityLog {
	return &ActivityLog{w: fc.Writer()}
}

// NewActivityLogWriter wraps an existing writer, mainly for tests.
func NewActivityLogWriter(w io.WriteCloser) *ActivityLog {
	return &ActivityLog{w: w}
}

// Printf writes one line stamped with t.
func (a *ActivityLog) Printf(t time.Time, format string, args ...any) error {
	if a == nil || a.w == nil {
		return nil
	}
	line := "[" + t.Format(ActivityTimeLayout) + "] " + fmt.Sprintf(format, args...) + "\n"
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := io.WriteString(a.w, line)
	return err
}

func (a *ActivityLog) Close() error {
	if a == nil || a.w == nil {
		return nil
	}
	return a.w.Close()
}
