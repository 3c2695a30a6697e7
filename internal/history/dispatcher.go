package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/reportsink/internal/metrics"
	"github.com/loykin/reportsink/internal/report"
)

// DefaultTimeout bounds a single Send when none is configured.
const DefaultTimeout = 5 * time.Second

type namedSink struct {
	name string
	sink Sink
}

// Dispatcher fans completed reports out to the registered sinks. Every Send
// runs in its own goroutine with a timeout; failures are logged and counted
// but never reach the caller.
type Dispatcher struct {
	mu      sync.RWMutex
	sinks   []namedSink
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewDispatcher creates a dispatcher. A nil logger uses slog.Default().
func NewDispatcher(log *slog.Logger, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{timeout: timeout, log: log, now: time.Now}
}

// Add registers a sink under name. The name labels logs and metrics.
func (d *Dispatcher) Add(name string, s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sinks = append(d.sinks, namedSink{name: name, sink: s})
	d.mu.Unlock()
}

// Len reports the number of registered sinks.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sinks)
}

// Dispatch emits a report.completed event for e to every sink and returns
// without waiting. It is a no-op after Close.
func (d *Dispatcher) Dispatch(e report.Entry) {
	if d == nil {
		return
	}
	// the read lock orders wg.Add before Close's Wait
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() || len(d.sinks) == 0 {
		return
	}
	ev := NewCompleted(e, d.now())
	for _, ns := range d.sinks {
		d.wg.Add(1)
		go d.send(ns, ev)
	}
}

func (d *Dispatcher) send(ns namedSink, ev Event) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panic: %v", r)
			}
		}()
		return ns.sink.Send(ctx, ev)
	}()
	metrics.IncHookSend(ns.name, err == nil)
	if err != nil {
		d.log.Error("completed-report hook failed",
			"sink", ns.name,
			"event_id", ev.ID,
			"sequence_id", ev.Entry.SequenceID,
			"agent_name", ev.Entry.AgentName(),
			"error", err)
	}
}

// Close stops accepting events, waits for in-flight sends and closes every
// sink that implements io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil
	}
	d.closed.Store(true)
	sinks := d.sinks
	d.mu.Unlock()

	d.wg.Wait()
	var errs []error
	for _, ns := range sinks {
		if c, ok := ns.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ns.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
