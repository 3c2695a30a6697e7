package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfMetrics is a point-in-time resource sample of the running service.
type SelfMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// SelfSamplerConfig holds configuration for sampling the service's own process.
type SelfSamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// SelfSampler periodically samples CPU and memory of the current process and
// publishes them as gauges. The latest sample is served by /healthz.
type SelfSampler struct {
	enabled  bool
	interval time.Duration
	proc     *process.Process

	mu     sync.RWMutex
	last   SelfMetrics
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

// NewSelfSampler creates a sampler for the current process.
func NewSelfSampler(cfg SelfSamplerConfig) (*SelfSampler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second // default
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SelfSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		proc:     proc,
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "reportsink",
				Subsystem: "self",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the service process.",
			}, []string{"pid"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "reportsink",
				Subsystem: "self",
				Name:      "memory_mb",
				Help:      "Resident memory of the service process in MB.",
			}, []string{"pid"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "reportsink",
				Subsystem: "self",
				Name:      "num_threads",
				Help:      "Number of OS threads of the service process.",
			}, []string{"pid"},
		),
	}, nil
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *SelfSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start takes one sample immediately and then one per interval until ctx is
// done or Stop is called.
func (s *SelfSampler) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.Sample()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
}

// Stop stops the sampling loop.
func (s *SelfSampler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample reads the process counters once and updates the latest snapshot.
func (s *SelfSampler) Sample() SelfMetrics {
	m := SelfMetrics{
		PID:        s.proc.Pid,
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now().UTC(),
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "error", err)
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		m.MemoryRSS = mem.RSS
		m.MemoryMB = float64(mem.RSS) / 1024 / 1024
	} else {
		slog.Debug("Failed to get memory info", "error", err)
	}
	if n, err := s.proc.NumThreads(); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := s.proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}

	if s.enabled {
		pid := strconv.Itoa(int(m.PID))
		s.cpuPercent.WithLabelValues(pid).Set(m.CPUPercent)
		s.memoryMB.WithLabelValues(pid).Set(m.MemoryMB)
		s.numThreads.WithLabelValues(pid).Set(float64(m.NumThreads))
	}

	s.mu.Lock()
	s.last = m
	s.mu.Unlock()
	return m
}

// Last returns the most recent sample; the zero value if none was taken.
func (s *SelfSampler) Last() SelfMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
