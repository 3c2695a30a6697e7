package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	reportsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportsink",
			Subsystem: "reports",
			Name:      "received_total",
			Help:      "Number of accepted reports by status field.",
		}, []string{"status"},
	)
	reportsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportsink",
			Subsystem: "reports",
			Name:      "rejected_total",
			Help:      "Number of rejected submissions by reason (unauthorized, invalid, too_large, storage).",
		}, []string{"reason"},
	)
	reportsRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reportsink",
			Subsystem: "reports",
			Name:      "retained",
			Help:      "Number of reports currently held by the store.",
		},
	)
	appendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reportsink",
			Subsystem: "store",
			Name:      "append_duration_seconds",
			Help:      "Time spent appending one report to the store.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	hookSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportsink",
			Subsystem: "hook",
			Name:      "sends_total",
			Help:      "Completed-report hook deliveries by sink and result.",
		}, []string{"sink", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reportsink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{reportsReceived, reportsRejected, reportsRetained, appendDuration, hookSends, httpRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncReceived(status string) {
	if regOK.Load() {
		if status == "" {
			status = "unknown"
		}
		reportsReceived.WithLabelValues(status).Inc()
	}
}

func IncRejected(reason string) {
	if regOK.Load() {
		reportsRejected.WithLabelValues(reason).Inc()
	}
}

func SetRetained(n int) {
	if regOK.Load() {
		reportsRetained.Set(float64(n))
	}
}

func ObserveAppend(seconds float64) {
	if regOK.Load() {
		appendDuration.Observe(seconds)
	}
}

func IncHookSend(sink string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		hookSends.WithLabelValues(sink, result).Inc()
	}
}

func IncHTTPRequest(method, route, code string) {
	if regOK.Load() {
		httpRequests.WithLabelValues(method, route, code).Inc()
	}
}
