// Package metrics exposes ledger and HTTP metrics through Prometheus.
//
// Metrics implements loyalty.Recorder, so the engine reports earn, redeem,
// rejection, conflict and task events without importing Prometheus itself.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loyalty-engine/loyalty"
)

const namespace = "loyalty"

// Metrics holds the collectors of one server instance.
type Metrics struct {
	registry *prometheus.Registry

	pointsEarned   *prometheus.CounterVec
	pointsRedeemed *prometheus.CounterVec
	operations     *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	rewardsGranted *prometheus.CounterVec
	drifted        *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ loyalty.Recorder = (*Metrics)(nil)

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pointsEarned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_earned_total",
			Help:      "Points credited to accounts, rewards included.",
		}, []string{"program_id"}),
		pointsRedeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_redeemed_total",
			Help:      "Points debited from accounts.",
		}, []string{"program_id"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Committed ledger operations by kind.",
		}, []string{"op"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejected_total",
			Help:      "Rejected ledger operations by reason.",
		}, []string{"op", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "conflict_retries_total",
			Help:      "Optimistic concurrency conflicts that were retried.",
		}, []string{"op"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completed_total",
			Help:      "Task completions.",
		}, []string{"program_id", "task_id"}),
		rewardsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "reward_points_total",
			Help:      "Reward points granted for completed tasks.",
		}, []string{"program_id"}),
		drifted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "drifted_accounts_total",
			Help:      "Accounts whose stored balance disagreed with a replay of their transactions.",
		}, []string{"program_id"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.pointsEarned,
		m.pointsRedeemed,
		m.operations,
		m.rejected,
		m.conflicts,
		m.tasksCompleted,
		m.rewardsGranted,
		m.drifted,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// LEDGER EVENTS
// =============================================================================

func (m *Metrics) Earned(programID loyalty.ProgramID, points int64) {
	m.operations.WithLabelValues("earn").Inc()
	m.pointsEarned.WithLabelValues(string(programID)).Add(float64(points))
}

func (m *Metrics) Redeemed(programID loyalty.ProgramID, points int64) {
	m.operations.WithLabelValues("redeem").Inc()
	m.pointsRedeemed.WithLabelValues(string(programID)).Add(float64(points))
}

func (m *Metrics) Rejected(op string, err error) {
	m.rejected.WithLabelValues(op, Reason(err)).Inc()
}

func (m *Metrics) Conflict(op string) {
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) TaskCompleted(programID loyalty.ProgramID, taskID loyalty.TaskID) {
	m.tasksCompleted.WithLabelValues(string(programID), string(taskID)).Inc()
}

func (m *Metrics) RewardGranted(programID loyalty.ProgramID, points int64) {
	m.rewardsGranted.WithLabelValues(string(programID)).Add(float64(points))
}

func (m *Metrics) Drifted(programID loyalty.ProgramID) {
	m.drifted.WithLabelValues(string(programID)).Inc()
}

// Reason maps an error to a low-cardinality label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, loyalty.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, loyalty.ErrNotFound):
		return "not_found"
	case errors.Is(err, loyalty.ErrDuplicateIdempotencyKey):
		return "duplicate"
	case errors.Is(err, loyalty.ErrBusy):
		return "busy"
	case errors.Is(err, loyalty.ErrProgramImmutable):
		return "immutable"
	default:
		return "internal"
	}
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request count, duration and in-flight requests. The
// route label is the chi route pattern, never the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
