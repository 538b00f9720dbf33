package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opencane_gateway"

// HTTP metrics, incremented by the router instrumentation middleware.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Ingest and runtime counters (incremented directly by the orchestrator and
// the adapters).
var (
	DeviceEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_events_total",
		Help:      "Inbound device events processed per type.",
	}, []string{"type"})

	DeviceEventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_events_duplicate_total",
		Help:      "Inbound events rejected by the sequence gate.",
	})

	IngestQueueDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_queue_dropped_total",
		Help:      "Envelopes dropped by adapter ingest queue overflow.",
	})

	CommandsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_sent_total",
		Help:      "Outbound commands pushed to devices per type.",
	}, []string{"type"})

	VoiceTurnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voice_turn_total",
		Help:      "Completed voice turns.",
	})

	VoiceTurnFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voice_turn_failed_total",
		Help:      "Voice turns that ended in a spoken fallback.",
	})

	VoiceTurnDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "voice_turn_duration_seconds",
		Help:      "End-to-end voice turn latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	SafetyApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_policy_applied_total",
		Help:      "Outbound texts evaluated by the safety policy.",
	})

	SafetyDowngraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_policy_downgraded_total",
		Help:      "Safety evaluations that rewrote or replaced the text.",
	})

	DigitalTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "digital_tasks_total",
		Help:      "Digital tasks reaching a terminal status.",
	}, []string{"status"})

	PushRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_retries_total",
		Help:      "Status push attempts that failed and were retried or queued.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DeviceEventsTotal,
		DeviceEventsDuplicate,
		IngestQueueDroppedTotal,
		CommandsSentTotal,
		VoiceTurnTotal,
		VoiceTurnFailed,
		VoiceTurnDuration,
		SafetyApplied,
		SafetyDowngraded,
		DigitalTasksTotal,
		PushRetriesTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
