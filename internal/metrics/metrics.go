package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campwatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_scrape_jobs_processed_total",
			Help: "Total scrape jobs finished by terminal status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campwatch_scrape_job_duration_seconds",
			Help:    "Time from job start to terminal state",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	snapshotsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campwatch_snapshots_recorded_total",
			Help: "Total availability snapshots written",
		},
	)

	changeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_change_events_total",
			Help: "Change events detected by type",
		},
		[]string{"change_type"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_notifications_dispatched_total",
			Help: "Notification dispatch outcomes by change type",
		},
		[]string{"change_type", "outcome"},
	)

	notificationsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_notifications_deduped_total",
			Help: "Notifications suppressed by the dedup key",
		},
		[]string{"change_type"},
	)

	sequenceSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_sequence_steps_executed_total",
			Help: "Sequence steps executed by definition",
		},
		[]string{"definition"},
	)

	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_alerts_raised_total",
			Help: "Operational alerts raised by severity",
		},
		[]string{"severity"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campwatch_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campwatch_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobProcessed records a job reaching a terminal state.
func RecordJobProcessed(status string, duration time.Duration) {
	jobsProcessed.WithLabelValues(status).Inc()
	if duration > 0 {
		jobDuration.Observe(duration.Seconds())
	}
}

// RecordSnapshot records an availability snapshot write.
func RecordSnapshot() {
	snapshotsRecorded.Inc()
}

// RecordChangeEvent records a detected change event.
func RecordChangeEvent(changeType string) {
	changeEvents.WithLabelValues(changeType).Inc()
}

// RecordNotificationDispatched records a dispatch outcome.
func RecordNotificationDispatched(changeType, outcome string) {
	notificationsDispatched.WithLabelValues(changeType, outcome).Inc()
}

// RecordNotificationDeduped records a dedup suppression.
func RecordNotificationDeduped(changeType string) {
	notificationsDeduped.WithLabelValues(changeType).Inc()
}

// RecordSequenceStep records an executed sequence step.
func RecordSequenceStep(definition string) {
	sequenceSteps.WithLabelValues(definition).Inc()
}

// RecordAlertRaised records a raised alert.
func RecordAlertRaised(severity string) {
	alertsRaised.WithLabelValues(severity).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
