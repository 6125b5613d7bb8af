package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Jobs accepted by the API"}, []string{"type"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Create requests rejected by rate limiter"})
	JobsSucceeded     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that ended in failure"}, []string{"type"})
	JobsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs terminated by cooperative cancellation"})
	JobsRedelivered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_redelivery_scheduled_total", Help: "Failed deliveries scheduled for another attempt"})
	JobsDeadLettered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Deliveries moved to the DLQ"})
	JobDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"type", "status"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	StreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stream_connections", Help: "Open live stream connections in this process"})
	EventsDelivered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_delivered_total", Help: "Events queued to local connections"})
	EventsDropped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stream_events_dropped_total", Help: "Events not delivered to a connection"}, []string{"reason"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsCancelled,
			JobsRedelivered,
			JobsDeadLettered,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			StreamConnections,
			EventsDelivered,
			EventsDropped,
		)
	})
	return promhttp.Handler()
}
