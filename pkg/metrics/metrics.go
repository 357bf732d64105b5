package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_jobs_total",
			Help: "Total number of completed jobs by action and status",
		},
		[]string{"action", "status"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_active_jobs",
			Help: "Number of jobs currently running",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_job_duration_seconds",
			Help:    "Job execution time in seconds by action",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"action"},
	)

	SchedulingRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_scheduling_rounds_total",
			Help: "Total number of scheduler driver rounds",
		},
	)

	// Resource metrics
	ResourceInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_resource_in_use",
			Help: "Current resource token reservations by kind",
		},
		[]string{"kind"},
	)

	// Cache maintenance metrics
	CacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_cache_size_bytes",
			Help: "Last computed artifact cache size in bytes",
		},
	)

	CacheCleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_cache_cleanups_total",
			Help: "Total number of cache cleanup jobs run",
		},
	)

	// Queue metrics
	QueueElements = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forge_queue_elements",
			Help: "Elements per queue by state",
		},
		[]string{"queue", "state"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(SchedulingRounds)
	prometheus.MustRegister(ResourceInUse)
	prometheus.MustRegister(CacheSizeBytes)
	prometheus.MustRegister(CacheCleanupsTotal)
	prometheus.MustRegister(QueueElements)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the /metrics endpoint on addr. It blocks, so callers run
// it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
