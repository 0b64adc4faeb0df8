package job

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects job execution metrics.
//
// Metrics exposed (all namespaced with "jobcontinue_"):
//
//  1. inflight_attempts (gauge): attempts currently running.
//     Labels: job_kind.
//  2. attempts_total (counter): finished attempts.
//     Labels: job_kind, status (completed/interrupted/failed).
//  3. attempt_duration_ms (histogram): wall time of an attempt.
//     Labels: job_kind, status.
//  4. items_processed_total (counter): advanced items.
//     Labels: job_kind, stage.
//  5. checkpoint_saves_total (counter): checkpoint writes.
//     Labels: job_kind, result (ok/conflict/error).
//  6. checkpoint_save_latency_ms (histogram): store write latency.
//     Labels: job_kind.
//  7. stage_duration_ms (histogram): time spent in a completed stage within
//     one attempt. Labels: job_kind, stage.
//  8. resumptions_total (counter): attempts that resumed a checkpoint.
//     Labels: job_kind.
//
// Instance keys are not used as labels.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := job.NewPrometheusMetrics(registry)
//	engine, _ := job.New(def, st, job.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, which records nothing.
type PrometheusMetrics struct {
	inflight        *prometheus.GaugeVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	items           *prometheus.CounterVec
	saves           *prometheus.CounterVec
	saveLatency     *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	resumptions     *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all job metrics with registry.
// A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	durationBuckets := []float64{10, 100, 1000, 10000, 60000, 600000, 3600000} // 10ms to 1h

	return &PrometheusMetrics{
		enabled: true,
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobcontinue",
			Name:      "inflight_attempts",
			Help:      "Number of job attempts currently running",
		}, []string{"job_kind"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobcontinue",
			Name:      "attempts_total",
			Help:      "Finished job attempts by terminal status",
		}, []string{"job_kind", "status"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobcontinue",
			Name:      "attempt_duration_ms",
			Help:      "Wall time of one job attempt in milliseconds",
			Buckets:   durationBuckets,
		}, []string{"job_kind", "status"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobcontinue",
			Name:      "items_processed_total",
			Help:      "Work items processed and advanced past",
		}, []string{"job_kind", "stage"}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobcontinue",
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint writes by result",
		}, []string{"job_kind", "result"}),
		saveLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobcontinue",
			Name:      "checkpoint_save_latency_ms",
			Help:      "Checkpoint store write latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"job_kind"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobcontinue",
			Name:      "stage_duration_ms",
			Help:      "Time spent completing a stage within one attempt in milliseconds",
			Buckets:   durationBuckets,
		}, []string{"job_kind", "stage"}),
		resumptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobcontinue",
			Name:      "resumptions_total",
			Help:      "Attempts that resumed an existing checkpoint",
		}, []string{"job_kind"}),
	}
}

func (pm *PrometheusMetrics) active() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// AttemptStarted increments the inflight gauge.
func (pm *PrometheusMetrics) AttemptStarted(jobKind string) {
	if !pm.active() {
		return
	}
	pm.inflight.WithLabelValues(jobKind).Inc()
}

// AttemptFinished decrements the inflight gauge and records the outcome.
func (pm *PrometheusMetrics) AttemptFinished(jobKind string, status Status, elapsed time.Duration) {
	if !pm.active() {
		return
	}
	pm.inflight.WithLabelValues(jobKind).Dec()
	pm.attempts.WithLabelValues(jobKind, status.String()).Inc()
	pm.attemptDuration.WithLabelValues(jobKind, status.String()).Observe(float64(elapsed.Milliseconds()))
}

// ItemProcessed counts one advanced item.
func (pm *PrometheusMetrics) ItemProcessed(jobKind, stage string) {
	if !pm.active() {
		return
	}
	pm.items.WithLabelValues(jobKind, stage).Inc()
}

// CheckpointSaved records a checkpoint write. result is "ok", "conflict" or
// "error".
func (pm *PrometheusMetrics) CheckpointSaved(jobKind string, latency time.Duration, result string) {
	if !pm.active() {
		return
	}
	pm.saves.WithLabelValues(jobKind, result).Inc()
	pm.saveLatency.WithLabelValues(jobKind).Observe(float64(latency.Milliseconds()))
}

// StageCompleted records the time a stage took in the current attempt.
func (pm *PrometheusMetrics) StageCompleted(jobKind, stage string, elapsed time.Duration) {
	if !pm.active() {
		return
	}
	pm.stageDuration.WithLabelValues(jobKind, stage).Observe(float64(elapsed.Milliseconds()))
}

// Resumed counts an attempt that continued an existing checkpoint.
func (pm *PrometheusMetrics) Resumed(jobKind string) {
	if !pm.active() {
		return
	}
	pm.resumptions.WithLabelValues(jobKind).Inc()
}

// Disable temporarily stops metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the inflight gauge. Counters and histograms are cumulative
// and keep their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflight.Reset()
}
