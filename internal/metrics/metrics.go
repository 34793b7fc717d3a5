// Package metrics provides Prometheus collectors for the processing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scribedrop"

// Metrics holds every collector the service exports.
type Metrics struct {
	JobsCreated     prometheus.Counter
	UploadsTotal    prometheus.Counter
	UploadBytes     prometheus.Counter
	ProcessingTotal *prometheus.CounterVec
	ProcessingTime  prometheus.Histogram
	ProcessingLive  prometheus.Gauge

	EngineAttempts *prometheus.CounterVec
	EngineLatency  *prometheus.HistogramVec

	WatchdogChecked prometheus.Counter
	WatchdogMarked  *prometheus.CounterVec

	ResultReads prometheus.Counter
	AuditErrors prometheus.Counter
	Events      *prometheus.CounterVec
	LockResults *prometheus.CounterVec
}

// DefaultMetrics is the global instance; promauto registers on creation so
// there must be exactly one.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of transcription jobs created",
		}),
		UploadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of audio uploads stored",
		}),
		UploadBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total audio bytes stored",
		}),
		ProcessingTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_total",
			Help:      "Processing invocations by outcome",
		}, []string{"outcome"}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Wall time of one StartProcessing invocation",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ProcessingLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processing_in_flight",
			Help:      "Processing invocations currently running in this process",
		}),
		EngineAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_attempts_total",
			Help:      "Engine requests by strategy and failure kind (ok on success)",
		}, []string{"strategy", "result"}),
		EngineLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_latency_seconds",
			Help:      "Engine request latency by strategy",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"strategy"}),
		WatchdogChecked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_checked_total",
			Help:      "Running jobs inspected by the watchdog",
		}),
		WatchdogMarked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_marked_total",
			Help:      "Stale jobs the watchdog tried to fail, by result",
		}, []string{"result"}),
		ResultReads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_reads_total",
			Help:      "Transcript results served",
		}),
		AuditErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Best-effort export audit writes that failed",
		}),
		Events: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Job lifecycle events by type and publish result",
		}, []string{"type", "result"}),
		LockResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_lock_total",
			Help:      "Processing lock acquisitions by result (acquired, held, error)",
		}, []string{"result"}),
	}
}

// RecordProcessing records the end of one processing invocation.
func (m *Metrics) RecordProcessing(outcome string, seconds float64) {
	m.ProcessingTotal.WithLabelValues(outcome).Inc()
	m.ProcessingTime.Observe(seconds)
}

// RecordEngineAttempt records one engine request.
func (m *Metrics) RecordEngineAttempt(strategy, result string, seconds float64) {
	m.EngineAttempts.WithLabelValues(strategy, result).Inc()
	m.EngineLatency.WithLabelValues(strategy).Observe(seconds)
}

// RecordSweep records a watchdog pass.
func (m *Metrics) RecordSweep(checked, succeeded, failed int) {
	m.WatchdogChecked.Add(float64(checked))
	m.WatchdogMarked.WithLabelValues("ok").Add(float64(succeeded))
	m.WatchdogMarked.WithLabelValues("failed").Add(float64(failed))
}

// RecordUpload records one stored upload.
func (m *Metrics) RecordUpload(bytes int64) {
	m.UploadsTotal.Inc()
	m.UploadBytes.Add(float64(bytes))
}

// RecordEvent records one publish attempt. err nil counts as ok.
func (m *Metrics) RecordEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Events.WithLabelValues(eventType, result).Inc()
}

// RecordLock records one processing-lock acquisition.
func (m *Metrics) RecordLock(result string) {
	m.LockResults.WithLabelValues(result).Inc()
}
