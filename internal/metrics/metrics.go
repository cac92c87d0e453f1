// Package metrics provides Prometheus metrics for GRIDRUN monitoring.
// Exports HTTP, job lifecycle, worker fleet, scheduler, and push-channel
// metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for GRIDRUN.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Job Metrics
	JobsByStatus      *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge
	JobsFinishedTotal *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	RequeuesTotal     *prometheus.CounterVec

	// Worker Metrics
	WorkersByStatus     *prometheus.GaugeVec
	WorkersOfflineTotal prometheus.Counter
	ReservedCpu         prometheus.Gauge
	ReservedRamMb       prometheus.Gauge

	// Scheduler Metrics
	SweepDuration    prometheus.Histogram
	SweepsTotal      prometheus.Counter
	AssignmentsTotal prometheus.Counter

	// Push Channel Metrics
	PushConnectionsGauge prometheus.Gauge
	PushFramesTotal      *prometheus.CounterVec

	// State Store Metrics
	StoreWritesTotal *prometheus.CounterVec

	// System Metrics
	BuildInfo   *prometheus.GaugeVec
	StartupTime prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gridrun",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// Job Metrics
	m.JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "jobs",
			Name:      "by_status",
			Help:      "Current number of jobs in each lifecycle state",
		},
		[]string{"status"},
	)

	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting to be assigned",
		},
	)

	m.JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of jobs reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	m.JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridrun",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall time from job start to terminal result",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	m.RequeuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "jobs",
			Name:      "requeues_total",
			Help:      "Total number of retry-rule applications by trigger",
		},
		[]string{"trigger"},
	)

	// Worker Metrics
	m.WorkersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "workers",
			Name:      "by_status",
			Help:      "Current number of workers in each health state",
		},
		[]string{"status"},
	)

	m.WorkersOfflineTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "workers",
			Name:      "offline_total",
			Help:      "Total number of workers declared dead after missed heartbeats",
		},
	)

	m.ReservedCpu = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "workers",
			Name:      "reserved_cpu_cores",
			Help:      "Sum of CPU cores reserved by in-flight jobs across the fleet",
		},
	)

	m.ReservedRamMb = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "workers",
			Name:      "reserved_ram_mb",
			Help:      "Sum of RAM megabytes reserved by in-flight jobs across the fleet",
		},
	)

	// Scheduler Metrics
	m.SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridrun",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Scheduler sweep duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	m.SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Total number of scheduler sweeps",
		},
	)

	m.AssignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "scheduler",
			Name:      "assignments_total",
			Help:      "Total number of job-to-worker assignments",
		},
	)

	// Push Channel Metrics
	m.PushConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "push",
			Name:      "connections",
			Help:      "Current number of connected push-channel workers",
		},
	)

	m.PushFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "push",
			Name:      "frames_total",
			Help:      "Total number of push frames sent by type",
		},
		[]string{"type"},
	)

	// State Store Metrics
	m.StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridrun",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total number of write-through operations by collection and result",
		},
		[]string{"collection", "result"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridrun",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordSweep records one scheduler sweep.
func (m *Metrics) RecordSweep(duration time.Duration, assigned int) {
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(duration.Seconds())
	if assigned > 0 {
		m.AssignmentsTotal.Add(float64(assigned))
	}
}

// RecordJobFinished records a terminal outcome (completed, failed, cancelled).
func (m *Metrics) RecordJobFinished(outcome string, duration time.Duration) {
	m.JobsFinishedTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.JobDuration.Observe(duration.Seconds())
	}
}

// RecordRequeue records one retry-rule requeue.
func (m *Metrics) RecordRequeue(trigger string) {
	m.RequeuesTotal.WithLabelValues(trigger).Inc()
}

// RecordWorkerOffline records a missed-heartbeat death.
func (m *Metrics) RecordWorkerOffline() {
	m.WorkersOfflineTotal.Inc()
}

// SetJobGauges replaces the per-status job gauges with a fresh census.
func (m *Metrics) SetJobGauges(byStatus map[string]int, queueDepth int) {
	for status, n := range byStatus {
		m.JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
	m.QueueDepth.Set(float64(queueDepth))
}

// SetWorkerGauges replaces the per-status worker gauges and fleet reservations.
func (m *Metrics) SetWorkerGauges(byStatus map[string]int, reservedCpu, reservedRamMb int) {
	for status, n := range byStatus {
		m.WorkersByStatus.WithLabelValues(status).Set(float64(n))
	}
	m.ReservedCpu.Set(float64(reservedCpu))
	m.ReservedRamMb.Set(float64(reservedRamMb))
}

// RecordPushConnection records a push-channel connection change.
func (m *Metrics) RecordPushConnection(delta int) {
	m.PushConnectionsGauge.Add(float64(delta))
}

// RecordPushFrame records one outbound push frame.
func (m *Metrics) RecordPushFrame(frameType string) {
	m.PushFramesTotal.WithLabelValues(frameType).Inc()
}

// RecordStoreWrite records a write-through result.
func (m *Metrics) RecordStoreWrite(collection string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreWritesTotal.WithLabelValues(collection, result).Inc()
}

// SetBuildInfo sets build information.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// statusCodeToLabel converts a status code to a low-cardinality label.
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
