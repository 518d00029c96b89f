// Package metrics provides Prometheus-based metrics collection for
// bulkprobe. Both the controller and the worker register their
// collectors here and expose them over the operational HTTP server.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all bulkprobe metrics
	namespace = "bulkprobe"

	// Subsystems
	subsystemPublish = "publish"
	subsystemJob     = "job"
	subsystemBus     = "bus"
	subsystemStore   = "store"
	subsystemMonitor = "monitor"
	subsystemSystem  = "system"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// Publisher metrics
	targetsParsed  *prometheus.CounterVec
	jobsPublished  prometheus.Counter
	publishErrors  prometheus.Counter
	publishSeconds prometheus.Histogram

	// Worker job metrics
	jobsCompleted *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	activeWorkers prometheus.Gauge
	activeScans   prometheus.Gauge

	// Bus metrics
	busPublished *prometheus.CounterVec
	busConsumed  *prometheus.CounterVec
	busErrors    *prometheus.CounterVec

	// Store metrics
	storeQueries       *prometheus.CounterVec
	storeQueryDuration *prometheus.HistogramVec

	// Monitor metrics
	monitoredBulkScans prometheus.Gauge
	bulkScansFinalized prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
	registry  *prometheus.Registry
}

// New creates a metrics instance with all collectors registered on a
// fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,
	}

	m.initPublishMetrics()
	m.initJobMetrics()
	m.initBusMetrics()
	m.initStoreMetrics()
	m.initMonitorMetrics()
	m.initSystemMetrics()
	m.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) initPublishMetrics() {
	m.targetsParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPublish,
			Name:      "targets_total",
			Help:      "Total number of parsed targets by initial status",
		},
		[]string{"status"},
	)

	m.jobsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPublish,
			Name:      "jobs_total",
			Help:      "Total number of scan jobs published to the bus",
		},
	)

	m.publishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPublish,
			Name:      "errors_total",
			Help:      "Total number of failed job publish attempts",
		},
	)

	m.publishSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemPublish,
			Name:      "duration_seconds",
			Help:      "Duration of whole bulk scan publish runs in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
	)
}

func (m *Metrics) initJobMetrics() {
	m.jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "completed_total",
			Help:      "Total number of completed scan jobs by terminal status",
		},
		[]string{"status"},
	)

	m.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "scan_duration_seconds",
			Help:      "Duration of individual scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 840.0},
		},
		[]string{"kind"},
	)

	m.activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "active_bulk_workers",
			Help:      "Number of live per-bulk-scan workers",
		},
	)

	m.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemJob,
			Name:      "active_scans",
			Help:      "Number of scans currently executing",
		},
	)
}

func (m *Metrics) initBusMetrics() {
	m.busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBus,
			Name:      "published_total",
			Help:      "Total number of messages published by queue",
		},
		[]string{"queue"},
	)

	m.busConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBus,
			Name:      "consumed_total",
			Help:      "Total number of messages consumed by queue",
		},
		[]string{"queue"},
	)

	m.busErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBus,
			Name:      "errors_total",
			Help:      "Total number of bus errors by queue and error type",
		},
		[]string{"queue", "error_type"},
	)
}

func (m *Metrics) initStoreMetrics() {
	m.storeQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "queries_total",
			Help:      "Total number of store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.storeQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemStore,
			Name:      "query_duration_seconds",
			Help:      "Duration of store operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)
}

func (m *Metrics) initMonitorMetrics() {
	m.monitoredBulkScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "bulk_scans_active",
			Help:      "Number of bulk scans currently monitored",
		},
	)

	m.bulkScansFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMonitor,
			Name:      "bulk_scans_finalized_total",
			Help:      "Total number of finalized bulk scans",
		},
	)
}

func (m *Metrics) initSystemMetrics() {
	m.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	m.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.targetsParsed)
	m.registry.MustRegister(m.jobsPublished)
	m.registry.MustRegister(m.publishErrors)
	m.registry.MustRegister(m.publishSeconds)

	m.registry.MustRegister(m.jobsCompleted)
	m.registry.MustRegister(m.scanDuration)
	m.registry.MustRegister(m.activeWorkers)
	m.registry.MustRegister(m.activeScans)

	m.registry.MustRegister(m.busPublished)
	m.registry.MustRegister(m.busConsumed)
	m.registry.MustRegister(m.busErrors)

	m.registry.MustRegister(m.storeQueries)
	m.registry.MustRegister(m.storeQueryDuration)

	m.registry.MustRegister(m.monitoredBulkScans)
	m.registry.MustRegister(m.bulkScansFinalized)

	m.registry.MustRegister(m.memoryUsage)
	m.registry.MustRegister(m.goroutines)
	m.registry.MustRegister(m.uptime)
}

// Registry returns the Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publisher metrics

// IncrementTargetsParsed counts one parsed target by its initial status.
func (m *Metrics) IncrementTargetsParsed(status string) {
	m.targetsParsed.WithLabelValues(status).Inc()
}

// IncrementJobsPublished counts one published scan job.
func (m *Metrics) IncrementJobsPublished() {
	m.jobsPublished.Inc()
}

// IncrementPublishErrors counts one failed publish attempt.
func (m *Metrics) IncrementPublishErrors() {
	m.publishErrors.Inc()
}

// RecordPublishDuration records the duration of one whole publish run.
func (m *Metrics) RecordPublishDuration(duration time.Duration) {
	m.publishSeconds.Observe(duration.Seconds())
}

// Worker metrics

// IncrementJobsCompleted counts one completed job by terminal status.
func (m *Metrics) IncrementJobsCompleted(status string) {
	m.jobsCompleted.WithLabelValues(status).Inc()
}

// RecordScanDuration records one scan's duration.
func (m *Metrics) RecordScanDuration(kind string, duration time.Duration) {
	m.scanDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetActiveBulkWorkers sets the number of live per-bulk workers.
func (m *Metrics) SetActiveBulkWorkers(count int) {
	m.activeWorkers.Set(float64(count))
}

// AddActiveScans adjusts the number of executing scans.
func (m *Metrics) AddActiveScans(delta int) {
	m.activeScans.Add(float64(delta))
}

// Bus metrics

// IncrementBusPublished counts one published message.
func (m *Metrics) IncrementBusPublished(queue string) {
	m.busPublished.WithLabelValues(queue).Inc()
}

// IncrementBusConsumed counts one consumed message.
func (m *Metrics) IncrementBusConsumed(queue string) {
	m.busConsumed.WithLabelValues(queue).Inc()
}

// IncrementBusErrors counts one bus error.
func (m *Metrics) IncrementBusErrors(queue, errorType string) {
	m.busErrors.WithLabelValues(queue, errorType).Inc()
}

// Store metrics

// RecordStoreQuery counts one store operation and records its duration.
func (m *Metrics) RecordStoreQuery(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.storeQueries.WithLabelValues(operation, status).Inc()
	m.storeQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Monitor metrics

// SetMonitoredBulkScans sets the number of monitored bulk scans.
func (m *Metrics) SetMonitoredBulkScans(count int) {
	m.monitoredBulkScans.Set(float64(count))
}

// IncrementBulkScansFinalized counts one finalized bulk scan.
func (m *Metrics) IncrementBulkScansFinalized() {
	m.bulkScansFinalized.Inc()
}

// System metrics

// UpdateSystemMetrics refreshes memory, goroutine and uptime gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.uptime.Set(time.Since(m.startTime).Seconds())
}

// StartPeriodicUpdates refreshes system metrics until the context ends.
func (m *Metrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}
