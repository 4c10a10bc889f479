// Package metrics defines the MonitoringService capability the worker and
// controller report through, plus a Prometheus-backed implementation and a
// no-op implementation for tests and callers who don't want metrics wired
// up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MonitoringService is the capability the worker and controller report
// operational events through. It mirrors the teacher library's own
// clientlibrary/metrics.MonitoringService import.
type MonitoringService interface {
	// LeaseRenewed records a successful heartbeat/ownership renewal for a shard.
	LeaseRenewed(appName, shardID string)
	// LeaseLost records a conditional-check failure that cost a worker its shard.
	LeaseLost(appName, shardID string)
	// RecordsProcessed adds count records that succeeded or were skipped
	// under RetryAndSkip after exhausting their retries.
	RecordsProcessed(appName, shardID string, count int)
	// RecordProcessFailed records a record that exhausted its retry budget
	// under RetryAndStop and stopped its batch.
	RecordProcessFailed(appName, shardID string)
	// CheckpointAdvanced records a successful checkpoint write.
	CheckpointAdvanced(appName, shardID string)
	// FetchLatency records how long one getRecords round trip took.
	FetchLatency(appName, shardID string, d time.Duration)
	// WorkersActive sets the current count of running shard workers for an app.
	WorkersActive(appName string, count int)
}

var (
	leaseRenewedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_lease_renewed_total",
		Help: "count of successful heartbeat/ownership renewals per shard",
	}, []string{"app", "shard"})

	leaseLostCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_lease_lost_total",
		Help: "count of conditional-check failures that cost a worker its shard",
	}, []string{"app", "shard"})

	recordsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_records_processed_total",
		Help: "count of records processed successfully or skipped under RetryAndSkip",
	}, []string{"app", "shard"})

	recordFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_record_process_failed_total",
		Help: "count of records that exhausted their retry budget under RetryAndStop",
	}, []string{"app", "shard"})

	checkpointAdvancedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkit_checkpoint_advanced_total",
		Help: "count of successful checkpoint writes",
	}, []string{"app", "shard"})

	fetchLatencyHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardkit_fetch_latency_seconds",
		Help:    "latency of getRecords round trips against the stream gateway",
		Buckets: prometheus.DefBuckets,
	}, []string{"app", "shard"})

	workersActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardkit_workers_active",
		Help: "current count of running shard workers per application",
	}, []string{"app"})
)

// PrometheusMonitoringService reports through the default Prometheus
// registry via promauto, matching the pack's estuary-flow style of
// package-level registered collectors.
type PrometheusMonitoringService struct{}

func NewPrometheusMonitoringService() PrometheusMonitoringService {
	return PrometheusMonitoringService{}
}

func (PrometheusMonitoringService) LeaseRenewed(appName, shardID string) {
	leaseRenewedCounter.WithLabelValues(appName, shardID).Inc()
}

func (PrometheusMonitoringService) LeaseLost(appName, shardID string) {
	leaseLostCounter.WithLabelValues(appName, shardID).Inc()
}

func (PrometheusMonitoringService) RecordsProcessed(appName, shardID string, count int) {
	recordsProcessedCounter.WithLabelValues(appName, shardID).Add(float64(count))
}

func (PrometheusMonitoringService) RecordProcessFailed(appName, shardID string) {
	recordFailedCounter.WithLabelValues(appName, shardID).Inc()
}

func (PrometheusMonitoringService) CheckpointAdvanced(appName, shardID string) {
	checkpointAdvancedCounter.WithLabelValues(appName, shardID).Inc()
}

func (PrometheusMonitoringService) FetchLatency(appName, shardID string, d time.Duration) {
	fetchLatencyHistogram.WithLabelValues(appName, shardID).Observe(d.Seconds())
}

func (PrometheusMonitoringService) WorkersActive(appName string, count int) {
	workersActiveGauge.WithLabelValues(appName).Set(float64(count))
}

// NoopMonitoringService discards everything. It is the default when a
// caller doesn't configure a MonitoringService.
type NoopMonitoringService struct{}

func (NoopMonitoringService) LeaseRenewed(string, string)          {}
func (NoopMonitoringService) LeaseLost(string, string)             {}
func (NoopMonitoringService) RecordsProcessed(string, string, int) {}
func (NoopMonitoringService) RecordProcessFailed(string, string)   {}
func (NoopMonitoringService) CheckpointAdvanced(string, string)    {}
func (NoopMonitoringService) FetchLatency(string, string, time.Duration) {}
func (NoopMonitoringService) WorkersActive(string, int)            {}
