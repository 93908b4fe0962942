package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the lending indexer
type PrometheusMetrics struct {
	// Event processing metrics
	EventsProcessedTotal    *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
	LogsSkippedTotal        *prometheus.CounterVec
	LiquidationsTotal       prometheus.Counter

	// Indexer metrics
	BackfillWindowsTotal *prometheus.CounterVec
	BackfillDuration     prometheus.Histogram
	LatestCheckpoint     prometheus.Gauge
	ChainHead            prometheus.Gauge
	BlocksBehind         prometheus.Gauge
	IndexerState         prometheus.Gauge
	LiveReconnectsTotal  prometheus.Counter

	// Snapshot metrics
	SnapshotsTotal     *prometheus.CounterVec
	SnapshotDuration   prometheus.Histogram
	MarketsSnapshotted prometheus.Gauge

	// Connection metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all Prometheus metrics on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_events_processed_total",
				Help: "Total number of decoded events handed to the processor",
			},
			[]string{"event_name", "status"},
		),

		EventProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_event_processing_duration_seconds",
				Help:    "Time spent applying individual events",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_name"},
		),

		LogsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_logs_skipped_total",
				Help: "Logs skipped without applying, by reason",
			},
			[]string{"reason"},
		),

		LiquidationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lending_indexer_liquidations_total",
				Help: "Total number of liquidation records written",
			},
		),

		BackfillWindowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_backfill_windows_total",
				Help: "Backfill block windows attempted, by status",
			},
			[]string{"status"},
		),

		BackfillDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_backfill_window_duration_seconds",
				Help:    "Time spent on one backfill window",
				Buckets: prometheus.DefBuckets,
			},
		),

		LatestCheckpoint: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_checkpoint_block",
				Help: "Last fully processed block",
			},
		),

		ChainHead: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_chain_head_block",
				Help: "Latest block number reported by the node",
			},
		),

		BlocksBehind: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_blocks_behind",
				Help: "Number of blocks between the checkpoint and the chain head",
			},
		),

		IndexerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_state",
				Help: "Indexer state (0 stopped, 1 backfilling, 2 live)",
			},
		),

		LiveReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lending_indexer_live_reconnects_total",
				Help: "Number of live subscription reconnects",
			},
		),

		SnapshotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_snapshots_total",
				Help: "Snapshot ticks, by status",
			},
			[]string{"status"},
		),

		SnapshotDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_snapshot_duration_seconds",
				Help:    "Time spent taking one market snapshot",
				Buckets: prometheus.DefBuckets,
			},
		),

		MarketsSnapshotted: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_markets_snapshotted",
				Help: "Number of markets in the latest snapshot",
			},
		),

		ConnectionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_connection_errors_total",
				Help: "Total number of connection errors to chain nodes",
			},
			[]string{"endpoint", "error_type"},
		),

		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_rpc_requests_total",
				Help: "Total number of RPC requests made to chain nodes",
			},
			[]string{"method", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests to chain nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_notifications_sent_total",
				Help: "Liquidation notifications delivered, by status",
			},
			[]string{"channel", "status"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_indexer_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_indexer_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lending_indexer_component_health",
				Help: "Health status of components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lending_indexer_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordEventProcessed records one processor outcome
func (m *PrometheusMetrics) RecordEventProcessed(eventName, status string, duration time.Duration) {
	m.EventsProcessedTotal.WithLabelValues(eventName, status).Inc()
	m.EventProcessingDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}

// RecordLogSkipped records a log that was not applied
func (m *PrometheusMetrics) RecordLogSkipped(reason string) {
	m.LogsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordLiquidation records a written liquidation record
func (m *PrometheusMetrics) RecordLiquidation() {
	m.LiquidationsTotal.Inc()
}

// RecordBackfillWindow records one backfill window
func (m *PrometheusMetrics) RecordBackfillWindow(status string, duration time.Duration) {
	m.BackfillWindowsTotal.WithLabelValues(status).Inc()
	m.BackfillDuration.Observe(duration.Seconds())
}

// UpdateCheckpoint sets the checkpoint gauge
func (m *PrometheusMetrics) UpdateCheckpoint(blockNumber uint64) {
	m.LatestCheckpoint.Set(float64(blockNumber))
}

// UpdateChainHead sets the head and lag gauges
func (m *PrometheusMetrics) UpdateChainHead(head, checkpoint uint64) {
	m.ChainHead.Set(float64(head))
	if head > checkpoint {
		m.BlocksBehind.Set(float64(head - checkpoint))
	} else {
		m.BlocksBehind.Set(0)
	}
}

// UpdateIndexerState sets the indexer state gauge
func (m *PrometheusMetrics) UpdateIndexerState(state int) {
	m.IndexerState.Set(float64(state))
}

// RecordLiveReconnect records a live subscription reconnect
func (m *PrometheusMetrics) RecordLiveReconnect() {
	m.LiveReconnectsTotal.Inc()
}

// RecordSnapshot records one snapshot tick
func (m *PrometheusMetrics) RecordSnapshot(status string, markets int, duration time.Duration) {
	m.SnapshotsTotal.WithLabelValues(status).Inc()
	m.SnapshotDuration.Observe(duration.Seconds())
	if status == "success" {
		m.MarketsSnapshotted.Set(float64(markets))
	}
}

// RecordConnectionError records a connection error
func (m *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	m.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordRPCRequest records an RPC request
func (m *PrometheusMetrics) RecordRPCRequest(method, status string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotification records a notification delivery attempt
func (m *PrometheusMetrics) RecordNotification(channel, status string) {
	m.NotificationsSentTotal.WithLabelValues(channel, status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates component health status
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
