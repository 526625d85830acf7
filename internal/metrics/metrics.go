// Package metrics provides Prometheus metrics for the resource store
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the resource store
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// REST request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	VersionsWrittenTotal   prometheus.Counter
	ResourcesLive          *prometheus.GaugeVec

	// Search metrics
	SearchQueriesTotal prometheus.Counter
	SearchResultsTotal prometheus.Counter

	// Batch metrics
	BatchesTotal      *prometheus.CounterVec
	BatchEntriesTotal *prometheus.CounterVec

	// Event publishing
	EventsPublishedTotal *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates metrics registered with the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics registered with reg
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resourcestore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "resourcestore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// REST request metrics
	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_http_requests_total",
			Help: "Total number of REST requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resourcestore_http_request_duration_seconds",
			Help:    "Duration of REST requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Store metrics
	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "resource_type", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resourcestore_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.VersionsWrittenTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "resourcestore_versions_written_total",
			Help: "Total number of version records appended, tombstones included",
		},
	)

	m.ResourcesLive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resourcestore_resources_live",
			Help: "Number of entities whose current version is not a tombstone",
		},
		[]string{"resource_type"},
	)

	// Search metrics
	m.SearchQueriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "resourcestore_search_queries_total",
			Help: "Total number of search queries",
		},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "resourcestore_search_results_total",
			Help: "Total number of search results returned",
		},
	)

	// Batch metrics
	m.BatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_batches_total",
			Help: "Total number of batch bundles executed",
		},
		[]string{"type"},
	)

	m.BatchEntriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_batch_entries_total",
			Help: "Total number of batch entries by method and response status",
		},
		[]string{"method", "status"},
	)

	m.EventsPublishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resourcestore_events_published_total",
			Help: "Total number of change events published",
		},
		[]string{"status"},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "resourcestore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime periodically updates the uptime gauge until stop is closed
func (m *Metrics) RunUptime(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		case <-stop:
			return
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHTTPRequest records a REST request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *Metrics) RecordStoreOperation(operation, resourceType, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, resourceType, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordVersionWritten counts an appended version and adjusts the live gauge
func (m *Metrics) RecordVersionWritten(resourceType string, liveDelta int) {
	m.VersionsWrittenTotal.Inc()
	if liveDelta != 0 {
		m.ResourcesLive.WithLabelValues(resourceType).Add(float64(liveDelta))
	}
}

// RecordSearch records a search and the number of entries returned
func (m *Metrics) RecordSearch(returned int) {
	m.SearchQueriesTotal.Inc()
	m.SearchResultsTotal.Add(float64(returned))
}

// RecordBatch counts an executed batch bundle
func (m *Metrics) RecordBatch(bundleType string) {
	m.BatchesTotal.WithLabelValues(bundleType).Inc()
}

// RecordBatchEntry counts one batch entry result
func (m *Metrics) RecordBatchEntry(method, status string) {
	m.BatchEntriesTotal.WithLabelValues(method, status).Inc()
}

// RecordEventPublished counts a change event delivery attempt
func (m *Metrics) RecordEventPublished(status string) {
	m.EventsPublishedTotal.WithLabelValues(status).Inc()
}
