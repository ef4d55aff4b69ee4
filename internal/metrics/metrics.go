// Package metrics defines the Prometheus collectors exported by Cairn.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairn_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairn_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairn_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairn_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Engine metrics.
var (
	// S3OperationsTotal counts S3 operations by operation name and outcome
	// ("success" or the S3 error code).
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairn_s3_operations_total",
			Help: "S3 operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	BucketsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cairn_buckets_total",
		Help: "Total buckets",
	})

	// VersionsTotal counts stored object versions, delete markers excluded.
	VersionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cairn_object_versions_total",
		Help: "Object versions across all buckets",
	})

	DeleteMarkersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cairn_delete_markers_total",
		Help: "Delete markers across all buckets",
	})

	MultipartUploadsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cairn_multipart_uploads_active",
		Help: "Multipart upload sessions in the ACTIVE state",
	})

	// BlobBytes is the size of all payloads held by the blob store. Identical
	// payloads are counted once.
	BlobBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cairn_blob_bytes",
		Help: "Bytes held by the content-addressed blob store",
	})

	BytesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cairn_bytes_received_total",
		Help: "Total bytes received (request bodies)",
	})

	BytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cairn_bytes_sent_total",
		Help: "Total bytes sent (response bodies)",
	})

	// LifecycleActionsTotal counts actions taken by the lifecycle sweeper.
	LifecycleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairn_lifecycle_actions_total",
			Help: "Lifecycle sweeper actions by kind",
		},
		[]string{"action"},
	)
)

// Register registers all collectors with the default registry. Calling it
// more than once is a no-op.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			S3OperationsTotal,
			BucketsTotal,
			VersionsTotal,
			DeleteMarkersTotal,
			MultipartUploadsActive,
			BlobBytes,
			BytesReceivedTotal,
			BytesSentTotal,
			LifecycleActionsTotal,
		)
		S3OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// Observe records the outcome of one engine operation.
func Observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = s3err.From(err).Code
	}
	S3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// NormalizePath maps request paths to low-cardinality label values.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/_cairn/") {
		return path
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 || trimmed[idx+1:] == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
