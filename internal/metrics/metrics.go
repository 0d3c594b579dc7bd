// Package metrics provides Prometheus metrics for the Cumulus server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cumulus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_content_bytes_downloaded_total",
			Help: "Total bytes streamed to download clients",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_content_bytes_uploaded_total",
			Help: "Total bytes accepted from upload clients",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cumulus_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cumulus_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	objectStoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cumulus_object_store_operation_duration_seconds",
			Help:    "Object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	objectStoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_object_store_operations_total",
			Help: "Total object store operations",
		},
		[]string{"operation", "status"},
	)

	quotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_quota_exceeded_total",
			Help: "Total quota exceeded rejections",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	orphanBlobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_orphan_blobs_total",
			Help: "Blobs left behind when a compensation delete failed",
		},
	)

	reaperSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cumulus_reaper_sweep_duration_seconds",
			Help:    "Trash reaper sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	reaperDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulus_reaper_deleted_total",
			Help: "Nodes permanently deleted by the trash reaper",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cumulus_events_published_total",
			Help: "Lifecycle events published to the broadcaster",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordObjectStoreOp records an object store operation.
func RecordObjectStoreOp(operation string, duration time.Duration, success bool) {
	objectStoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	objectStoreOpsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordQuotaExceeded records a quota exceeded rejection.
func RecordQuotaExceeded() {
	quotaExceededTotal.Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordOrphanBlob records a blob whose compensation delete failed and which
// now needs sweep cleanup.
func RecordOrphanBlob() {
	orphanBlobsTotal.Inc()
}

// RecordReaperSweep records a completed trash reaper sweep.
func RecordReaperSweep(duration time.Duration, deleted int64) {
	reaperSweepDuration.Observe(duration.Seconds())
	reaperDeletedTotal.Add(float64(deleted))
}

// RecordEventPublished records a lifecycle event publication.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
