// Package metrics provides Prometheus metrics for the dirserve server.
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
			Name: "dirserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirserve_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	statCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_stat_cache_lookups_total",
			Help: "Stat cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	bytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirserve_bytes_streamed_total",
			Help: "Total file bytes handed to response sinks",
		},
	)

	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_file_streams_total",
			Help: "File transfers by outcome",
		},
		[]string{"status"},
	)

	listingEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_listing_entries_total",
			Help: "Directory listing entries by outcome (emitted, dropped)",
		},
		[]string{"result"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirserve_upload_bytes_total",
			Help: "Total bytes stored by uploads",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	method = methodLabel(method)
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// methodLabel keeps the method label set bounded; unknown tokens are "other".
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return method
	default:
		return "other"
	}
}

func RecordStatHit()   { statCacheLookups.WithLabelValues("hit").Inc() }
func RecordStatMiss()  { statCacheLookups.WithLabelValues("miss").Inc() }
func RecordStatError() { statCacheLookups.WithLabelValues("error").Inc() }

// RecordStream records a finished file transfer.
func RecordStream(bytes uint64, success bool) {
	bytesStreamed.Add(float64(bytes))
	streamsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordListingEntry counts one resolved (or dropped) listing row.
func RecordListingEntry(emitted bool) {
	if emitted {
		listingEntries.WithLabelValues("emitted").Inc()
		return
	}
	listingEntries.WithLabelValues("dropped").Inc()
}

// RecordUpload records an upload attempt.
func RecordUpload(bytes int64, success bool) {
	if success {
		uploadBytes.Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(outcome(success)).Inc()
}

func outcome(success bool) string {
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
