// Package telemetry provides logging setup and Prometheus metrics for the image
// service and device monitor.
//
// All metrics are registered against the default Prometheus registry and are
// exposed on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<SIKESA_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// The endpoint is never served by the gin router.
//
// HTTP metrics use c.FullPath() (the route template, e.g. /images/:imageToken)
// rather than the raw URL so image tokens do not become label values.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Image metrics.
//
// ImageUploadsTotal{result}: "success", "rejected" (validation, 4xx) or "error" (5xx).
// ImageStoredBytes observes the encoded size of every stored image; compare
// against the upload size limit to see how much compression is buying.
var (
	ImageUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_uploads_total",
			Help: "Total number of image uploads, by result.",
		},
		[]string{"result"},
	)

	ImageDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_deletes_total",
			Help: "Total number of image deletions, by result.",
		},
		[]string{"result"},
	)

	ImageServesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_serves_total",
			Help: "Total number of image fetches by token, by result.",
		},
		[]string{"result"},
	)

	ImageStoredBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_stored_bytes",
			Help:    "Size in bytes of compressed images written to storage.",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 10), // 16 KiB .. 8 MiB
		},
	)
)

// Device monitor metrics.
//
// Example PromQL queries:
//   - Flapping devices:  rate(device_status_transitions_total{status="offline"}[10m])
//   - Fleet health (%):  devices_online / devices_watched * 100
var (
	DeviceMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "device_messages_total",
			Help: "Total number of status messages received from devices.",
		},
	)

	DeviceStatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_status_transitions_total",
			Help: "Total number of device status transitions, by new status.",
		},
		[]string{"status"},
	)

	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devices_online",
			Help: "Number of watched devices currently online.",
		},
	)

	DevicesWatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devices_watched",
			Help: "Number of valid devices in the registry.",
		},
	)

	RealtimeWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_write_errors_total",
			Help: "Total number of failed realtime database writes, by operation.",
		},
		[]string{"operation"},
	)
)

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled
// every 30 seconds by StartDBStatsCollector, only when the Postgres index is used.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until the
// database becomes unreachable, which happens once main closes it on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
