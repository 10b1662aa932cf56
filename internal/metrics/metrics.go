// Package metrics provides Prometheus metrics for backup runs.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every keeper metric. It is separate from the default
// registry so the textfile export only contains backup metrics.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	itemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_items_total",
			Help: "Archive items processed, by result",
		},
		[]string{"result"},
	)

	bytesTransferred = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_bytes_transferred_total",
			Help: "Total item bytes downloaded and verified",
		},
	)

	fetchRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_fetch_retries_total",
			Help: "Total item fetch retries",
		},
	)

	sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_sessions_total",
			Help: "Backup sessions finished, by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_session_duration_seconds",
			Help:    "Backup session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	archiveSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_archive_size_bytes",
			Help: "Size of the last committed backup archive",
		},
	)

	lastSuccess = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_last_success_timestamp_seconds",
			Help: "Unix time of the last completed backup",
		},
	)

	reportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_reports_total",
			Help: "Registry submissions, by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordItem records one processed item. result is "fetched", "skipped" or "failed".
func RecordItem(result string, bytes int64) {
	itemsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		bytesTransferred.Add(float64(bytes))
	}
}

// RecordRetry records a fetch retry.
func RecordRetry() {
	fetchRetries.Inc()
}

// RecordSession records a finished session.
func RecordSession(outcome string, duration time.Duration, size int64, success bool) {
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(duration.Seconds())
	if size > 0 {
		archiveSize.Set(float64(size))
	}
	if success {
		lastSuccess.SetToCurrentTime()
	}
}

// RecordReport records a registry submission.
func RecordReport(success bool) {
	if success {
		reportsTotal.WithLabelValues("success").Inc()
		return
	}
	reportsTotal.WithLabelValues("failure").Inc()
}

// WriteTextfile writes the current metrics in the node exporter textfile
// format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
