// Package telemetry provides application-level observability for the foldersync server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<FOLDERSYNC_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is NOT served by the Gin router, so git clients and
// REST callers never see it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - git subprocess durations for the protocol gateway and the repository manager
//   - Working-copy operation outcomes and push-back propagation failures
//   - Hook installation and repository backup outcomes
//   - Validity of the secret pattern file
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric carries a company id or a folder path. HTTP metrics use c.FullPath()
// (e.g. /:repo/info/refs) rather than the raw URL.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/foldersync/foldersync/internal/safego"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120, 600},
		},
		[]string{"method", "path"},
	)
)

// GitSubprocessDuration is a HistogramVec with labels {command, outcome}.
// command is the git subcommand ("http-backend", "clone", "pull", "push", ...);
// outcome is "ok", "error" or "timeout".
//
// Example PromQL queries:
//   - p95 http-backend time:  histogram_quantile(0.95, sum by (le) (rate(git_subprocess_duration_seconds_bucket{command="http-backend"}[5m])))
//   - Timeouts per minute:    sum by (command) (rate(git_subprocess_duration_seconds_count{outcome="timeout"}[1m])) * 60
var GitSubprocessDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "git_subprocess_duration_seconds",
		Help:    "Duration of git subprocesses, by git subcommand and outcome.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
	},
	[]string{"command", "outcome"},
)

// Working copy metrics.
//
// WorkingCopyOperationsTotal counts REST-driven working-copy operations by
// {operation, outcome}: operation is one of "clone", "create_folder",
// "rename_folder", "delete_folder", "list"; outcome is "ok" or "error".
//
// PushPropagationFailuresTotal counts best-effort pushes from a working copy
// back to its bare repository that failed. The commit still exists in the
// working copy and is pushed again on the next access. A non-zero rate means
// some edits are only visible through the REST surface for a while.
//
// Example PromQL queries:
//   - Alert expression:  increase(repository_push_propagation_failures_total[15m]) > 0
var (
	WorkingCopyOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "working_copy_operations_total",
			Help: "Total number of working-copy operations, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	PushPropagationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repository_push_propagation_failures_total",
			Help: "Total number of best-effort pushes from a working copy to its bare repository that failed.",
		},
	)

	PushReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repository_push_reconciled_total",
			Help: "Total number of working copies whose unpropagated commits were pushed on a later access.",
		},
	)
)

// Repository maintenance metrics.
//
// HookInstallsTotal has label {outcome} ("ok", "error"); it moves on repository
// creation, fleet reinstall and pattern-file driven reconciliation.
//
// RepositoryBackupsTotal has label {outcome}; each observation is one bundle
// uploaded (or failed) to the configured backup backend.
var (
	HookInstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hook_installs_total",
			Help: "Total number of pre-receive hook installations, by outcome.",
		},
		[]string{"outcome"},
	)

	RepositoryBackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_backups_total",
			Help: "Total number of repository bundle backups, by outcome.",
		},
		[]string{"outcome"},
	)
)

// PatternFileValid is 1 while the configured pattern file loads and 0 once a
// change breaks it. With a broken file every push is rejected, so alert on 0.
var PatternFileValid = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "scanner_pattern_file_valid",
		Help: "Whether the configured secret pattern file currently loads (1) or not (0).",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// ObserveGit records one git subprocess run.
func ObserveGit(command string, started time.Time, err error, timedOut bool) {
	outcome := "ok"
	switch {
	case timedOut:
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	GitSubprocessDuration.WithLabelValues(command, outcome).Observe(time.Since(started).Seconds())
}

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when
// the application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
