// Package metrics exposes the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marginalia_sync_runs_total",
		Help: "Synchronizer passes executed",
	})
	SyncRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginalia_sync_removed_threads_total",
		Help: "Threads removed by the synchronizer, by pass",
	}, []string{"pass"})
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marginalia_sync_duration_seconds",
		Help:    "Synchronizer run latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	LedgerRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marginalia_ledger_rebuilds_total",
		Help: "Comment cache rebuilds after history changes",
	})
	LedgerSynthesized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marginalia_ledger_synthesized_comments_total",
		Help: "Comments recreated from placeholder text because no recovery record existed",
	})
	RecoveryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginalia_recovery_errors_total",
		Help: "Recovery store failures, by operation",
	}, []string{"op"})
	CommandFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marginalia_command_failures_total",
		Help: "Comment commands that returned false, by command",
	}, []string{"command"})
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marginalia_open_sessions",
		Help: "Document sessions held in memory",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
