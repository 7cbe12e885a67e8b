package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync run metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Total number of sync runs by mode and result",
		},
		[]string{"mode", "result"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	SyncInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_sync_in_flight",
			Help: "Number of accounts currently holding a sync lease",
		},
	)

	SyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailsync_sync_state",
			Help: "Number of running syncs in each state",
		},
		[]string{"state"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_records_total",
			Help: "Provider records processed by the reconciler",
		},
		[]string{"result"},
	)
)

// Provider and feed metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_provider_requests_total",
			Help: "Requests sent to the upstream mail provider",
		},
		[]string{"op", "status"},
	)

	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbox_published_total",
			Help: "Search index events published from the outbox",
		},
		[]string{"result"},
	)
)

// Result labels shared by the counters above.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)
