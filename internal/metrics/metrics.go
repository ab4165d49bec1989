// Package metrics provides Prometheus metrics for the wallet engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (aggregate only)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_engine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Job metrics (per-job-kind)
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_jobs_submitted_total",
			Help: "Total number of jobs submitted to the engine",
		},
		[]string{"kind"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_engine_jobs_active",
			Help: "Number of jobs currently running or paused",
		},
		[]string{"kind", "state"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"kind", "state"},
	)

	JobItemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_job_items_processed_total",
			Help: "Total number of per-recipient/per-cycle items processed within jobs",
		},
		[]string{"kind", "status"},
	)

	// Transaction metrics
	TxBroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_tx_broadcast_total",
			Help: "Total number of transactions broadcast",
		},
		[]string{"op", "status"},
	)

	TxConfirmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_engine_tx_confirm_duration_seconds",
			Help:    "Time from broadcast to confirmed receipt",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 60},
		},
		[]string{"op"},
	)

	ReceiptWatchOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_receipt_watch_outcome_total",
			Help: "Outcome of receipt watch attempts: confirmed, reverted, or timed_out_pending",
		},
		[]string{"outcome"},
	)

	// Nonce arbiter metrics (per-signer)
	NonceReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_nonce_reservations_total",
			Help: "Total number of nonce tickets reserved",
		},
		[]string{"signer"},
	)

	NonceResyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_nonce_resync_total",
			Help: "Total number of times a signer's nonce was resynced against the chain",
		},
		[]string{"signer"},
	)

	NoncePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_engine_nonce_pending",
			Help: "Number of tickets currently in the Pending state",
		},
		[]string{"signer"},
	)

	// RPC pool metrics (per-endpoint)
	RPCEndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_engine_rpc_endpoint_healthy",
			Help: "1 if the endpoint's last probe succeeded within its TTL, else 0",
		},
		[]string{"endpoint"},
	)

	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_engine_rpc_calls_total",
			Help: "Total number of RPC calls attempted per endpoint",
		},
		[]string{"endpoint", "status"},
	)

	RPCFailoverTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_engine_rpc_failover_total",
			Help: "Total number of times a call failed over to the next endpoint",
		},
	)
)
