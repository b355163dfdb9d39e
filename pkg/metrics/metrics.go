package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_created_total",
			Help: "Total number of tasks created by type",
		},
		[]string{"type"},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers",
		},
	)

	TasksTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TasksRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_requeued_total",
			Help: "Total number of task requeues by reason (retry or expiry)",
		},
		[]string{"reason"},
	)

	// Lease metrics
	LeaseRenewals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_lease_renewals_total",
			Help: "Total number of successful lease renewals",
		},
	)

	LeaseRenewalRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_lease_renewal_rejections_total",
			Help: "Total number of rejected lease renewals by reason",
		},
		[]string{"reason"},
	)

	// Ledger metrics
	ReceiptsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_receipts_emitted_total",
			Help: "Total number of receipts emitted by type",
		},
		[]string{"type"},
	)

	ReceiptDedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_receipt_dedup_hits_total",
			Help: "Total number of receipt emissions deduplicated by hash",
		},
	)

	ReceiptAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_receipt_anomalies_total",
			Help: "Total number of success receipts stored without locatable evidence",
		},
	)

	OpenObligationQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "asyncgate_open_obligation_query_duration_seconds",
			Help:    "Duration of open-obligation bootstrap queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper metrics
	SweepTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_sweep_ticks_total",
			Help: "Total number of sweep ticks executed",
		},
	)

	SweepExpiredLeases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_sweep_expired_leases_total",
			Help: "Total number of expired leases requeued by the sweeper",
		},
	)

	SweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asyncgate_sweep_errors_total",
			Help: "Total number of per-lease sweep errors (logged and skipped)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_api_requests_total",
			Help: "Total number of API requests by operation and status",
		},
		[]string{"op", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asyncgate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksTerminal)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(LeaseRenewals)
	prometheus.MustRegister(LeaseRenewalRejections)
	prometheus.MustRegister(ReceiptsEmitted)
	prometheus.MustRegister(ReceiptDedupHits)
	prometheus.MustRegister(ReceiptAnomalies)
	prometheus.MustRegister(OpenObligationQueryDuration)
	prometheus.MustRegister(SweepTicks)
	prometheus.MustRegister(SweepExpiredLeases)
	prometheus.MustRegister(SweepErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
