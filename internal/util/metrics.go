package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2c_transactions_created_total",
		Help: "Total number of payment transactions created",
	})

	TransactionsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_transactions_finalized_total",
		Help: "Transactions that reached a terminal state",
	}, []string{"status", "source"})

	PaymentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_payment_failures_total",
		Help: "Failed payments by reason",
	}, []string{"reason"})

	LateApprovalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2c_late_approvals_total",
		Help: "Gateway approvals observed for transactions already failed or expired",
	})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p2c_gateway_latency_seconds",
		Help:    "Latency of gateway calls",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"operation", "result"})

	InventoryOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_inventory_operations_total",
		Help: "Inventory ledger operations by result",
	}, []string{"operation", "result"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "p2c_inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_pipeline_runs_total",
		Help: "Approval pipeline runs by result",
	}, []string{"result"})

	PipelineStepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_pipeline_step_failures_total",
		Help: "Approval pipeline step failures",
	}, []string{"step"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2c_webhooks_total",
		Help: "Webhook callbacks by result",
	}, []string{"result"})

	SweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2c_sweep_expired_total",
		Help: "Transactions expired by the stale sweep",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
