package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts order submissions by side and outcome
// (accepted/rejected/duplicate).
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_orders_submitted_total",
		Help: "Total number of order submissions by side and outcome",
	},
	[]string{"side", "outcome"},
)

// FillsApplied counts fills committed to the ledger by side.
var FillsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_fills_applied_total",
		Help: "Total number of fills committed to the ledger",
	},
	[]string{"side"},
)

// LedgerConflicts counts optimistic lock losses in the ledger apply path.
var LedgerConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "brokerage_ledger_conflicts_total",
		Help: "Total number of ledger apply conflicts",
	},
)

// TransferVolume accumulates completed transfer amounts by direction.
var TransferVolume = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_transfer_volume_total",
		Help: "Completed fund transfer volume by direction",
	},
	[]string{"direction"},
)

// OracleLatency records the price oracle query latency distribution.
var OracleLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "brokerage_oracle_latency_seconds",
		Help:    "Latency in seconds of price oracle queries",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, FillsApplied, LedgerConflicts, TransferVolume, OracleLatency)
}
