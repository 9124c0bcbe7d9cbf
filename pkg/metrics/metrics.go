package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TemplatesMatched counts trade templates produced by matching passes.
var TemplatesMatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "capmarket_templates_matched_total",
		Help: "Total number of trade templates produced by matching passes",
	},
)

// SolveDuration records latency distribution of matching passes.
var SolveDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "capmarket_solve_duration_seconds",
		Help:    "Latency in seconds of one matching pass over a product histogram",
		Buckets: prometheus.DefBuckets,
	},
)

// Trade commit metrics
var (
	TradesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capmarket_trades_committed_total",
			Help: "Total number of trade templates committed as transactions",
		},
	)

	TradeCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capmarket_trade_commit_failures_total",
			Help: "Total number of rejected trade commits by reason",
		},
		[]string{"reason"},
	)
)

// SettlementOutcomes counts terminal task transitions by side and state.
var SettlementOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "capmarket_settlement_outcomes_total",
		Help: "Total number of settled task sides by side and terminal state",
	},
	[]string{"side", "state"},
)

func init() {
	prometheus.MustRegister(TemplatesMatched, SolveDuration)
	prometheus.MustRegister(TradesCommitted, TradeCommitFailures)
	prometheus.MustRegister(SettlementOutcomes)
}
