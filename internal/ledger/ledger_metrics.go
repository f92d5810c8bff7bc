package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigilant",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigilant",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// ChainLength tracks the number of blocks in the persisted chain.
	ChainLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigilant",
			Name:      "ledger_chain_length",
			Help:      "Number of blocks in the threat ledger.",
		},
	)

	// Tampered is 1 once verification has failed.
	Tampered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigilant",
			Name:      "ledger_tampered",
			Help:      "1 if the threat ledger failed integrity verification.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		ChainLength,
		Tampered,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
