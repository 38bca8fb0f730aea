package stock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the write and read paths.
var (
	movementsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_recorded_total",
		Help: "Movements appended to the ledger by reason code",
	}, []string{"reason"})

	movementsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_rejected_total",
		Help: "Movement writes rejected by error class",
	}, []string{"error"})

	balanceReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_balance_reads_total",
		Help: "Balance reads by source (cache, snapshot, ledger)",
	}, []string{"source"})

	balanceReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_balance_read_duration_seconds",
		Help:    "Time spent computing a balance from the store",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

func rejectLabel(err error) string {
	switch {
	case IsDuplicate(err):
		return "duplicate"
	case IsClientError(err):
		return "invalid"
	default:
		return "store"
	}
}
