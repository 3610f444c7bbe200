package ledger

import "github.com/minhctran/vieclance/internal/metrics"

// observeTxn records a transaction event in the platform metrics.
// Called once per status a transaction reaches, not per read.
func observeTxn(kind Kind, status Status) {
	metrics.TransactionsTotal.WithLabelValues(string(kind), string(status)).Inc()
}
