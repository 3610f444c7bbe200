// Package metrics provides Prometheus instrumentation for the Vieclance platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vieclance",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts ledger transactions by kind and final status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "transactions_total",
			Help:      "Total ledger transactions recorded by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// EscrowSettlementsTotal counts escrow operations by operation and result.
	EscrowSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "escrow_settlements_total",
			Help:      "Total escrow hold/release/refund operations by result.",
		},
		[]string{"op", "result"},
	)

	// EscrowFeesVND accumulates platform fees collected, in VND.
	EscrowFeesVND = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vieclance",
		Name:      "escrow_fees_vnd_total",
		Help:      "Total platform fees collected from released escrows, in VND.",
	})

	// AutoConfirmRunsTotal counts scheduler runs by result.
	AutoConfirmRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "autoconfirm_runs_total",
			Help:      "Total auto-confirm scheduler runs by result.",
		},
		[]string{"result"},
	)

	// AutoConfirmTransactionsTotal counts transactions touched by the scheduler.
	AutoConfirmTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "autoconfirm_transactions_total",
			Help:      "Total transactions processed by the auto-confirm scheduler by outcome.",
		},
		[]string{"outcome"},
	)

	// ReconciliationRunsTotal counts reconciliation sweeps.
	ReconciliationRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vieclance",
		Name:      "reconciliation_runs_total",
		Help:      "Total reconciliation sweeps completed.",
	})

	// ReconciliationDriftTotal counts wallets found outside the drift tolerance.
	ReconciliationDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vieclance",
		Name:      "reconciliation_drift_total",
		Help:      "Total wallets whose derived balance drifted beyond tolerance.",
	})

	// NotificationsTotal counts notification emit attempts by event and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vieclance",
			Name:      "notifications_total",
			Help:      "Total notification emissions by event and result.",
		},
		[]string{"event", "result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vieclance", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		EscrowSettlementsTotal,
		EscrowFeesVND,
		AutoConfirmRunsTotal,
		AutoConfirmTransactionsTotal,
		ReconciliationRunsTotal,
		ReconciliationDriftTotal,
		NotificationsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
