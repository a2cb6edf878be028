package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dbConns, dbAcquireWait) }

var (
	dbConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_db_connections",
			Help: "Ledger connection pool by state.",
		},
		[]string{"state"}, // total|idle|in_use
	)
	dbAcquireWait = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_db_acquire_wait_seconds",
		Help: "Cumulative time spent waiting for a pool connection.",
	})
)

func SetDBPoolStats(total, idle, inUse int32, waited float64) {
	dbConns.WithLabelValues("total").Set(float64(total))
	dbConns.WithLabelValues("idle").Set(float64(idle))
	dbConns.WithLabelValues("in_use").Set(float64(inUse))
	dbAcquireWait.Set(waited)
}
