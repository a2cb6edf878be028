package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(httpRequestsTotal, httpDuration, rateLimitedTotal) }

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_http_requests_total",
		Help: "Control API requests by route pattern, method and status code.",
	},
	[]string{"route", "method", "code"},
)

var httpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_http_request_seconds",
		Help:    "Control API latency by route pattern. Event streams are excluded.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route"},
)

var rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "pipeline_http_rate_limited_total",
	Help: "Requests refused with 429.",
})

func ObserveHTTP(route, method string, code int, d time.Duration, streamed bool) {
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	if !streamed {
		httpDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}

func IncRateLimited() { rateLimitedTotal.Inc() }
