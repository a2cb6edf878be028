package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(eventsAppendedTotal, subscribersActive, subscribersDroppedTotal) }

var eventsAppendedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_events_appended_total",
		Help: "Events appended to job logs, labeled by type.",
	},
	[]string{"type"},
)

var subscribersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pipeline_event_subscribers",
		Help: "Live event stream subscribers.",
	},
)

var subscribersDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_event_subscribers_dropped_total",
		Help: "Subscribers disconnected because their buffer filled up.",
	},
)

func IncEventAppended(eventType string) {
	eventsAppendedTotal.WithLabelValues(norm(eventType)).Inc()
}

func AddSubscribers(delta int) { subscribersActive.Add(float64(delta)) }

func IncSubscriberDropped() { subscribersDroppedTotal.Inc() }
