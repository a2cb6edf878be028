package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(workerSlotBusy, notifyQueueRejected) }

var workerSlotBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pipeline_worker_slot_busy",
		Help: "1 while a job holds the single execution slot.",
	},
)

var notifyQueueRejected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_notify_queue_rejected_total",
		Help: "Notification tasks rejected because the worker queue was full.",
	},
)

func SetSlotBusy(busy bool) {
	if busy {
		workerSlotBusy.Set(1)
		return
	}
	workerSlotBusy.Set(0)
}

func IncNotifyRejected() { notifyQueueRejected.Inc() }
