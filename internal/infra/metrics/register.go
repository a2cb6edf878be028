package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register queues collectors from each file's init.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister puts every queued collector on the default registry. Later
// calls are no-ops, so tests and main can both call it.
func MustRegister() {
	once.Do(func() { prometheus.MustRegister(collectors...) })
}
