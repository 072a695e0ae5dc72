package tcp

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics exposes a [Pool]'s occupancy to Prometheus. The zero value is
// usable and records nothing, matching every other metrics type in this
// module ([porttable.Metrics], timingwheel's metrics).
type PoolMetrics struct {
	acquired  prometheus.Gauge
	exhausted prometheus.Counter
}

// NewPoolMetrics constructs collectors labeled with name (typically the
// worker thread owning the pool) and registers them with reg.
func NewPoolMetrics(reg prometheus.Registerer, name string) PoolMetrics {
	m := PoolMetrics{
		acquired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tcpcore",
			Subsystem:   "pool",
			Name:        "acquired_connections",
			Help:        "Number of Conn slots currently checked out of the pool.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tcpcore",
			Subsystem:   "pool",
			Name:        "exhausted_total",
			Help:        "Number of GetTCP calls that found every slot occupied.",
			ConstLabels: prometheus.Labels{"pool": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.acquired, m.exhausted)
	}
	return m
}

func (m PoolMetrics) observeAcquired(n int) {
	if m.acquired != nil {
		m.acquired.Set(float64(n))
	}
}

func (m PoolMetrics) observeExhausted() {
	if m.exhausted != nil {
		m.exhausted.Inc()
	}
}
