package timingwheel

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a wheel's occupancy and catch-up behavior to Prometheus.
// The zero value is usable and simply does not register or record anything,
// so tests and callers that don't care about observability can ignore it.
type Metrics struct {
	scheduled prometheus.Gauge
	stride    prometheus.Gauge
}

// NewMetrics constructs collectors labeled with name (typically the worker
// thread or shard identifier owning the wheel) and registers them with reg.
func NewMetrics(reg prometheus.Registerer, name string) Metrics {
	m := Metrics{
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tcpcore",
			Subsystem:   "timingwheel",
			Name:        "scheduled_timers",
			Help:        "Number of timers currently armed in the wheel.",
			ConstLabels: prometheus.Labels{"wheel": name},
		}),
		stride: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tcpcore",
			Subsystem:   "timingwheel",
			Name:        "stride",
			Help:        "Current adaptive tick stride.",
			ConstLabels: prometheus.Labels{"wheel": name},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scheduled, m.stride)
	}
	return m
}

func (m Metrics) observeScheduled(n int) {
	if m.scheduled != nil {
		m.scheduled.Set(float64(n))
	}
}

func (m Metrics) observeStride(n int) {
	if m.stride != nil {
		m.stride.Set(float64(n))
	}
}

// SetMetrics attaches m to w, replacing any previously attached metrics.
func (w *Wheel) SetMetrics(m Metrics) { w.metrics = m }
