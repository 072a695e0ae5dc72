package porttable

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes a port table's address count and per-address occupancy to
// Prometheus. The zero value is usable and records nothing, so callers and
// tests that don't care about observability can ignore it.
type Metrics struct {
	addrs prometheus.Gauge
	inUse *prometheus.GaugeVec
}

// NewMetrics constructs collectors labeled with name (typically the worker
// thread or shard identifier owning the table) and registers them with reg.
func NewMetrics(reg prometheus.Registerer, name string) Metrics {
	m := Metrics{
		addrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tcpcore",
			Subsystem:   "porttable",
			Name:        "addresses",
			Help:        "Number of local addresses registered with the port table.",
			ConstLabels: prometheus.Labels{"table": name},
		}),
		inUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "tcpcore",
			Subsystem:   "porttable",
			Name:        "slots_in_use",
			Help:        "Number of ephemeral port slots currently claimed, per bound address.",
			ConstLabels: prometheus.Labels{"table": name},
		}, []string{"addr"}),
	}
	if reg != nil {
		reg.MustRegister(m.addrs, m.inUse)
	}
	return m
}

func (m Metrics) observeAddrs(n int) {
	if m.addrs != nil {
		m.addrs.Set(float64(n))
	}
}

func (m Metrics) observeInUse(addr netip.Addr, n int) {
	if m.inUse != nil {
		m.inUse.WithLabelValues(addr.String()).Set(float64(n))
	}
}

func (m Metrics) forgetAddr(addr netip.Addr) {
	if m.inUse != nil {
		m.inUse.DeleteLabelValues(addr.String())
	}
}
