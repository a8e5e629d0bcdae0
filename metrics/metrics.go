package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anchor"

// MetricsRegistry hands out counters for one subsystem, registering each
// on first use.
type MetricsRegistry struct {
	subsystem string
	reg       prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
}

// NewMetricsRegistry creates a registry for the subsystem. A nil Registerer
// gets a private registry, which keeps tests from colliding on the default one.
func NewMetricsRegistry(subsystem string, reg prometheus.Registerer) *MetricsRegistry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &MetricsRegistry{
		subsystem: subsystem,
		reg:       reg,
		counters:  make(map[string]prometheus.Counter),
	}
}

func (m *MetricsRegistry) Counter(name string) prometheus.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[name]; ok {
		return c
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: m.subsystem,
		Name:      name,
	})
	if err := m.reg.Register(c); err != nil {
		// Another registry for the same subsystem already owns it.
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	m.counters[name] = c
	return c
}
