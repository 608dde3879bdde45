package stats

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is a Prometheus-backed Scope. Metric names are sanitized on the way
// in ("ssl.ciphers.ECDHE-RSA-AES128-GCM-SHA256" becomes a valid Prometheus
// name) while the original name is preserved as a label-free Help string.
type Store struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewStore creates a Store with its own registry.
func NewStore() *Store {
	return &Store{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Counter returns the counter registered under name, creating it on first
// use. Callers may race; creation is serialized.
func (s *Store) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: sanitizeName(name),
		Help: name,
	})
	s.registry.MustRegister(c)
	s.counters[name] = c
	return c
}

// Gauge returns the gauge registered under name, creating it on first use.
func (s *Store) Gauge(name string) Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: sanitizeName(name),
		Help: name,
	})
	s.registry.MustRegister(g)
	s.gauges[name] = g
	return g
}

// Handler exposes the store's registry over HTTP in Prometheus text format.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
