// Package stats defines the counter/gauge sink consumed by the trust engine
// and provides a Prometheus-backed implementation.
package stats

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a value that can move in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Scope creates and hands out named counters and gauges. Implementations
// must be safe for concurrent use: connection callbacks increment counters
// from many goroutines at once.
type Scope interface {
	Counter(name string) Counter
	Gauge(name string) Gauge
}

// NullScope discards all recorded values. Useful in tests and as a default.
type NullScope struct{}

func (NullScope) Counter(string) Counter { return nullMetric{} }
func (NullScope) Gauge(string) Gauge     { return nullMetric{} }

type nullMetric struct{}

func (nullMetric) Inc()        {}
func (nullMetric) Add(float64) {}
func (nullMetric) Set(float64) {}
func (nullMetric) Dec()        {}
