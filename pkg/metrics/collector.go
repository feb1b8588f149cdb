// Package metrics provides a process-local sink of named counters and
// gauges. It is the accounting backend for the telemetry client, the
// supervisor and the health monitor; the Prometheus exposition in
// internal/runtime reads it through Snapshot.
package metrics

import "sync"

// Collector is a thread-safe counter/gauge registry.
type Collector struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// Increment adds one to the named counter.
func (c *Collector) Increment(name string) {
	c.Add(name, 1)
}

// Add adds n to the named counter.
func (c *Collector) Add(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Gauge sets the named gauge to value.
func (c *Collector) Gauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// Counter returns the current value of the named counter (0 if unset).
func (c *Collector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// GaugeValue returns the current value of the named gauge (0 if unset).
func (c *Collector) GaugeValue(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[name]
}

// Snapshot returns copies of all counters and gauges.
func (c *Collector) Snapshot() (map[string]int64, map[string]float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
