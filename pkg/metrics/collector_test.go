package metrics

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	c := NewCollector()

	if got := c.Counter("missing"); got != 0 {
		t.Errorf("Counter(missing) = %d, want 0", got)
	}

	c.Increment("events")
	c.Increment("events")
	c.Add("events", 3)
	if got := c.Counter("events"); got != 5 {
		t.Errorf("Counter(events) = %d, want 5", got)
	}
}

func TestGauges(t *testing.T) {
	c := NewCollector()

	c.Gauge("temperature", 52.5)
	if got := c.GaugeValue("temperature"); got != 52.5 {
		t.Errorf("GaugeValue = %.1f, want 52.5", got)
	}

	// Gauges overwrite, not accumulate
	c.Gauge("temperature", 48.0)
	if got := c.GaugeValue("temperature"); got != 48.0 {
		t.Errorf("GaugeValue = %.1f, want 48.0", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.Increment("a")
	c.Gauge("b", 1.0)

	counters, gauges := c.Snapshot()
	counters["a"] = 99
	gauges["b"] = 99.0

	if got := c.Counter("a"); got != 1 {
		t.Errorf("Counter(a) = %d, want 1 (snapshot must not alias)", got)
	}
	if got := c.GaugeValue("b"); got != 1.0 {
		t.Errorf("GaugeValue(b) = %.1f, want 1.0 (snapshot must not alias)", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Increment("hits")
				c.Gauge("load", float64(j))
				c.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := c.Counter("hits"); got != 1000 {
		t.Errorf("Counter(hits) = %d, want 1000", got)
	}
}
