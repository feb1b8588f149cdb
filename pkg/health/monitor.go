// Package health samples host metrics on an interval and drives
// autopreservation: when the CPU temperature crosses the configured
// threshold it fires an edge-triggered overheat callback, and a recovery
// callback once the temperature falls back below it.
package health

import (
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/metrics"
)

// preferredSensors are known CPU temperature sensor keys, in priority
// order. If none matches, the hottest reading across all sensors is used.
var preferredSensors = []string{
	"cpu_thermal",
	"thermal_zone0",
	"coretemp",
	"k10temp",
}

// Stat is an immutable snapshot of system health. Temperature 0.0 means
// "no sensor available" and is never treated as overheating.
type Stat struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_usage_percent"`
	Temperature   float64 `json:"temperature_celsius"`
	IsOverheating bool    `json:"is_overheating"`
	Timestamp     float64 `json:"timestamp"`
}

// Callback receives the snapshot that triggered a state transition.
type Callback func(Stat)

// Config holds sampling and threshold settings.
type Config struct {
	Interval        time.Duration
	TempThreshold   float64 // °C, triggers autopreservation
	CPUThreshold    float64 // %, alert only
	MemoryThreshold float64 // %, alert only
}

// Monitor runs the background sampling loop.
type Monitor struct {
	cfg     Config
	metrics *metrics.Collector
	logger  *logging.Logger

	mu            sync.Mutex
	lastStat      *Stat
	isOverheating bool

	sensorWarned bool // degraded-sensor warning is logged once per process

	// OnOverheat fires exactly once per normal→overheating transition;
	// OnRecover exactly once per overheating→normal transition. Set before
	// Start.
	OnOverheat Callback
	OnRecover  Callback

	// probes are replaceable for tests
	readCPU  func() (float64, error)
	readMem  func() (float64, error)
	readDisk func() (float64, error)
	readTemp func() ([]host.TemperatureStat, error)

	// Lifecycle state, owned by the single goroutine that calls
	// Start/Stop; not safe for concurrent lifecycle calls.
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, sink *metrics.Collector, logger *logging.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.TempThreshold <= 0 {
		cfg.TempThreshold = 75.0
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 95.0
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 90.0
	}

	m := &Monitor{
		cfg:     cfg,
		metrics: sink,
		logger:  logger,
	}
	m.readCPU = func() (float64, error) {
		percents, err := cpu.Percent(time.Second, false)
		if err != nil || len(percents) == 0 {
			return 0, err
		}
		return percents[0], nil
	}
	m.readMem = func() (float64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	}
	m.readDisk = func() (float64, error) {
		usage, err := disk.Usage("/")
		if err != nil {
			return 0, err
		}
		return usage.UsedPercent, nil
	}
	m.readTemp = host.SensorsTemperatures
	return m
}

// LastStatus returns the most recent snapshot, or false before the first
// sample completes.
func (m *Monitor) LastStatus() (Stat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStat == nil {
		return Stat{}, false
	}
	return *m.lastStat, true
}

// IsOverheating returns the current sticky overheat state.
func (m *Monitor) IsOverheating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOverheating
}

// temperature resolves the CPU temperature: preferred sensors first, then
// the hottest reading across all sensors, then 0.0 (unavailable).
func (m *Monitor) temperature() float64 {
	stats, err := m.readTemp()
	if err != nil || len(stats) == 0 {
		return m.noSensor()
	}

	for _, name := range preferredSensors {
		for _, stat := range stats {
			if strings.HasPrefix(stat.SensorKey, name) {
				return stat.Temperature
			}
		}
	}

	maxTemp := 0.0
	for _, stat := range stats {
		if stat.Temperature > maxTemp {
			maxTemp = stat.Temperature
		}
	}
	if maxTemp <= 0 {
		return m.noSensor()
	}
	return maxTemp
}

func (m *Monitor) noSensor() float64 {
	if !m.sensorWarned {
		m.logger.Warn("No temperature sensor found (VM/container/unsupported hardware), reporting 0.0°C")
		m.sensorWarned = true
	}
	return 0.0
}

// collect gathers one snapshot. Probe errors degrade the individual
// reading to zero rather than failing the tick.
func (m *Monitor) collect() Stat {
	cpuPct, err := m.readCPU()
	if err != nil {
		m.logger.Error("CPU sample failed", map[string]interface{}{"error": err.Error()})
	}
	memPct, err := m.readMem()
	if err != nil {
		m.logger.Error("Memory sample failed", map[string]interface{}{"error": err.Error()})
	}
	diskPct, err := m.readDisk()
	if err != nil {
		m.logger.Error("Disk sample failed", map[string]interface{}{"error": err.Error()})
	}
	temp := m.temperature()

	stat := Stat{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		DiskPercent:   diskPct,
		Temperature:   temp,
		IsOverheating: temp > 0 && temp >= m.cfg.TempThreshold,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
	}

	m.metrics.Gauge("system_cpu_percent", cpuPct)
	m.metrics.Gauge("system_memory_percent", memPct)
	m.metrics.Gauge("system_disk_percent", diskPct)
	m.metrics.Gauge("system_temperature_celsius", temp)

	return stat
}

// checkThresholds detects overheat/recover transitions and fires the
// callbacks on the edge only. CPU and memory breaches are logged, never
// acted on automatically.
func (m *Monitor) checkThresholds(stat Stat) {
	m.mu.Lock()
	wasOverheating := m.isOverheating
	m.isOverheating = stat.IsOverheating
	m.mu.Unlock()

	if stat.IsOverheating && !wasOverheating {
		m.metrics.Increment("overheat_events")
		m.logger.Warn("Autopreservation: temperature above threshold", map[string]interface{}{
			"temperature": stat.Temperature,
			"threshold":   m.cfg.TempThreshold,
		})
		if m.OnOverheat != nil {
			m.OnOverheat(stat)
		}
	} else if !stat.IsOverheating && wasOverheating {
		m.metrics.Increment("recovery_events")
		m.logger.Info("Temperature recovered", map[string]interface{}{
			"temperature": stat.Temperature,
		})
		if m.OnRecover != nil {
			m.OnRecover(stat)
		}
	}

	if stat.CPUPercent >= m.cfg.CPUThreshold {
		m.logger.Warn("CPU above threshold", map[string]interface{}{
			"cpu_percent": stat.CPUPercent,
			"threshold":   m.cfg.CPUThreshold,
		})
	}
	if stat.MemoryPercent >= m.cfg.MemoryThreshold {
		m.logger.Warn("Memory above threshold", map[string]interface{}{
			"memory_percent": stat.MemoryPercent,
			"threshold":      m.cfg.MemoryThreshold,
		})
	}
}

// tick runs one sample + threshold pass.
func (m *Monitor) tick() {
	stat := m.collect()

	m.mu.Lock()
	m.lastStat = &stat
	m.mu.Unlock()

	m.checkThresholds(stat)

	m.logger.Debug("Health sample", map[string]interface{}{
		"cpu":  stat.CPUPercent,
		"mem":  stat.MemoryPercent,
		"disk": stat.DiskPercent,
		"temp": stat.Temperature,
	})
}

func (m *Monitor) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	if m.running {
		m.logger.Warn("Health monitor already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop()

	m.logger.Info("Health monitor started", map[string]interface{}{
		"interval":       m.cfg.Interval.String(),
		"temp_threshold": m.cfg.TempThreshold,
	})
}

// Stop halts the sampling loop with a bounded join.
func (m *Monitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(m.cfg.Interval + 2*time.Second):
		m.logger.Warn("Health monitor did not stop within grace period")
	}
	m.logger.Info("Health monitor stopped")
}

// Report summarizes current health and thresholds.
type Report struct {
	Status     string             `json:"status"`
	Stat       *Stat              `json:"stat,omitempty"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// GetReport builds a health report for the status API.
func (m *Monitor) GetReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "healthy"
	if m.isOverheating {
		status = "overheating"
	}
	return Report{
		Status: status,
		Stat:   m.lastStat,
		Thresholds: map[string]float64{
			"temperature": m.cfg.TempThreshold,
			"cpu":         m.cfg.CPUThreshold,
			"memory":      m.cfg.MemoryThreshold,
		},
	}
}
