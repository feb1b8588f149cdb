// Package runtime composes the daemon: supervisor, health monitor and
// telemetry client wired together with the autopreservation callbacks, the
// periodic device heartbeat and the local HTTP control surface.
package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/health"
	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/metrics"
	"github.com/edgewarden/edgewarden/pkg/supervisor"
	"github.com/edgewarden/edgewarden/pkg/telemetry"
)

// Runtime owns every long-running component of the daemon.
type Runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	sink    *metrics.Collector
	sup     *supervisor.Supervisor
	monitor *health.Monitor
	client  *telemetry.Client

	exporter *Exporter
	httpSrv  *http.Server

	componentLogs []*logging.Logger

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// New builds the runtime from configuration. Nothing is started yet; the
// telemetry buffer is opened here so a broken data dir fails fast.
func New(cfg *config.Config, logger *logging.Logger) (*Runtime, error) {
	rt := &Runtime{
		cfg:    cfg,
		logger: logger,
		sink:   metrics.NewCollector(),
	}

	level := logging.ParseLevel(cfg.LogLevel)

	telemetryLog := rt.componentLogger("telemetry", level)
	buffer, err := telemetry.NewBuffer(cfg.BufferPath(), cfg.BufferMaxRows, telemetryLog)
	if err != nil {
		return nil, err
	}

	rt.client = telemetry.NewClient(telemetry.Config{
		DeviceID:                cfg.DeviceID,
		Endpoint:                cfg.TelemetryEndpoint,
		FlushInterval:           cfg.FlushInterval,
		CircuitFailureThreshold: cfg.CircuitFailureThreshold,
		CircuitSuccessThreshold: cfg.CircuitSuccessThreshold,
		CircuitTimeout:          cfg.CircuitTimeout,
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialDelay:       cfg.RetryInitialDelay,
	}, buffer, rt.sink, telemetryLog)

	rt.sup = supervisor.NewSupervisor(supervisor.Options{
		WatchdogInterval: cfg.WatchdogInterval,
		LogDir:           cfg.LogDir,
		HeartbeatDir:     cfg.DataDir,
	}, rt.sink, rt.componentLogger("supervisor", level))

	for _, def := range cfg.Workers {
		maxRestarts := def.MaxRestarts
		if maxRestarts <= 0 {
			maxRestarts = cfg.MaxRestarts
		}
		if err := rt.sup.Register(supervisor.Spec{
			Name:        def.Name,
			Command:     def.Command,
			Essential:   def.Essential,
			MaxRestarts: maxRestarts,
			Heartbeat:   def.Heartbeat,
		}); err != nil {
			return nil, err
		}
	}

	rt.monitor = health.NewMonitor(health.Config{
		Interval:        cfg.HealthInterval,
		TempThreshold:   cfg.TempThreshold,
		CPUThreshold:    cfg.CPUThreshold,
		MemoryThreshold: cfg.MemoryThreshold,
	}, rt.sink, rt.componentLogger("health", level))
	rt.monitor.OnOverheat = rt.onOverheat
	rt.monitor.OnRecover = rt.onRecover

	rt.exporter = NewExporter(rt.sink, rt.sup, rt.client)
	return rt, nil
}

// componentLogger opens a per-component log file, falling back to the base
// logger when the log dir is unusable.
func (r *Runtime) componentLogger(component string, level logging.Level) *logging.Logger {
	l, err := logging.NewComponentLogger(r.cfg.LogDir, component, level, true)
	if err != nil {
		r.logger.Warn("Falling back to shared logger", map[string]interface{}{
			"component": component,
			"error":     err.Error(),
		})
		return r.logger
	}
	r.componentLogs = append(r.componentLogs, l)
	return l
}

// onOverheat pauses every running non-essential worker and reports the
// action. Essential workers keep running regardless of temperature.
func (r *Runtime) onOverheat(stat health.Stat) {
	paused := []string{}
	for _, name := range r.sup.NonEssentialRunning() {
		if err := r.sup.Pause(name); err != nil {
			r.logger.Error("Autopreservation pause failed", map[string]interface{}{
				"worker": name,
				"error":  err.Error(),
			})
			continue
		}
		paused = append(paused, name)
	}

	r.client.Send(map[string]interface{}{
		"event":          "overheat_protection",
		"temperature":    stat.Temperature,
		"paused_workers": paused,
	})
}

// onRecover resumes the workers the overheat handler paused.
func (r *Runtime) onRecover(stat health.Stat) {
	resumed := []string{}
	for _, name := range r.sup.PausedWorkers() {
		if err := r.sup.Resume(name); err != nil {
			r.logger.Error("Autopreservation resume failed", map[string]interface{}{
				"worker": name,
				"error":  err.Error(),
			})
			continue
		}
		resumed = append(resumed, name)
	}

	r.client.Send(map[string]interface{}{
		"event":           "temperature_recovered",
		"temperature":     stat.Temperature,
		"resumed_workers": resumed,
	})
}

// snapshot assembles the periodic device heartbeat payload.
func (r *Runtime) snapshot() map[string]interface{} {
	data := map[string]interface{}{
		"event":   "device_heartbeat",
		"workers": r.sup.StatusAll(),
	}

	if stat, ok := r.monitor.LastStatus(); ok {
		data["system"] = stat
	}

	stats := r.client.Stats()
	data["telemetry"] = map[string]interface{}{
		"circuit_state":     stats.CircuitState,
		"buffered_payloads": stats.BufferedPayloads,
		"sent_ok":           stats.Counters.SentOK,
		"send_failed":       stats.Counters.SendFailed,
	}
	return data
}

func (r *Runtime) heartbeatLoop() {
	defer close(r.heartbeatDone)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.heartbeatStop:
			return
		case <-ticker.C:
			r.client.Send(r.snapshot())
		}
	}
}

// Start brings the daemon up: telemetry first so startup events have a
// delivery path, then workers, then health sampling, then the HTTP API.
func (r *Runtime) Start() error {
	r.client.Start()

	results := r.sup.StartAll()
	started := 0
	for _, ok := range results {
		if ok {
			started++
		}
	}
	r.logger.Info("Workers started", map[string]interface{}{
		"started":    started,
		"registered": len(results),
	})

	r.monitor.Start()

	r.heartbeatStop = make(chan struct{})
	r.heartbeatDone = make(chan struct{})
	go r.heartbeatLoop()

	r.httpSrv = &http.Server{
		Addr:         r.cfg.ListenAddr,
		Handler:      newAPIServer(r).router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		r.logger.Info("API listening", map[string]interface{}{"addr": r.cfg.ListenAddr})
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("API server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	r.client.Send(map[string]interface{}{
		"event":   "device_startup",
		"workers": results,
	})
	return nil
}

// Stop tears the daemon down in reverse dependency order and emits a final
// shutdown event before the telemetry client closes the buffer.
func (r *Runtime) Stop(ctx context.Context) {
	if r.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.httpSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("API shutdown error", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}

	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
		select {
		case <-r.heartbeatDone:
		case <-time.After(5 * time.Second):
			r.logger.Warn("Heartbeat loop did not stop within grace period")
		}
	}

	r.monitor.Stop()
	r.sup.StopAll()

	r.client.Send(map[string]interface{}{
		"event":   "device_shutdown",
		"workers": r.sup.StatusAll(),
	})
	r.client.Stop()

	for _, l := range r.componentLogs {
		l.Close()
	}
	r.logger.Info("Runtime stopped")
}

// Supervisor exposes the worker table for the CLI and tests.
func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.sup }

// Telemetry exposes the telemetry client.
func (r *Runtime) Telemetry() *telemetry.Client { return r.client }

// Health exposes the health monitor.
func (r *Runtime) Health() *health.Monitor { return r.monitor }
