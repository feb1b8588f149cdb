// Package config resolves the runtime configuration from environment
// variables (EDGEWARDEN_*), an optional config file and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerDef describes one managed worker from configuration.
type WorkerDef struct {
	Name        string   `yaml:"name"`
	Command     []string `yaml:"command"`
	Essential   bool     `yaml:"essential"`
	MaxRestarts int      `yaml:"max_restarts"`
	Heartbeat   bool     `yaml:"heartbeat"`
}

// Config is the full configuration surface of the daemon.
type Config struct {
	DeviceID          string
	TelemetryEndpoint string

	DataDir    string
	LogDir     string
	LogLevel   string
	ListenAddr string

	BufferMaxRows int
	FlushInterval time.Duration

	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration

	WatchdogInterval time.Duration

	HealthInterval  time.Duration
	TempThreshold   float64
	CPUThreshold    float64
	MemoryThreshold float64

	HeartbeatInterval time.Duration // periodic telemetry snapshot interval
	MaxRestarts       int           // default restart ceiling for workers

	WorkersFile string
	Workers     []WorkerDef
}

// BufferPath returns the sqlite buffer location inside the data dir.
func (c *Config) BufferPath() string {
	return filepath.Join(c.DataDir, "buffer.db")
}

// Load reads configuration. cfgFile may be empty; environment variables
// take the EDGEWARDEN_ prefix (e.g. EDGEWARDEN_TEMP_THRESHOLD).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("device_id", "edge-001")
	v.SetDefault("telemetry_endpoint", "https://localhost/telemetry")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_dir", defaultLogDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", "127.0.0.1:9480")
	v.SetDefault("max_buffer_rows", 10000)
	v.SetDefault("flush_interval", "30s")
	v.SetDefault("circuit_failure_threshold", 3)
	v.SetDefault("circuit_success_threshold", 2)
	v.SetDefault("circuit_timeout", "60s")
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_initial_delay", "2s")
	v.SetDefault("watchdog_interval", "5s")
	v.SetDefault("health_interval", "10s")
	v.SetDefault("temp_threshold", 75.0)
	v.SetDefault("cpu_threshold", 95.0)
	v.SetDefault("memory_threshold", 90.0)
	v.SetDefault("heartbeat_interval", "60s")
	v.SetDefault("max_restarts", 10)
	v.SetDefault("workers_file", "")
	v.SetDefault("workers", "")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		DeviceID:                v.GetString("device_id"),
		TelemetryEndpoint:       v.GetString("telemetry_endpoint"),
		DataDir:                 v.GetString("data_dir"),
		LogDir:                  v.GetString("log_dir"),
		LogLevel:                v.GetString("log_level"),
		ListenAddr:              v.GetString("listen_addr"),
		BufferMaxRows:           v.GetInt("max_buffer_rows"),
		FlushInterval:           v.GetDuration("flush_interval"),
		CircuitFailureThreshold: v.GetInt("circuit_failure_threshold"),
		CircuitSuccessThreshold: v.GetInt("circuit_success_threshold"),
		CircuitTimeout:          v.GetDuration("circuit_timeout"),
		RetryMaxAttempts:        v.GetInt("retry_max_attempts"),
		RetryInitialDelay:       v.GetDuration("retry_initial_delay"),
		WatchdogInterval:        v.GetDuration("watchdog_interval"),
		HealthInterval:          v.GetDuration("health_interval"),
		TempThreshold:           v.GetFloat64("temp_threshold"),
		CPUThreshold:            v.GetFloat64("cpu_threshold"),
		MemoryThreshold:         v.GetFloat64("memory_threshold"),
		HeartbeatInterval:       v.GetDuration("heartbeat_interval"),
		MaxRestarts:             v.GetInt("max_restarts"),
		WorkersFile:             v.GetString("workers_file"),
	}

	if cfg.BufferMaxRows <= 0 {
		return nil, fmt.Errorf("max_buffer_rows must be positive, got %d", cfg.BufferMaxRows)
	}

	if cfg.WorkersFile != "" {
		workers, err := LoadWorkersFile(cfg.WorkersFile)
		if err != nil {
			return nil, err
		}
		cfg.Workers = workers
	} else if inline := v.GetString("workers"); inline != "" {
		workers, err := ParseWorkersString(inline, cfg.MaxRestarts)
		if err != nil {
			return nil, err
		}
		cfg.Workers = workers
	}

	for _, w := range cfg.Workers {
		if w.Name == "" || len(w.Command) == 0 {
			return nil, fmt.Errorf("worker definition needs name and command: %+v", w)
		}
	}

	return cfg, nil
}

// defaultDataDir prefers the FHS location, falling back to ./data when it
// is not writable (dev, CI).
func defaultDataDir() string {
	return writableOr("/var/lib/edgewarden", "data")
}

func defaultLogDir() string {
	return writableOr("/var/log/edgewarden", "logs")
}

func writableOr(preferred, fallback string) string {
	if err := os.MkdirAll(preferred, 0o755); err != nil {
		return fallback
	}
	probe := filepath.Join(preferred, ".write_test")
	f, err := os.Create(probe)
	if err != nil {
		return fallback
	}
	f.Close()
	os.Remove(probe)
	return preferred
}
