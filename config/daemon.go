package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/cartelemetry/errors"
)

// NATSConfig holds connection settings for the signal bus and runner
// transport.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Timeout       Duration `yaml:"timeout"`
}

// StoreConfig holds result store settings.
type StoreConfig struct {
	Directory     string   `yaml:"directory"`
	FlushInterval Duration `yaml:"flush_interval"`
	Retention     Duration `yaml:"retention"`
	IOWorkers     int      `yaml:"io_workers"`
}

// BrokerConfig holds broker tuning.
type BrokerConfig struct {
	BatchWindow     Duration `yaml:"batch_window"`
	ThrottleBacklog int      `yaml:"throttle_backlog"`
	LargeDataBytes  int      `yaml:"large_data_bytes"`
	InitialPriority int      `yaml:"initial_priority"`
}

// RunnerConfig holds script runner transport settings.
type RunnerConfig struct {
	Subject       string   `yaml:"subject"`
	InvokeTimeout Duration `yaml:"invoke_timeout"`
}

// AdmissionConfig holds admission monitor settings.
type AdmissionConfig struct {
	Interval       Duration `yaml:"interval"`
	LoadAvgPath    string   `yaml:"loadavg_path"`
	MemInfoPath    string   `yaml:"meminfo_path"`
	HighLoadPerCPU float64  `yaml:"high_load_per_cpu"`
	MedLoadPerCPU  float64  `yaml:"med_load_per_cpu"`
}

// MetricsConfigServer holds the metrics HTTP endpoint settings.
type MetricsConfigServer struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// StreamConfig holds the live result stream settings.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Daemon is the full cartelemetryd configuration.
type Daemon struct {
	LogLevel  string              `yaml:"log_level"`
	NATS      NATSConfig          `yaml:"nats"`
	Store     StoreConfig         `yaml:"store"`
	Broker    BrokerConfig        `yaml:"broker"`
	Runner    RunnerConfig        `yaml:"runner"`
	Admission AdmissionConfig     `yaml:"admission"`
	Metrics   MetricsConfigServer `yaml:"metrics"`
	Stream    StreamConfig        `yaml:"stream"`

	// Configs installed at startup, keyed by file path.
	ConfigDir string `yaml:"config_dir"`
}

// DefaultDaemon returns a daemon config with production defaults.
func DefaultDaemon() Daemon {
	return Daemon{
		LogLevel: "info",
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "cartelemetryd",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Directory:     "/var/lib/cartelemetry",
			FlushInterval: Duration(5 * time.Minute),
			Retention:     Duration(30 * 24 * time.Hour),
			IOWorkers:     1,
		},
		Broker: BrokerConfig{
			BatchWindow:     Duration(100 * time.Millisecond),
			ThrottleBacklog: 32,
			LargeDataBytes:  10 * 1024,
			InitialPriority: PriorityMax,
		},
		Runner: RunnerConfig{
			Subject:       "telemetry.runner.invoke",
			InvokeTimeout: Duration(5 * time.Second),
		},
		Admission: AdmissionConfig{
			Interval:       Duration(10 * time.Second),
			LoadAvgPath:    "/proc/loadavg",
			MemInfoPath:    "/proc/meminfo",
			HighLoadPerCPU: 2.0,
			MedLoadPerCPU:  1.0,
		},
		Metrics: MetricsConfigServer{
			Port: 9090,
			Path: "/metrics",
		},
		Stream: StreamConfig{
			Enabled: false,
			Port:    8091,
		},
	}
}

// Validate checks the daemon config for coherent values.
func (d *Daemon) Validate() error {
	if d.Store.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Daemon", "Validate",
			"store.directory is required")
	}
	if d.Store.Retention <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Daemon", "Validate",
			"store.retention must be positive")
	}
	if d.Broker.BatchWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Daemon", "Validate",
			"broker.batch_window must be positive")
	}
	if d.Broker.InitialPriority < 0 || d.Broker.InitialPriority > PriorityMax {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Daemon", "Validate",
			"broker.initial_priority outside valid range")
	}
	if d.Runner.Subject == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Daemon", "Validate",
			"runner.subject is required")
	}
	return nil
}

// LoadDaemon reads a YAML daemon config from path, layered over defaults.
func LoadDaemon(path string) (Daemon, error) {
	d := DefaultDaemon()

	data, err := os.ReadFile(path)
	if err != nil {
		return d, errors.WrapInvalid(err, "Daemon", "LoadDaemon", "read config file")
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, errors.WrapInvalid(err, "Daemon", "LoadDaemon", "decode YAML")
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
