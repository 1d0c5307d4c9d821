// Package config loads the InferOps gateway's static node list and runtime
// tunables from a YAML file, with environment variables overriding most
// tunables. The scheduler weights and the incremental-merge threshold have
// no environment override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the static, operator-supplied description of one compute
// node: identity, endpoints and (optional) capability hints.
type NodeConfig struct {
	ID             int     `yaml:"id"`
	Name           string  `yaml:"name"`
	MonitorBaseURL string  `yaml:"monitor_base_url"`
	LLMURL         string  `yaml:"llm_url"`
	VRAMGB         float64 `yaml:"vram_gb"`
	TFLOPS         float64 `yaml:"tflops"`
}

// SchedulerWeights are the composite-score weights for node selection.
// They should sum to 1.0; Load does not enforce this so operators can
// experiment, but the default set does.
type SchedulerWeights struct {
	Capability float64 `yaml:"cap"`
	GPUUtil    float64 `yaml:"gpu"`
	GPUMem     float64 `yaml:"gmem"`
	CPU        float64 `yaml:"cpu"`
	Memory     float64 `yaml:"mem"`
	Temp       float64 `yaml:"temp"`
}

// Config is the fully resolved gateway configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`

	Nodes []NodeConfig `yaml:"nodes"`

	PollInterval        time.Duration    `yaml:"poll_interval"`
	TelemetryTimeout    time.Duration    `yaml:"telemetry_timeout"`
	OfflineFailureCount int              `yaml:"offline_failure_count"`
	OfflineStaleness    time.Duration    `yaml:"offline_staleness"`
	Weights             SchedulerWeights `yaml:"weights"`

	DispatcherConnectTimeout time.Duration `yaml:"dispatcher_connect_timeout"`
	DispatcherIdleTimeout    time.Duration `yaml:"dispatcher_idle_timeout"`
	DispatcherMaxRetries     int           `yaml:"dispatcher_max_retries"`
	DispatcherRetryBackoff   time.Duration `yaml:"dispatcher_retry_backoff"`

	MaxWorkers                int           `yaml:"max_workers"`
	ItemDeadline              time.Duration `yaml:"item_deadline"`
	MaxRetainedJobs           int           `yaml:"max_retained_jobs"`
	IncrementalMergeThreshold float64       `yaml:"incremental_merge_threshold"`

	OfflineAlertDelay time.Duration `yaml:"offline_alert_delay"`

	LogLevel string `yaml:"log_level"`
	NATSURL  string `yaml:"nats_url"`
}

// ServerConfig is the HTTP facade's bind address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns a Config populated with the gateway's default
// tunables and no nodes; callers layer a YAML file and environment
// overrides on top.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8000"},

		PollInterval:        2 * time.Second,
		TelemetryTimeout:    1500 * time.Millisecond,
		OfflineFailureCount: 3,
		OfflineStaleness:    15 * time.Second,
		Weights: SchedulerWeights{
			Capability: 0.30,
			GPUUtil:    0.25,
			GPUMem:     0.15,
			CPU:        0.10,
			Memory:     0.10,
			Temp:       0.10,
		},

		DispatcherConnectTimeout: 5 * time.Second,
		DispatcherIdleTimeout:    60 * time.Second,
		DispatcherMaxRetries:     3,
		DispatcherRetryBackoff:   50 * time.Millisecond,

		MaxWorkers:                8,
		ItemDeadline:              5 * time.Minute,
		MaxRetainedJobs:           32,
		IncrementalMergeThreshold: 0.5,

		OfflineAlertDelay: 30 * time.Second,

		LogLevel: "info",
	}
}

// Load reads path (if non-empty) as YAML on top of Defaults, then applies
// the INFEROPS_* environment variable overrides. Every tunable has one
// except Weights and IncrementalMergeThreshold, which come from the YAML
// file or the defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("config: no nodes configured")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = getEnv("INFEROPS_ADDR", cfg.Server.Addr)
	cfg.LogLevel = getEnv("INFEROPS_LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = getEnv("INFEROPS_NATS_URL", cfg.NATSURL)

	cfg.PollInterval = getEnvDuration("INFEROPS_POLL_INTERVAL", cfg.PollInterval)
	cfg.TelemetryTimeout = getEnvDuration("INFEROPS_TELEMETRY_TIMEOUT", cfg.TelemetryTimeout)
	cfg.OfflineFailureCount = getEnvInt("INFEROPS_OFFLINE_FAILURE_COUNT", cfg.OfflineFailureCount)
	cfg.OfflineStaleness = getEnvDuration("INFEROPS_OFFLINE_STALENESS", cfg.OfflineStaleness)

	cfg.DispatcherConnectTimeout = getEnvDuration("INFEROPS_DISPATCHER_CONNECT_TIMEOUT", cfg.DispatcherConnectTimeout)
	cfg.DispatcherIdleTimeout = getEnvDuration("INFEROPS_DISPATCHER_IDLE_TIMEOUT", cfg.DispatcherIdleTimeout)
	cfg.DispatcherMaxRetries = getEnvInt("INFEROPS_DISPATCHER_MAX_RETRIES", cfg.DispatcherMaxRetries)
	cfg.DispatcherRetryBackoff = getEnvDuration("INFEROPS_DISPATCHER_RETRY_BACKOFF", cfg.DispatcherRetryBackoff)

	cfg.MaxWorkers = getEnvInt("INFEROPS_MAX_WORKERS", cfg.MaxWorkers)
	cfg.ItemDeadline = getEnvDuration("INFEROPS_ITEM_DEADLINE", cfg.ItemDeadline)
	cfg.MaxRetainedJobs = getEnvInt("INFEROPS_MAX_RETAINED_JOBS", cfg.MaxRetainedJobs)

	cfg.OfflineAlertDelay = getEnvDuration("INFEROPS_OFFLINE_ALERT_DELAY", cfg.OfflineAlertDelay)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
