// Package config provides the Sentinel daemon's own ambient configuration:
// HTTP bind address, event bus backend selection, logging, metrics
// sampling, and supervisor-wide defaults — distinct from the per-process
// manifest in internal/sentinel/config, which has its own hand-rolled
// parser because its schema needs cycle detection and strict validation
// a generic mapstructure pass cannot express. This package follows the
// teacher's internal/common/config style: spf13/viper with SetDefault
// plus a SENTINEL_ env prefix and explicit BindEnv calls for keys whose
// casing AutomaticEnv can't derive.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every ambient configuration section for sentineld.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds the command/query HTTP+WS transport's bind settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// EventsConfig selects and configures the event bus backend the
// Supervisor Facade publishes on (spec.md 4.H).
type EventsConfig struct {
	// Backend is "memory" (default, single-process) or "nats" (for
	// consumers running out-of-process, e.g. a remote GUI).
	Backend       string `mapstructure:"backend"`
	NATSURL       string `mapstructure:"natsUrl"`
	NATSClientID  string `mapstructure:"natsClientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig controls Sentinel's own structured logging (distinct from
// captured child output, which lives in the Log Buffer).
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MetricsConfig controls the System Metrics Sampler (spec.md 4.I).
type MetricsConfig struct {
	PeriodMS   int `mapstructure:"periodMs"`
	HistorySize int `mapstructure:"historySize"`
}

// SupervisorConfig holds daemon-wide defaults for Entry lifecycle timing
// (spec.md 4.D, 5). They apply to every entry alike; ProcessConfig has no
// per-process override for them.
type SupervisorConfig struct {
	DefaultGracefulTimeoutMS int `mapstructure:"defaultGracefulTimeoutMs"`
	SpawnTimeoutMS           int `mapstructure:"spawnTimeoutMs"`
	DependencyDeadlineMS     int `mapstructure:"dependencyDeadlineMs"`
}

// TracingConfig enables OTLP span export for the spans opened around each
// Entry start and stop (see internal/tracing).
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// detectDefaultLogFormat mirrors the teacher's environment-aware default:
// structured JSON in containerized/production environments, human-readable
// console output on an interactive terminal.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SENTINEL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"*"})

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.natsClientId", "sentinel")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("metrics.periodMs", 2000)
	v.SetDefault("metrics.historySize", 60)

	v.SetDefault("supervisor.defaultGracefulTimeoutMs", 5000)
	v.SetDefault("supervisor.spawnTimeoutMs", 10000)
	v.SetDefault("supervisor.dependencyDeadlineMs", 30000)

	v.SetDefault("tracing.otlpEndpoint", "")
}

// Load reads ambient configuration from defaults, an optional
// sentineld.yaml (cwd or /etc/sentinel/), and SENTINEL_-prefixed env vars.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit extra config search path, searched
// before the working directory and /etc/sentinel/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv can't derive SNAKE_CASE from camelCase keys, so bind
	// the ones operators are most likely to override explicitly.
	_ = v.BindEnv("server.port", "SENTINEL_SERVER_PORT")
	_ = v.BindEnv("events.backend", "SENTINEL_EVENTS_BACKEND")
	_ = v.BindEnv("events.natsUrl", "SENTINEL_EVENTS_NATS_URL")
	_ = v.BindEnv("logging.level", "SENTINEL_LOG_LEVEL")
	_ = v.BindEnv("metrics.periodMs", "SENTINEL_METRICS_PERIOD_MS")

	v.SetConfigName("sentineld")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sentinel/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading ambient config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling ambient config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("ambient config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var problems []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if cfg.Events.Backend != "memory" && cfg.Events.Backend != "nats" {
		problems = append(problems, "events.backend must be \"memory\" or \"nats\"")
	}
	if cfg.Events.Backend == "nats" && cfg.Events.NATSURL == "" {
		problems = append(problems, "events.natsUrl is required when events.backend is \"nats\"")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		problems = append(problems, "logging.level must be one of debug, info, warn, error")
	}
	if cfg.Metrics.PeriodMS <= 0 {
		problems = append(problems, "metrics.periodMs must be positive")
	}
	if cfg.Metrics.HistorySize <= 0 {
		problems = append(problems, "metrics.historySize must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
