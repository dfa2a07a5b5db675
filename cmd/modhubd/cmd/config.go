package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/modhub"
	"github.com/GoCodeAlone/modhub/feeders"
	"github.com/golobby/config/v3"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "MODHUB"

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// DaemonConfig is the configuration file of modhubd.
type DaemonConfig struct {
	Runtime   modhub.Config    `yaml:"runtime" toml:"runtime" json:"runtime"`
	Log       LogConfig        `yaml:"log" toml:"log" json:"log"`
	Admin     AdminConfig      `yaml:"admin" toml:"admin" json:"admin"`
	Journal   JournalConfig    `yaml:"journal" toml:"journal" json:"journal"`
	Tracing   TracingConfig    `yaml:"tracing" toml:"tracing" json:"tracing"`
	EventLog  EventLogConfig   `yaml:"eventLog" toml:"eventLog" json:"eventLog"`
	Schedules []ScheduleConfig `yaml:"schedules" toml:"schedules" json:"schedules"`
	Watch     bool             `yaml:"watch" toml:"watch" json:"watch" env:"WATCH" default:"false" desc:"Reload the configuration file when it changes"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LOG_LEVEL" default:"info" desc:"Log level: debug, info, warn or error"`
	Format string `yaml:"format" toml:"format" json:"format" env:"LOG_FORMAT" default:"text" desc:"Log format: text or json"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"ADMIN_ENABLED" default:"false" desc:"Serve the admin API"`
	Address          string `yaml:"address" toml:"address" json:"address" env:"ADMIN_ADDRESS" default:"127.0.0.1:8085" desc:"Listen address of the admin API"`
	MetricsNamespace string `yaml:"metricsNamespace" toml:"metricsNamespace" json:"metricsNamespace" env:"METRICS_NAMESPACE" default:"modhub" desc:"Prefix of exported Prometheus metrics"`
}

// JournalConfig configures the notification journal.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"JOURNAL_ENABLED" default:"false" desc:"Record runtime notifications in SQLite"`
	DSN        string `yaml:"dsn" toml:"dsn" json:"dsn" env:"JOURNAL_DSN" default:"modhub-journal.db" desc:"SQLite database of the journal"`
	MaxRecords int    `yaml:"maxRecords" toml:"maxRecords" json:"maxRecords" env:"JOURNAL_MAX_RECORDS" default:"10000" desc:"Notifications kept, 0 keeps all"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"TRACING_ENABLED" default:"false" desc:"Export dispatch spans over OTLP/HTTP"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT" desc:"OTLP/HTTP endpoint URL"`
	ServiceName string `yaml:"serviceName" toml:"serviceName" json:"serviceName" env:"TRACING_SERVICE_NAME" default:"modhubd" desc:"service.name resource attribute"`
}

// EventLogConfig configures the built-in module that logs the events it
// listens to.
type EventLogConfig struct {
	Events []string `yaml:"events" toml:"events" json:"events" desc:"Events logged by the eventlog module"`
}

// ScheduleConfig triggers Event on a cron schedule.
type ScheduleConfig struct {
	Spec    string   `yaml:"spec" toml:"spec" json:"spec"`
	Event   string   `yaml:"event" toml:"event" json:"event"`
	Channel *int     `yaml:"channel,omitempty" toml:"channel,omitempty" json:"channel,omitempty"`
	Payload []string `yaml:"payload,omitempty" toml:"payload,omitempty" json:"payload,omitempty"`
}

// Validate implements modhub.ConfigValidator.
func (c *DaemonConfig) Validate() error {
	if err := c.Runtime.Validate(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("%w: tracing.endpoint is required when tracing is enabled", modhub.ErrConfigValidationFailed)
	}
	for i, s := range c.Schedules {
		if s.Spec == "" || s.Event == "" {
			return fmt.Errorf("%w: schedules[%d] needs spec and event", ErrInvalidSchedule, i)
		}
	}
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	return l, nil
}

// loadDaemonConfig reads path, if given, then MODHUB_* environment variables.
func loadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	var sources []config.Feeder
	if path != "" {
		file, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, file)
	}
	sources = append(sources, feeders.NewAffixedEnvFeeder(EnvPrefix, ""))

	if err := modhub.LoadConfig(cfg, sources...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
