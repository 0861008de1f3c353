package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Strategy names accepted in reconcile.strategies, in cascade order.
var KnownStrategies = []string{"exact", "fuzzy", "calculated", "inferred"}

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Tiering    TieringConfig    `yaml:"tiering" mapstructure:"tiering"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReconcileConfig configures the matching cascade.
type ReconcileConfig struct {
	Strategies     []string `yaml:"strategies" mapstructure:"strategies"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	// RulesetFile, when set, replaces the configuration tables with a YAML
	// ruleset.
	RulesetFile string `yaml:"ruleset_file" mapstructure:"ruleset_file"`
}

// TieringConfig configures tier actions.
type TieringConfig struct {
	Committee string `yaml:"committee" mapstructure:"committee"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentSessions int     `yaml:"max_concurrent_sessions" mapstructure:"max_concurrent_sessions"`
	SessionsPerSecond     float64 `yaml:"sessions_per_second" mapstructure:"sessions_per_second"`
}

// RetryConfig configures retries of transient store errors.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// MetricsConfig configures Prometheus output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// MonitoringConfig holds the session alert thresholds. Zero disables a check.
type MonitoringConfig struct {
	EscalationRateThreshold float64 `yaml:"escalation_rate_threshold" mapstructure:"escalation_rate_threshold"`
	MaxFailures             int     `yaml:"max_failures" mapstructure:"max_failures"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reconcile.strategies", KnownStrategies)
	v.SetDefault("reconcile.fuzzy_threshold", 0.85)
	v.SetDefault("reconcile.ruleset_file", "")
	v.SetDefault("tiering.committee", "")
	v.SetDefault("batch.max_concurrent_sessions", 4)
	v.SetDefault("batch.sessions_per_second", 10.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("monitoring.escalation_rate_threshold", 0.25)
	v.SetDefault("monitoring.max_failures", 0)
	v.SetDefault("telemetry.otlp_endpoint", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present and sane.
// mode is the command family: "process", "batch", "export", "import",
// "migrate" or "rules".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "process", "batch", "export", "import", "migrate":
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "rules":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if mode == "process" || mode == "batch" {
		if len(c.Reconcile.Strategies) == 0 {
			problems = append(problems, "reconcile.strategies must name at least one strategy")
		}
		for _, s := range c.Reconcile.Strategies {
			if !isKnownStrategy(s) {
				problems = append(problems, "unknown strategy "+s)
			}
		}
		if c.Reconcile.FuzzyThreshold <= 0 || c.Reconcile.FuzzyThreshold > 1 {
			problems = append(problems, "reconcile.fuzzy_threshold must be in (0, 1]")
		}
		if c.Retry.MaxAttempts < 1 {
			problems = append(problems, "retry.max_attempts must be at least 1")
		}
	}

	if mode == "batch" {
		if c.Batch.MaxConcurrentSessions < 1 || c.Batch.MaxConcurrentSessions > 64 {
			problems = append(problems, "batch.max_concurrent_sessions must be between 1 and 64")
		}
		if c.Batch.SessionsPerSecond <= 0 {
			problems = append(problems, "batch.sessions_per_second must be positive")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func isKnownStrategy(name string) bool {
	for _, s := range KnownStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
