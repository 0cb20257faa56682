package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Raw       RawConfig       `yaml:"raw" mapstructure:"raw"`
	Watermark WatermarkConfig `yaml:"watermark" mapstructure:"watermark"`
	Dimension DimensionConfig `yaml:"dimension" mapstructure:"dimension"`
	Reprocess ReprocessConfig `yaml:"reprocess" mapstructure:"reprocess"`
	Quality   QualityConfig   `yaml:"quality" mapstructure:"quality"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the metadata store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RawConfig configures the raw capture store client.
type RawConfig struct {
	Backend     string  `yaml:"backend" mapstructure:"backend"` // "http", "ftp", or "fs"
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RootDir     string  `yaml:"root_dir" mapstructure:"root_dir"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the per-call timeout as a duration.
func (c RawConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// WatermarkConfig configures change detection.
type WatermarkConfig struct {
	// LookbackYears bounds initial scope selection: partitions older than
	// this are never picked up for a first load. Already-ingested
	// partitions are retained regardless.
	LookbackYears int `yaml:"lookback_years" mapstructure:"lookback_years"`
}

// DimensionConfig configures SCD2 attribute tracking.
type DimensionConfig struct {
	// Tracked maps entity type to the attribute names whose changes open
	// a new dimension version. Empty list means every attribute is
	// tracked except those prefixed "audit_".
	Tracked map[string][]string `yaml:"tracked" mapstructure:"tracked"`

	// MaxConflictRetries bounds optimistic-concurrency retries on apply.
	MaxConflictRetries int `yaml:"max_conflict_retries" mapstructure:"max_conflict_retries"`
}

// ReprocessConfig configures the reprocessing engine.
type ReprocessConfig struct {
	// Workers is the re-extraction worker pool width. Tunable at runtime;
	// a width of 1 serializes the batch.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// BatchSize caps documents dispatched to the worker pool at once;
	// cancellation is checked between batches.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// RegressionTolerance is the per-field score drop below which a
	// difference is noise rather than a regression.
	RegressionTolerance float64 `yaml:"regression_tolerance" mapstructure:"regression_tolerance"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	// ChecksFile optionally points to a YAML file declaring additional
	// threshold checks evaluated alongside the built-in invariants.
	ChecksFile string `yaml:"checks_file" mapstructure:"checks_file"`
}

// ServerConfig configures the operator HTTP endpoint.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DISCLOSURES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "disclosures.db")
	v.SetDefault("raw.backend", "http")
	v.SetDefault("raw.user_agent", "disclosures-pipeline (data@jakeintech.dev)")
	v.SetDefault("raw.timeout_secs", 30)
	v.SetDefault("raw.max_retries", 3)
	v.SetDefault("raw.rate_per_sec", 5.0)
	v.SetDefault("watermark.lookback_years", 12)
	v.SetDefault("dimension.max_conflict_retries", 3)
	v.SetDefault("reprocess.workers", 10)
	v.SetDefault("reprocess.batch_size", 200)
	v.SetDefault("reprocess.regression_tolerance", 0.02)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the configuration needed by a command scope.
func (c *Config) Validate(scope string) error {
	switch scope {
	case "store":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
		}
	case "raw":
		switch c.Raw.Backend {
		case "http", "ftp":
			if c.Raw.BaseURL == "" {
				return eris.Errorf("config: raw.base_url is required for the %s backend", c.Raw.Backend)
			}
		case "fs":
			if c.Raw.RootDir == "" {
				return eris.New("config: raw.root_dir is required for the fs backend")
			}
		default:
			return eris.Errorf("config: unknown raw backend %q", c.Raw.Backend)
		}
	case "reprocess":
		if c.Reprocess.Workers < 1 {
			return eris.New("config: reprocess.workers must be at least 1")
		}
	}
	return nil
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
