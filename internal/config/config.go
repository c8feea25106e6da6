// Package config loads and validates application configuration from a YAML
// file and SUGGESTBOT_-prefixed environment variables.
package config

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/riverbend-library/suggestbot/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Sierra     SierraConfig     `yaml:"sierra" mapstructure:"sierra"`
	Stages     StagesConfig     `yaml:"stages" mapstructure:"stages"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SierraConfig holds ILS API credentials and tuning.
type SierraConfig struct {
	APIBase        string `yaml:"api_base" mapstructure:"api_base"`
	ClientKey      string `yaml:"client_key" mapstructure:"client_key"`
	ClientSecret   string `yaml:"client_secret" mapstructure:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	RatePerSecond  int    `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// StagesConfig turns whole pipeline stages on or off. Evidence extraction
// has no flag; it always runs.
type StagesConfig struct {
	CatalogLookup bool `yaml:"catalog_lookup" mapstructure:"catalog_lookup"`
	Enrichment    bool `yaml:"enrichment" mapstructure:"enrichment"`
}

// EnrichmentConfig controls the Open Library stage and the gate policy
// deciding when it runs based on the catalog outcome.
type EnrichmentConfig struct {
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSeconds        int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxResults            int    `yaml:"max_results" mapstructure:"max_results"`
	RunOnNoCatalogMatch   bool   `yaml:"run_on_no_catalog_match" mapstructure:"run_on_no_catalog_match"`
	RunOnPartialMatch     bool   `yaml:"run_on_partial_catalog_match" mapstructure:"run_on_partial_catalog_match"`
	RunOnExactMatch       bool   `yaml:"run_on_exact_catalog_match" mapstructure:"run_on_exact_catalog_match"`
	RunOnLookupFailure    bool   `yaml:"run_on_lookup_failure" mapstructure:"run_on_lookup_failure"`
}

// RunConfig bounds one batch invocation.
type RunConfig struct {
	MaxRecordsPerRun int `yaml:"max_records_per_run" mapstructure:"max_records_per_run"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
}

// Load reads configuration from cfgFile (or ./config.yaml when empty) and
// the environment. Unknown keys in the file are rejected so a typo like
// run_on_no_match fails loudly instead of silently using the default.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SUGGESTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "suggestbot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sierra.timeout_seconds", 15)
	v.SetDefault("sierra.rate_per_second", 5)
	v.SetDefault("stages.catalog_lookup", true)
	v.SetDefault("stages.enrichment", true)
	v.SetDefault("enrichment.base_url", "https://openlibrary.org")
	v.SetDefault("enrichment.timeout_seconds", 10)
	v.SetDefault("enrichment.max_results", 5)
	v.SetDefault("enrichment.run_on_no_catalog_match", true)
	v.SetDefault("enrichment.run_on_partial_catalog_match", true)
	v.SetDefault("enrichment.run_on_exact_catalog_match", false)
	v.SetDefault("enrichment.run_on_lookup_failure", true)
	v.SetDefault("run.max_records_per_run", 50)
	v.SetDefault("run.concurrency", 4)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Run.Concurrency < 1 {
		return eris.Errorf("config: run.concurrency must be at least 1, got %d", c.Run.Concurrency)
	}
	if c.Run.MaxRecordsPerRun < 1 {
		return eris.Errorf("config: run.max_records_per_run must be at least 1, got %d", c.Run.MaxRecordsPerRun)
	}
	if c.Enrichment.MaxResults < 1 {
		return eris.Errorf("config: enrichment.max_results must be at least 1, got %d", c.Enrichment.MaxResults)
	}
	return nil
}

// Snapshot serializes the configuration for the bot_runs audit column with
// credentials redacted.
func (c *Config) Snapshot() json.RawMessage {
	redacted := *c
	if redacted.Sierra.ClientKey != "" {
		redacted.Sierra.ClientKey = "[redacted]"
	}
	if redacted.Sierra.ClientSecret != "" {
		redacted.Sierra.ClientSecret = "[redacted]"
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return nil
	}
	return data
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
