package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig      `yaml:"log" mapstructure:"log"`
	Source     SourceConfig   `yaml:"source" mapstructure:"source"`
	Fetch      FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Policy     PolicyConfig   `yaml:"policy" mapstructure:"policy"`
	Circuit    CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Store      StoreConfig    `yaml:"store" mapstructure:"store"`
	Validation ValidateConfig `yaml:"validate" mapstructure:"validate"`
}

// SourceConfig describes the remote archive.
type SourceConfig struct {
	URLTemplate       string  `yaml:"url_template" mapstructure:"url_template"`
	Year              int     `yaml:"year" mapstructure:"year"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// FetchConfig configures acquisition runs.
type FetchConfig struct {
	DataDir     string   `yaml:"data_dir" mapstructure:"data_dir"`
	Extract     bool     `yaml:"extract" mapstructure:"extract"`
	BatchSize   int      `yaml:"batch_size" mapstructure:"batch_size"`
	States      []string `yaml:"states" mapstructure:"states"`
	CatalogPath string   `yaml:"catalog_path" mapstructure:"catalog_path"`
	OnOpen      string   `yaml:"on_open" mapstructure:"on_open"`
	MaxTrips    int      `yaml:"max_trips" mapstructure:"max_trips"`
	Seed        uint64   `yaml:"seed" mapstructure:"seed"`
}

// PolicyConfig configures request pacing.
type PolicyConfig struct {
	BaseDelayMs         int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	Multiplier          float64 `yaml:"multiplier" mapstructure:"multiplier"`
	RateLimitMaxSecs    int     `yaml:"rate_limit_max_secs" mapstructure:"rate_limit_max_secs"`
	TransientMaxSecs    int     `yaml:"transient_max_secs" mapstructure:"transient_max_secs"`
	JitterFraction      float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	MaxTransientRetries int     `yaml:"max_transient_retries" mapstructure:"max_transient_retries"`
	MaxRateLimitRetries int     `yaml:"max_rate_limit_retries" mapstructure:"max_rate_limit_retries"`
	BatchPauseSecs      int     `yaml:"batch_pause_secs" mapstructure:"batch_pause_secs"`
	RegionPauseSecs     int     `yaml:"region_pause_secs" mapstructure:"region_pause_secs"`
}

// CircuitConfig configures the circuit breaker guarding the remote source.
type CircuitConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs       int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	CooldownMultiplier float64 `yaml:"cooldown_multiplier" mapstructure:"cooldown_multiplier"`
	MaxCooldownSecs    int     `yaml:"max_cooldown_secs" mapstructure:"max_cooldown_secs"`
}

// StoreConfig configures the progress store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// ValidateConfig configures artifact re-validation.
type ValidateConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
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
	v.SetEnvPrefix("ADDRFEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("source.url_template", "https://www2.census.gov/geo/tiger/TIGER{{.Year}}/ADDRFEAT/tl_{{.Year}}_{{.FIPS}}{{.Item}}_addrfeat.zip")
	v.SetDefault("source.year", 2023)
	v.SetDefault("source.user_agent", "addrfeat-cli/1.0 (research download bot)")
	v.SetDefault("source.timeout_secs", 60)
	v.SetDefault("source.requests_per_second", 1.0)
	v.SetDefault("fetch.data_dir", "data/addrfeat")
	v.SetDefault("fetch.extract", true)
	v.SetDefault("fetch.batch_size", 15)
	v.SetDefault("fetch.states", []string{})
	v.SetDefault("fetch.on_open", "wait")
	v.SetDefault("fetch.max_trips", 5)
	v.SetDefault("policy.base_delay_ms", 2000)
	v.SetDefault("policy.multiplier", 2.0)
	v.SetDefault("policy.rate_limit_max_secs", 60)
	v.SetDefault("policy.transient_max_secs", 30)
	v.SetDefault("policy.jitter_fraction", 0.2)
	v.SetDefault("policy.max_transient_retries", 3)
	v.SetDefault("policy.max_rate_limit_retries", 6)
	v.SetDefault("policy.batch_pause_secs", 60)
	v.SetDefault("policy.region_pause_secs", 150)
	v.SetDefault("circuit.failure_threshold", 10)
	v.SetDefault("circuit.cooldown_secs", 120)
	v.SetDefault("circuit.cooldown_multiplier", 2.0)
	v.SetDefault("circuit.max_cooldown_secs", 1800)
	v.SetDefault("store.driver", "json")
	v.SetDefault("store.path", "data/addrfeat/progress.json")
	v.SetDefault("validate.concurrency", 4)

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
