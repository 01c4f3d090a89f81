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
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Upstream  UpstreamConfig  `yaml:"upstream" mapstructure:"upstream"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Generate  GenerateConfig  `yaml:"generate" mapstructure:"generate"`
	Refresh   RefreshConfig   `yaml:"refresh" mapstructure:"refresh"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LedgerConfig configures the job ledger backend.
type LedgerConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// TTL returns the job retention window.
func (c LedgerConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// UpstreamConfig holds Scoutly provider API settings.
type UpstreamConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey              string  `yaml:"api_key" mapstructure:"api_key"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	PageSize            int     `yaml:"page_size" mapstructure:"page_size"`
	CooldownMinutes     int     `yaml:"cooldown_minutes" mapstructure:"cooldown_minutes"`
	PollIntervalSecs    int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutSecs     int     `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	FetchAttempts       int     `yaml:"fetch_attempts" mapstructure:"fetch_attempts"`
	FetchRetryDelaySecs int     `yaml:"fetch_retry_delay_secs" mapstructure:"fetch_retry_delay_secs"`
}

// FetchRetryDelay returns the pause between lead-listing retry attempts.
func (c UpstreamConfig) FetchRetryDelay() time.Duration {
	return time.Duration(c.FetchRetryDelaySecs) * time.Second
}

// QuotaConfig configures per-owner usage limits.
type QuotaConfig struct {
	MonthlyOpportunityLimit int `yaml:"monthly_opportunity_limit" mapstructure:"monthly_opportunity_limit"`
}

// GenerateConfig configures the generation orchestrator.
type GenerateConfig struct {
	DefaultLimit   int    `yaml:"default_limit" mapstructure:"default_limit"`
	JobTimeoutSecs int    `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	FieldMapPath   string `yaml:"field_map_path" mapstructure:"field_map_path"`
}

// RefreshConfig configures the scheduled bulk lead refresh.
type RefreshConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// SchedulerConfig configures the periodic job scheduler.
type SchedulerConfig struct {
	TickSecs            int `yaml:"tick_secs" mapstructure:"tick_secs"`
	MaxConcurrentJobs   int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	ShutdownTimeoutSecs int `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// NotifyConfig configures the owner notification dispatcher.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("PROSPECTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("ledger.redis_url", "redis://localhost:6379/0")
	v.SetDefault("ledger.ttl_hours", 168)
	v.SetDefault("upstream.base_url", "https://api.scoutly.dev")
	v.SetDefault("upstream.requests_per_second", 5)
	v.SetDefault("upstream.page_size", 500)
	v.SetDefault("upstream.cooldown_minutes", 10)
	v.SetDefault("upstream.poll_interval_secs", 5)
	v.SetDefault("upstream.poll_timeout_secs", 120)
	v.SetDefault("upstream.fetch_attempts", 10)
	v.SetDefault("upstream.fetch_retry_delay_secs", 5)
	v.SetDefault("quota.monthly_opportunity_limit", 500)
	v.SetDefault("generate.default_limit", 100)
	v.SetDefault("generate.job_timeout_secs", 600)
	v.SetDefault("refresh.concurrency", 4)
	v.SetDefault("scheduler.tick_secs", 60)
	v.SetDefault("scheduler.max_concurrent_jobs", 5)
	v.SetDefault("scheduler.shutdown_timeout_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
