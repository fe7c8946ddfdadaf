package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings. Values are read from the environment
// with an INSIGHT_ prefix; a local config file is optional.
type Config struct {
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`

	DatabaseURL string `mapstructure:"database_url"`

	JWTSecret     string `mapstructure:"jwt_secret"`
	AdminAPIKey   string `mapstructure:"admin_api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`

	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	ProviderBaseURL string        `mapstructure:"provider_base_url"`
	ProviderAPIKey  string        `mapstructure:"provider_api_key"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	ResetHour     int    `mapstructure:"reset_hour"`
	ResetTimezone string `mapstructure:"reset_timezone"`
	ResetBatch    int    `mapstructure:"reset_batch"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	ExporterProtocol string  `mapstructure:"exporter_protocol"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from the environment and an optional config file.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("rate_limit_max", 60)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("provider_timeout", 60*time.Second)
	v.SetDefault("reset_hour", 0)
	v.SetDefault("reset_timezone", "UTC")
	v.SetDefault("reset_batch", 100)
	v.SetDefault("tracing.sampling_ratio", 0.1)

	v.SetConfigName("insight")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/insight")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
