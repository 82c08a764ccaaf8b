package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full bridge configuration.
type Config struct {
	Zaptec  ZaptecConfig  `mapstructure:"zaptec"`
	Polling PollingConfig `mapstructure:"polling"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ZaptecConfig holds cloud API access.
type ZaptecConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// BaseURL and TokenURL override the production endpoints, mainly for
	// tests against a local stub.
	BaseURL  string `mapstructure:"base_url"`
	TokenURL string `mapstructure:"token_url"`

	// Devices optionally restricts the bridge to the listed device ids.
	Devices []string `mapstructure:"devices"`
	// NamePrefix is prepended to discovered device names.
	NamePrefix string `mapstructure:"name_prefix"`

	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
}

// PollingConfig tunes the adaptive poll cadence.
type PollingConfig struct {
	IdleInterval     time.Duration `mapstructure:"idle_interval"`
	ChargingInterval time.Duration `mapstructure:"charging_interval"`
	InfoInterval     time.Duration `mapstructure:"info_interval"`
	FirmwareInterval time.Duration `mapstructure:"firmware_interval"`
	FailureRetry     time.Duration `mapstructure:"failure_retry"`
	MaxFailureStreak int           `mapstructure:"max_failure_streak"`
}

// MQTTConfig is the host-facing broker connection.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// HTTPConfig is the local health/metrics/diagnostics server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// BlobConfig mirrors diagnostics snapshots to S3-compatible storage.
type BlobConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	Prefix    string        `mapstructure:"prefix"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	Interval  time.Duration `mapstructure:"interval"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file, applies defaults and env overrides, and
// validates. Environment variables use the ZAPBRIDGE_ prefix, e.g.
// ZAPBRIDGE_ZAPTEC_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zapbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zapbridge")
	}

	v.SetEnvPrefix("zapbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys need a default registered for AutomaticEnv to surface them
	// through Unmarshal, so the credential keys default to empty.
	v.SetDefault("zaptec.username", "")
	v.SetDefault("zaptec.password", "")
	v.SetDefault("zaptec.base_url", "")
	v.SetDefault("zaptec.token_url", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("zaptec.rate_limit_requests", 10)
	v.SetDefault("zaptec.rate_limit_window", time.Second)
	v.SetDefault("zaptec.request_timeout", 10*time.Second)
	v.SetDefault("zaptec.retry_attempts", 8)
	v.SetDefault("polling.idle_interval", 10*time.Minute)
	v.SetDefault("polling.charging_interval", time.Minute)
	v.SetDefault("polling.info_interval", time.Hour)
	v.SetDefault("polling.firmware_interval", 24*time.Hour)
	v.SetDefault("polling.failure_retry", 30*time.Second)
	v.SetDefault("polling.max_failure_streak", 5)
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "zapbridge")
	v.SetDefault("mqtt.topic_prefix", "zapbridge")
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("blob.enabled", false)
	v.SetDefault("blob.prefix", "zapbridge/snapshots")
	v.SetDefault("blob.use_ssl", true)
	v.SetDefault("blob.interval", time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces invariants the type system cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.Zaptec.Username == "" {
		return fmt.Errorf("zaptec.username is required")
	}
	if cfg.Zaptec.Password == "" {
		return fmt.Errorf("zaptec.password is required")
	}
	if cfg.Zaptec.RateLimitRequests <= 0 {
		return fmt.Errorf("zaptec.rate_limit_requests must be positive")
	}
	if cfg.Zaptec.RateLimitWindow <= 0 {
		return fmt.Errorf("zaptec.rate_limit_window must be positive")
	}
	if cfg.Polling.ChargingInterval > cfg.Polling.IdleInterval {
		return fmt.Errorf("polling.charging_interval must not exceed polling.idle_interval")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if cfg.Blob.Enabled {
		if cfg.Blob.Endpoint == "" || cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.endpoint and blob.bucket are required when blob is enabled")
		}
	}
	return nil
}
