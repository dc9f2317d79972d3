package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Remote FHIR server
	FHIRServerURL    string `mapstructure:"FHIR_SERVER_URL"`
	AuthTokenURL     string `mapstructure:"AUTH_TOKEN_URL"`
	AuthClientID     string `mapstructure:"AUTH_CLIENT_ID"`
	AuthClientSecret string `mapstructure:"AUTH_CLIENT_SECRET"`
	AuthScope        string `mapstructure:"AUTH_SCOPE"`

	// FHIR call retry policy
	FHIRMaxRetries       int     `mapstructure:"FHIR_MAX_RETRIES"`
	FHIRRetryDelayMS     int     `mapstructure:"FHIR_RETRY_DELAY_MS"`
	FHIRRetryExponential bool    `mapstructure:"FHIR_RETRY_EXPONENTIAL"`
	FHIRRetryJitter      float64 `mapstructure:"FHIR_RETRY_JITTER"`

	// Cache
	RedisURL string `mapstructure:"REDIS_URL"`

	// Transport
	NATSURL          string `mapstructure:"NATS_URL"`
	EventStream      string `mapstructure:"EVENT_STREAM"`
	EventSubject     string `mapstructure:"EVENT_SUBJECT"`
	NotifyStream     string `mapstructure:"NOTIFY_STREAM"`
	NotifySubject    string `mapstructure:"NOTIFY_SUBJECT"`
	NotifyDLQSubject string `mapstructure:"NOTIFY_DLQ_SUBJECT"`

	// Notification delivery
	MaxNotifyRetries int `mapstructure:"MAX_NOTIFY_RETRIES"`
	NotifyRetrySecs  int `mapstructure:"NOTIFY_RETRY_SECS"`

	// Backport subscription protocol (structured notification bundles)
	BackportMode bool `mapstructure:"BACKPORT_MODE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("FHIR_RETRY_DELAY_MS", 500)
	v.SetDefault("FHIR_RETRY_EXPONENTIAL", false)
	v.SetDefault("FHIR_RETRY_JITTER", 0.0)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("EVENT_STREAM", "FHIR_EVENTS")
	v.SetDefault("EVENT_SUBJECT", "fhir.events")
	v.SetDefault("NOTIFY_STREAM", "FHIR_NOTIFY")
	v.SetDefault("NOTIFY_SUBJECT", "fhir.notify")
	v.SetDefault("NOTIFY_DLQ_SUBJECT", "fhir.notify.dlq")
	v.SetDefault("MAX_NOTIFY_RETRIES", 5)
	v.SetDefault("NOTIFY_RETRY_SECS", 30)
	v.SetDefault("BACKPORT_MODE", false)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("AUTH_TOKEN_URL")
	v.BindEnv("AUTH_CLIENT_ID")
	v.BindEnv("AUTH_CLIENT_SECRET")
	v.BindEnv("AUTH_SCOPE")
	v.BindEnv("FHIR_MAX_RETRIES")
	v.BindEnv("FHIR_RETRY_DELAY_MS")
	v.BindEnv("FHIR_RETRY_EXPONENTIAL")
	v.BindEnv("FHIR_RETRY_JITTER")
	v.BindEnv("REDIS_URL")
	v.BindEnv("NATS_URL")
	v.BindEnv("EVENT_STREAM")
	v.BindEnv("EVENT_SUBJECT")
	v.BindEnv("NOTIFY_STREAM")
	v.BindEnv("NOTIFY_SUBJECT")
	v.BindEnv("NOTIFY_DLQ_SUBJECT")
	v.BindEnv("MAX_NOTIFY_RETRIES")
	v.BindEnv("NOTIFY_RETRY_SECS")
	v.BindEnv("BACKPORT_MODE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.FHIRServerURL == "" {
		return nil, fmt.Errorf("FHIR_SERVER_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. When a token URL is
// configured the client credentials must be complete, and the FHIR server URL
// must be a valid absolute http(s) URL.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRServerURL)
	if err != nil {
		return fmt.Errorf("FHIR_SERVER_URL is not a valid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("FHIR_SERVER_URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.AuthTokenURL != "" {
		if c.AuthClientID == "" || c.AuthClientSecret == "" {
			return fmt.Errorf("AUTH_CLIENT_ID and AUTH_CLIENT_SECRET are required when AUTH_TOKEN_URL is set")
		}
	}

	if c.FHIRMaxRetries < 0 {
		return fmt.Errorf("FHIR_MAX_RETRIES must not be negative")
	}
	if c.FHIRRetryJitter < 0 {
		return fmt.Errorf("FHIR_RETRY_JITTER must not be negative")
	}
	if c.MaxNotifyRetries < 1 {
		return fmt.Errorf("MAX_NOTIFY_RETRIES must be at least 1")
	}
	if c.NotifyRetrySecs < 1 {
		return fmt.Errorf("NOTIFY_RETRY_SECS must be at least 1")
	}

	return nil
}
