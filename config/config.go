package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RelayConfig holds all configuration for the relay.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type RelayConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// TokenEncryptionSecret feeds PBKDF2 key derivation for tokens at
	// rest. WebhookSecret is shared with the upstream webhook signer.
	TokenEncryptionSecret string `mapstructure:"TOKEN_ENCRYPTION_SECRET"`
	WebhookSecret         string `mapstructure:"WEBHOOK_SECRET"`

	UpstreamClientID     string `mapstructure:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret string `mapstructure:"UPSTREAM_CLIENT_SECRET"`
	UpstreamAuthorizeURL string `mapstructure:"UPSTREAM_AUTHORIZE_URL"`
	UpstreamTokenURL     string `mapstructure:"UPSTREAM_TOKEN_URL"`
	OAuthRedirectURL     string `mapstructure:"OAUTH_REDIRECT_URL"`
	OAuthScopes          string `mapstructure:"OAUTH_SCOPES"` // space-separated
	OAuthSuccessURL      string `mapstructure:"OAUTH_SUCCESS_URL"`
	OAuthFailureURL      string `mapstructure:"OAUTH_FAILURE_URL"`

	RefreshRateLimit     int `mapstructure:"REFRESH_RATE_LIMIT"`
	RefreshRateWindowSec int `mapstructure:"REFRESH_RATE_WINDOW_SEC"`
}

// Scopes returns the configured OAuth scopes as a slice.
func (c *RelayConfig) Scopes() []string {
	return strings.Fields(c.OAuthScopes)
}

// Validate rejects configurations missing the secrets the relay cannot
// run without.
func (c *RelayConfig) Validate() error {
	if c.TokenEncryptionSecret == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_SECRET is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.UpstreamClientID == "" || c.UpstreamClientSecret == "" {
		return fmt.Errorf("UPSTREAM_CLIENT_ID and UPSTREAM_CLIENT_SECRET are required")
	}
	return nil
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*RelayConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/edge-relay/")
	v.AddConfigPath("$HOME/.edge-relay")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "edge-relay")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("UPSTREAM_AUTHORIZE_URL", "https://upstream.example.com/oauth/authorize")
	v.SetDefault("UPSTREAM_TOKEN_URL", "https://upstream.example.com/oauth/token")
	v.SetDefault("OAUTH_SCOPES", "read write")
	v.SetDefault("OAUTH_SUCCESS_URL", "/connected")
	v.SetDefault("OAUTH_FAILURE_URL", "/connect-failed")
	v.SetDefault("REFRESH_RATE_LIMIT", 10)
	v.SetDefault("REFRESH_RATE_WINDOW_SEC", 60)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, env vars and defaults apply.
		// Anything else (permissions, malformed YAML) is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
