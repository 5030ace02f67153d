package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.pilab.hu/authgw/gwerrors"
)

// Config holds all configuration for the gateway.
// Tags use mapstructure for Viper unmarshalling and env var binding.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	ExternalURL string `mapstructure:"GATEWAY_EXTERNAL_URL"`

	// SecretKey encrypts credential cache entries. 64 hex characters,
	// decoding to a 32-byte key.
	SecretKey string `mapstructure:"GATEWAY_SECRET_KEY"`

	RedisAddr     string `mapstructure:"GATEWAY_REDIS_ADDR"`
	RedisPassword string `mapstructure:"GATEWAY_REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"GATEWAY_REDIS_DB"`

	OIDCIssuer       string `mapstructure:"OIDC_ISSUER"`
	OIDCClientID     string `mapstructure:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `mapstructure:"OIDC_CLIENT_SECRET"`

	GitLabURL          string `mapstructure:"GITLAB_URL"`
	GitLabClientID     string `mapstructure:"GITLAB_CLIENT_ID"`
	GitLabClientSecret string `mapstructure:"GITLAB_CLIENT_SECRET"`
	GitLabAdminToken   string `mapstructure:"GITLAB_ADMIN_TOKEN"`

	ComputeURL          string `mapstructure:"COMPUTE_URL"`
	ComputeClientID     string `mapstructure:"COMPUTE_CLIENT_ID"`
	ComputeClientSecret string `mapstructure:"COMPUTE_CLIENT_SECRET"`

	CoreServiceURL string `mapstructure:"CORE_SERVICE_URL"`

	// CLILoginTimeoutSec bounds a CLI login handshake and its long poll,
	// in seconds.
	CLILoginTimeoutSec int `mapstructure:"CLI_LOGIN_TIMEOUT"`
	// MaxTokenLifetimeSec caps the lifetime of access tokens from
	// providers that issue very long-lived or non-expiring tokens.
	MaxTokenLifetimeSec int64 `mapstructure:"MAX_ACCESS_TOKEN_LIFETIME"`
	// ProxyTimeoutSec bounds one proxied request end to end, in seconds.
	ProxyTimeoutSec int `mapstructure:"PROXY_TIMEOUT"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// Load reads configuration from file, environment variables, and defaults.
// Mandatory values that are missing or malformed make the gateway refuse to
// start.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/authgw/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("GATEWAY_EXTERNAL_URL", "http://localhost:8080")
	v.SetDefault("GATEWAY_REDIS_ADDR", "localhost:6379")
	v.SetDefault("GATEWAY_REDIS_DB", 0)
	v.SetDefault("CLI_LOGIN_TIMEOUT", 300)
	v.SetDefault("MAX_ACCESS_TOKEN_LIFETIME", 86400)
	v.SetDefault("PROXY_TIMEOUT", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	// AutomaticEnv alone does not surface unset keys through Unmarshal;
	// bind each key explicitly.
	for _, key := range []string{
		"HTTP_PORT", "GATEWAY_EXTERNAL_URL", "GATEWAY_SECRET_KEY",
		"GATEWAY_REDIS_ADDR", "GATEWAY_REDIS_PASSWORD", "GATEWAY_REDIS_DB",
		"OIDC_ISSUER", "OIDC_CLIENT_ID", "OIDC_CLIENT_SECRET",
		"GITLAB_URL", "GITLAB_CLIENT_ID", "GITLAB_CLIENT_SECRET", "GITLAB_ADMIN_TOKEN",
		"COMPUTE_URL", "COMPUTE_CLIENT_ID", "COMPUTE_CLIENT_SECRET",
		"CORE_SERVICE_URL", "CLI_LOGIN_TIMEOUT", "MAX_ACCESS_TOKEN_LIFETIME",
		"PROXY_TIMEOUT", "LOG_LEVEL", "LOG_PRETTY",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, env vars and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s is mandatory", gwerrors.ErrConfiguration, name)
	}
	if c.SecretKey == "" {
		return missing("GATEWAY_SECRET_KEY")
	}
	if len(c.SecretKey) != 64 {
		return fmt.Errorf("%w: GATEWAY_SECRET_KEY must be 64 hex characters", gwerrors.ErrConfiguration)
	}
	if c.OIDCIssuer == "" {
		return missing("OIDC_ISSUER")
	}
	if c.OIDCClientID == "" || c.OIDCClientSecret == "" {
		return missing("OIDC_CLIENT_ID and OIDC_CLIENT_SECRET")
	}
	if c.GitLabURL != "" && (c.GitLabClientID == "" || c.GitLabClientSecret == "") {
		return missing("GITLAB_CLIENT_ID and GITLAB_CLIENT_SECRET")
	}
	if c.RedisAddr == "" {
		return missing("GATEWAY_REDIS_ADDR")
	}
	u, err := url.Parse(c.ExternalURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: GATEWAY_EXTERNAL_URL must be an absolute URL", gwerrors.ErrConfiguration)
	}
	return nil
}

// ParsedExternalURL returns the validated external URL. Call after Load.
func (c *Config) ParsedExternalURL() *url.URL {
	u, _ := url.Parse(c.ExternalURL)
	return u
}

func (c *Config) CLILoginTimeout() time.Duration {
	return time.Duration(c.CLILoginTimeoutSec) * time.Second
}

func (c *Config) ProxyTimeout() time.Duration {
	return time.Duration(c.ProxyTimeoutSec) * time.Second
}
