// Package config loads server settings from OPENCOLLECTIVE_* environment
// variables.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"
)

// Token storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full server configuration.
type Config struct {
	ClientID     string `env:"OPENCOLLECTIVE_CLIENT_ID"`
	ClientSecret string `env:"OPENCOLLECTIVE_CLIENT_SECRET"`
	RedirectURI  string `env:"OPENCOLLECTIVE_REDIRECT_URI" envDefault:"http://localhost:8089/oauth/callback"`
	AuthURL      string `env:"OPENCOLLECTIVE_AUTH_URL" envDefault:"https://opencollective.com/oauth/authorize"`
	TokenURL     string `env:"OPENCOLLECTIVE_TOKEN_URL" envDefault:"https://opencollective.com/oauth/token"`
	GraphQLURL   string `env:"OPENCOLLECTIVE_GRAPHQL_URL" envDefault:"https://api.opencollective.com/graphql/v2"`
	Scope        string `env:"OPENCOLLECTIVE_SCOPE" envDefault:"expenses"`

	TokenBackend  string `env:"OPENCOLLECTIVE_TOKEN_BACKEND" envDefault:"file"`
	TokenPath     string `env:"OPENCOLLECTIVE_TOKEN_PATH"`
	DatabaseURL   string `env:"OPENCOLLECTIVE_DATABASE_URL"`
	EncryptionKey string `env:"OPENCOLLECTIVE_ENCRYPTION_KEY"`
	TokenName     string `env:"OPENCOLLECTIVE_TOKEN_NAME" envDefault:"default"`
	RedisAddr     string `env:"OPENCOLLECTIVE_REDIS_ADDR"`
	RedisKey      string `env:"OPENCOLLECTIVE_REDIS_KEY" envDefault:"opencollective:token"`

	HTTPTimeout time.Duration `env:"OPENCOLLECTIVE_HTTP_TIMEOUT" envDefault:"30s"`
	Port        string        `env:"PORT" envDefault:"8089"`
	RateLimit   int           `env:"OPENCOLLECTIVE_RATE_LIMIT" envDefault:"10"`
	InstanceID  string        `env:"INSTANCE_ID" envDefault:"local"`

	LokiURL    string `env:"GRAFANA_LOKI_URL"`
	LokiUser   string `env:"GRAFANA_LOKI_USER"`
	LokiAPIKey string `env:"GRAFANA_LOKI_API_KEY"`
	AppName    string `env:"APP_NAME" envDefault:"opencollective"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return errors.Wrap(err, "parse env")
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.TokenBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("OPENCOLLECTIVE_DATABASE_URL is required for the postgres token backend")
		}
		if c.EncryptionKey == "" {
			return errors.New("OPENCOLLECTIVE_ENCRYPTION_KEY is required for the postgres token backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("OPENCOLLECTIVE_REDIS_ADDR is required for the redis token backend")
		}
	default:
		return errors.Errorf("unknown token backend %q (want file, postgres or redis)", c.TokenBackend)
	}
	if c.HTTPTimeout <= 0 {
		return errors.Errorf("OPENCOLLECTIVE_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.RateLimit <= 0 {
		return errors.Errorf("OPENCOLLECTIVE_RATE_LIMIT must be positive, got %d", c.RateLimit)
	}
	return nil
}

// HasClientCredentials reports whether the OAuth2 application is configured.
// Without them the server can use a stored token but cannot refresh it.
func (c Config) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}
