package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseEnvDefaults(t *testing.T) {
	t.Setenv("OPENCOLLECTIVE_CLIENT_ID", "cid")

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	if cfg.ClientID != "cid" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.GraphQLURL != "https://api.opencollective.com/graphql/v2" {
		t.Errorf("GraphQLURL = %q", cfg.GraphQLURL)
	}
	if cfg.TokenBackend != BackendFile {
		t.Errorf("TokenBackend = %q", cfg.TokenBackend)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %s", cfg.HTTPTimeout)
	}
	if cfg.Scope != "expenses" {
		t.Errorf("Scope = %q", cfg.Scope)
	}
}

func TestParseEnvInvalid(t *testing.T) {
	t.Setenv("OPENCOLLECTIVE_HTTP_TIMEOUT", "soon")

	var cfg Config
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Errorf("error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Config{TokenBackend: BackendFile, HTTPTimeout: time.Second, RateLimit: 1}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"file backend", func(c *Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.TokenBackend = BackendPostgres; c.EncryptionKey = "k" }, "DATABASE_URL"},
		{"postgres without key", func(c *Config) { c.TokenBackend = BackendPostgres; c.DatabaseURL = "postgres://x" }, "ENCRYPTION_KEY"},
		{"postgres complete", func(c *Config) {
			c.TokenBackend = BackendPostgres
			c.DatabaseURL = "postgres://x"
			c.EncryptionKey = "k"
		}, ""},
		{"redis without addr", func(c *Config) { c.TokenBackend = BackendRedis }, "REDIS_ADDR"},
		{"unknown backend", func(c *Config) { c.TokenBackend = "s3" }, "unknown token backend"},
		{"zero timeout", func(c *Config) { c.HTTPTimeout = 0 }, "HTTP_TIMEOUT"},
		{"zero rate limit", func(c *Config) { c.RateLimit = 0 }, "RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHasClientCredentials(t *testing.T) {
	if (Config{ClientID: "a"}).HasClientCredentials() {
		t.Error("secret missing")
	}
	if !(Config{ClientID: "a", ClientSecret: "b"}).HasClientCredentials() {
		t.Error("both set")
	}
}
