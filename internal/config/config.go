// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the server binary's configuration. All fields have environment
// bindings with defaults where sensible.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `env:"MCPMUX_LISTEN,default=:8080"`
	// ModeTag is surfaced by the health endpoint.
	ModeTag string `env:"MCPMUX_MODE,default=local"`
	// KeepAliveInterval is the SSE keep-alive cadence for push streams.
	KeepAliveInterval time.Duration `env:"MCPMUX_SSE_KEEPALIVE,default=30s"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"MCPMUX_LOG_LEVEL,default=info"`

	// RedisAddr, when set, selects the Redis Streams broker over the
	// in-memory one.
	RedisAddr string `env:"MCPMUX_REDIS_ADDR,default="`

	// TenantAllowlistPath, when set, restricts tenant keys to those listed
	// in the file (hot-reloaded).
	TenantAllowlistPath string `env:"MCPMUX_TENANT_ALLOWLIST,default="`

	// AuthIssuer, when set, enables JWT tenant-key validation. Discovery is
	// used unless AuthJWKSURL is also set.
	AuthIssuer  string `env:"MCPMUX_AUTH_ISSUER,default="`
	AuthJWKSURL string `env:"MCPMUX_AUTH_JWKS_URL,default="`
	// AuthAudience is the expected audience for JWT tenant keys.
	AuthAudience string `env:"MCPMUX_AUTH_AUDIENCE,default="`
}

// Load populates a Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
