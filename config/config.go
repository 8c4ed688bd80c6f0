// Package config loads runtime settings from the environment. Every knob is
// optional with a documented default, so a bare process starts with sane
// sizing and the environment only overrides what it needs to.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries every environment-tunable setting. Defaults are provided
// via struct tags and applied by envdecode.
type Config struct {
	Pool     PoolConfig
	Sessions SessionConfig
	Tasks    TaskConfig
	Rate     RateConfig
	OAuth    OAuthConfig
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	// MaxConns caps total connections. ENV: RELAY_MAX_CONNS
	MaxConns int `env:"RELAY_MAX_CONNS,default=10"`
	// MinConns is the floor the pool keeps warm. ENV: RELAY_MIN_CONNS
	MinConns int `env:"RELAY_MIN_CONNS,default=0"`
	// AcquireTimeout bounds how long Acquire blocks. ENV: RELAY_ACQUIRE_TIMEOUT
	AcquireTimeout time.Duration `env:"RELAY_ACQUIRE_TIMEOUT,default=5s"`
	// IdleTimeout is how long an idle connection survives the sweep.
	// ENV: RELAY_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"RELAY_IDLE_TIMEOUT,default=60s"`
}

// SessionConfig sizes the session manager.
type SessionConfig struct {
	// MaxSessions caps concurrently tracked sessions. ENV: RELAY_MAX_SESSIONS
	MaxSessions int `env:"RELAY_MAX_SESSIONS,default=1000"`
	// Timeout is the idle window before the sweep closes a session.
	// ENV: RELAY_SESSION_TIMEOUT
	Timeout time.Duration `env:"RELAY_SESSION_TIMEOUT,default=30m"`
}

// TaskConfig sizes the task manager.
type TaskConfig struct {
	// MaxConcurrent is the running-task ceiling. ENV: RELAY_MAX_CONCURRENT_TASKS
	MaxConcurrent int `env:"RELAY_MAX_CONCURRENT_TASKS,default=8"`
	// Timeout is the per-task watchdog deadline. ENV: RELAY_TASK_TIMEOUT
	Timeout time.Duration `env:"RELAY_TASK_TIMEOUT,default=60s"`
}

// RateConfig sizes the token-bucket rate limiter.
type RateConfig struct {
	// RPS is the steady refill rate in requests per second. ENV: RELAY_RATE_RPS
	RPS float64 `env:"RELAY_RATE_RPS,default=50"`
	// Burst is the bucket capacity. ENV: RELAY_RATE_BURST
	Burst int `env:"RELAY_RATE_BURST,default=100"`
}

// OAuthConfig carries provider credentials and endpoints. All optional; the
// oauth manager is only constructed when a client id is present.
type OAuthConfig struct {
	// ENV: RELAY_OAUTH_CLIENT_ID
	ClientID string `env:"RELAY_OAUTH_CLIENT_ID"`
	// ENV: RELAY_OAUTH_CLIENT_SECRET
	ClientSecret string `env:"RELAY_OAUTH_CLIENT_SECRET"`
	// ENV: RELAY_OAUTH_AUTH_URL
	AuthURL string `env:"RELAY_OAUTH_AUTH_URL"`
	// ENV: RELAY_OAUTH_TOKEN_URL
	TokenURL string `env:"RELAY_OAUTH_TOKEN_URL"`
	// ENV: RELAY_OAUTH_ISSUER
	Issuer string `env:"RELAY_OAUTH_ISSUER"`
	// ENV: RELAY_OAUTH_REDIRECT_URL
	RedirectURL string `env:"RELAY_OAUTH_REDIRECT_URL"`
	// Scopes is a comma-separated list. ENV: RELAY_OAUTH_SCOPES
	Scopes string `env:"RELAY_OAUTH_SCOPES"`
}

// ScopeList splits the comma-separated scope string.
func (c OAuthConfig) ScopeList() []string {
	if c.Scopes == "" {
		return nil
	}
	parts := strings.Split(c.Scopes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Enabled reports whether enough OAuth settings are present to construct a
// manager.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != ""
}

// FromEnv loads Config from the environment using envdecode, then validates
// cross-field constraints.
func FromEnv() (Config, error) {
	var cfg Config
	// All fields are optional or defaulted, so only malformed values error.
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that cannot be sized into working managers.
func (c Config) Validate() error {
	if c.Pool.MaxConns <= 0 {
		return fmt.Errorf("config: RELAY_MAX_CONNS must be positive, got %d", c.Pool.MaxConns)
	}
	if c.Pool.MinConns < 0 {
		return fmt.Errorf("config: RELAY_MIN_CONNS must not be negative, got %d", c.Pool.MinConns)
	}
	if c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("config: RELAY_MIN_CONNS (%d) exceeds RELAY_MAX_CONNS (%d)",
			c.Pool.MinConns, c.Pool.MaxConns)
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("config: RELAY_MAX_SESSIONS must be positive, got %d", c.Sessions.MaxSessions)
	}
	if c.Tasks.MaxConcurrent <= 0 {
		return fmt.Errorf("config: RELAY_MAX_CONCURRENT_TASKS must be positive, got %d", c.Tasks.MaxConcurrent)
	}
	return nil
}
