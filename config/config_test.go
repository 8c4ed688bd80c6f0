package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Pool.MaxConns)
	assert.Equal(t, 0, cfg.Pool.MinConns)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 60*time.Second, cfg.Pool.IdleTimeout)
	assert.Equal(t, 1000, cfg.Sessions.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.Timeout)
	assert.Equal(t, 8, cfg.Tasks.MaxConcurrent)
	assert.Equal(t, 60*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, 50.0, cfg.Rate.RPS)
	assert.Equal(t, 100, cfg.Rate.Burst)
	assert.False(t, cfg.OAuth.Enabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_MAX_CONNS", "32")
	t.Setenv("RELAY_MIN_CONNS", "4")
	t.Setenv("RELAY_ACQUIRE_TIMEOUT", "250ms")
	t.Setenv("RELAY_RATE_RPS", "2.5")
	t.Setenv("RELAY_OAUTH_CLIENT_ID", "client")
	t.Setenv("RELAY_OAUTH_SCOPES", "profile, email,")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Pool.MaxConns)
	assert.Equal(t, 4, cfg.Pool.MinConns)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 2.5, cfg.Rate.RPS)
	assert.True(t, cfg.OAuth.Enabled())
	assert.Equal(t, []string{"profile", "email"}, cfg.OAuth.ScopeList())
}

func TestValidateRejectsBadSizing(t *testing.T) {
	t.Setenv("RELAY_MIN_CONNS", "20")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_MIN_CONNS")
}

func TestValidateRejectsNonPositiveCeilings(t *testing.T) {
	t.Setenv("RELAY_MAX_CONCURRENT_TASKS", "0")
	_, err := FromEnv()
	assert.Error(t, err)
}
