package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(RedisStoreConfig{Client: client})
	require.NoError(t, err)
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	rec := TokenRecord{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "bearer",
		Expiry:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Scopes:       []string{"profile"},
	}
	require.NoError(t, store.Put(ctx, "user-1", rec))

	got, ok, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.AccessToken, got.AccessToken)
	assert.Equal(t, rec.RefreshToken, got.RefreshToken)
	assert.True(t, rec.Expiry.Equal(got.Expiry))
	assert.Equal(t, rec.Scopes, got.Scopes)
}

func TestRedisStoreMissingKey(t *testing.T) {
	store := newRedisStore(t)
	_, ok, err := store.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDelete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "user-1", TokenRecord{AccessToken: "at"}))
	require.NoError(t, store.Delete(ctx, "user-1"))

	_, ok, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key stays a no-op.
	require.NoError(t, store.Delete(ctx, "user-1"))
}

func TestRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(RedisStoreConfig{})
	assert.Error(t, err)
}

func TestManagerWithRedisStore(t *testing.T) {
	ts := newTokenServer(t)
	store := newRedisStore(t)
	m := newTestManager(t, ts, nil, store)

	req := m.CreateAuthorizationRequest()
	require.NoError(t, m.ExchangeCode(context.Background(), "user-1", "code", req.State))

	tok, err := m.GetAccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
}
