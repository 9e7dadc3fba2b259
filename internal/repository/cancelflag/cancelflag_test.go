package cancelflag

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ttl), mr
}

func TestSetAndIsSet(t *testing.T) {
	s, mr := newStore(t, time.Minute)
	ctx := context.Background()

	set, err := s.IsSet(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.Set(ctx, "c-1"))
	set, err = s.IsSet(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.IsSet(ctx, "c-2")
	require.NoError(t, err)
	assert.False(t, set, "flags are per campaign")

	assert.True(t, mr.Exists("campaign:cancel:c-1"))
	assert.Equal(t, time.Minute, mr.TTL(Key("c-1")))
}

func TestFlagExpires(t *testing.T) {
	s, mr := newStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "c-1"))
	mr.FastForward(2 * time.Minute)

	set, err := s.IsSet(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, set)
}

func TestDefaultTTL(t *testing.T) {
	s, mr := newStore(t, 0)
	require.NoError(t, s.Set(context.Background(), "c-1"))
	assert.Equal(t, DefaultTTL, mr.TTL(Key("c-1")))
}

func TestBackendError(t *testing.T) {
	s, mr := newStore(t, time.Minute)
	mr.Close()

	_, err := s.IsSet(context.Background(), "c-1")
	assert.ErrorContains(t, err, "read cancel flag")
	assert.ErrorContains(t, s.Set(context.Background(), "c-1"), "set cancel flag")
}
