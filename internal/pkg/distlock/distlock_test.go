package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	key := CampaignSendKey("c-1")

	first := NewRedisLock(client, key, time.Minute)
	second := NewRedisLock(client, key, time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("lock:campaign-send:c-1"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "key already held")

	assert.ErrorIs(t, second.Release(ctx), ErrNotHeld, "non-owner cannot release")
	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists(first.Key()))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_TTLAndExtend(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	lock := NewRedisLock(client, "k", time.Second)

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL(lock.Key()))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrNotHeld, "expired lock cannot be extended")
}

func TestRedisLock_BackendError(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()

	_, err := NewRedisLock(client, "k", time.Second).Acquire(context.Background())
	assert.Error(t, err)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := CampaignSendKey("c-2")
	id := advisoryID(key)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	lock := NewPGAdvisoryLock(db, key)
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "already held by this instance")

	require.NoError(t, lock.Release(context.Background()))
	assert.ErrorIs(t, lock.Release(context.Background()), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_Contended(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := NewPGAdvisoryLock(db, "k").Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	a := NewLocalLock("local-key")
	b := NewLocalLock("local-key")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld)
	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestNewLock_PicksBackend(t *testing.T) {
	_, client := newRedis(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &RedisLock{}, NewLock(client, db, "k", time.Second))
	assert.IsType(t, &PGAdvisoryLock{}, NewLock(nil, db, "k", time.Second))
	assert.IsType(t, &LocalLock{}, NewLock(nil, nil, "k", time.Second))
}
