package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, time.Minute), srv
}

func TestLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker, srv := newTestLocker(t)
	key := TransactionLockKey("tx-1")

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, srv.Exists(key))

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, release(ctx))
	require.False(t, srv.Exists(key))

	release, err = locker.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestLockerReleaseIgnoresForeignToken(t *testing.T) {
	ctx := context.Background()
	locker, srv := newTestLocker(t)
	key := TransactionLockKey("tx-2")

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	// Simulate expiry followed by another holder taking the key.
	require.NoError(t, srv.Set(key, "someone-else"))
	require.NoError(t, release(ctx))

	value, err := srv.Get(key)
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestLockerAcquireWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	locker, _ := newTestLocker(t)
	key := TransactionLockKey("tx-3")

	_, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	start := time.Now()
	_, err = locker.AcquireWait(ctx, key, 120*time.Millisecond)
	require.ErrorIs(t, err, ErrLockNotAcquired)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPaginationDefaults(t *testing.T) {
	p := NewPagination(0, 0, 45)
	require.Equal(t, 1, p.Page)
	require.Equal(t, 20, p.PerPage)
	require.Equal(t, 3, p.TotalPages)
	require.Equal(t, 0, p.Offset())

	p = NewPagination(3, 500, 450)
	require.Equal(t, 100, p.PerPage)
	require.Equal(t, 200, p.Offset())
}
