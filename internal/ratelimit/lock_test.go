package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLocker(client)
}

func TestLockerTryLockAcquiresWhenFree(t *testing.T) {
	locker := newTestLocker(t)
	token, ok, err := locker.TryLock(context.Background(), "reconcile:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)
}

func TestLockerTryLockFailsWhenAlreadyHeld(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "reconcile:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "reconcile:2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockerReleaseFreesTheLockForTheNextHolder(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "reconcile:3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "reconcile:3", token))

	_, ok, err = locker.TryLock(ctx, "reconcile:3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerReleaseWithWrongTokenDoesNotFreeTheLock(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "reconcile:4", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "reconcile:4", "not-the-real-token"))

	_, ok, err = locker.TryLock(ctx, "reconcile:4", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockerTryLockRejectsInvalidArguments(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	_, _, err := locker.TryLock(ctx, "", time.Minute)
	assert.Error(t, err)

	_, _, err = locker.TryLock(ctx, "k", 0)
	assert.Error(t, err)
}

func TestLockerReleaseOnNilReceiverIsANoOp(t *testing.T) {
	var locker *Locker
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
}

func TestNewLockerWithNilClientReturnsNil(t *testing.T) {
	assert.Nil(t, NewLocker(nil))
}
