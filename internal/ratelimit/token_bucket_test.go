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

func newTestBucket(t *testing.T) *TokenBucket {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client)
}

func TestTokenBucketAllowsWithinBurst(t *testing.T) {
	bucket := newTestBucket(t)

	res, err := bucket.Allow(context.Background(), "k1", 1, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, 2, res.Remaining)
}

func TestTokenBucketDeniesOnceBurstExhausted(t *testing.T) {
	bucket := newTestBucket(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "k2", 1, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := bucket.Allow(ctx, "k2", 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	bucket := newTestBucket(t)
	ctx := context.Background()

	resA, err := bucket.Allow(ctx, "a", 1, 1)
	require.NoError(t, err)
	assert.True(t, resA.Allowed)

	resB, err := bucket.Allow(ctx, "b", 1, 1)
	require.NoError(t, err)
	assert.True(t, resB.Allowed)
}

func TestTokenBucketNilReceiverErrors(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestNewTokenBucketWithNilClientReturnsNil(t *testing.T) {
	assert.Nil(t, NewTokenBucket(nil))
}

func TestTokenBucketRejectsInvalidArguments(t *testing.T) {
	bucket := newTestBucket(t)
	ctx := context.Background()

	_, err := bucket.Allow(ctx, "", 1, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(ctx, "k", 0, 1)
	assert.Error(t, err)

	_, err = bucket.Allow(ctx, "k", 1, 0)
	assert.Error(t, err)
}

func TestDefaultBucketTTLScalesWithBurstOverRate(t *testing.T) {
	assert.Equal(t, 4*time.Second, defaultBucketTTL(1, 2))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 2))
	assert.Equal(t, time.Second, defaultBucketTTL(1, 0))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(5), castToInt(int64(5)))
	assert.Equal(t, int64(5), castToInt(5))
	assert.Equal(t, int64(5), castToInt(5.0))
	assert.Equal(t, int64(0), castToInt("nope"))

	assert.Equal(t, 5.0, castToFloat(5.0))
	assert.Equal(t, 5.0, castToFloat(int64(5)))
	assert.Equal(t, 0.0, castToFloat("nope"))
}
