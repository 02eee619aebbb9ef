package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSWR(ttl, grace time.Duration) *SWR[int] {
	tiered := NewTiered[int]("test", nil, ttl, zap.NewNop())
	return NewSWR[int](tiered, nil, grace, zap.NewNop())
}

func TestSWRColdMissLoadsAndCaches(t *testing.T) {
	s := newTestSWR(time.Minute, time.Minute)
	var calls int32
	load := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	v, err := s.Get(context.Background(), "k1", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = s.Get(context.Background(), "k1", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second read within ttl must not reload")
}

func TestSWRPastGraceWindowReloadsSynchronously(t *testing.T) {
	s := newTestSWR(10*time.Millisecond, 0)
	var calls int32
	load := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}

	v, err := s.Get(context.Background(), "k1", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	time.Sleep(30 * time.Millisecond)

	v, err = s.Get(context.Background(), "k1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "a read past ttl+grace must block on a synchronous reload")
}

func TestSWRPropagatesLoaderError(t *testing.T) {
	s := newTestSWR(time.Minute, time.Minute)
	wantErr := errors.New("loader failed")
	_, err := s.Get(context.Background(), "k1", func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestSWRRemoveForcesReload(t *testing.T) {
	s := newTestSWR(time.Minute, time.Minute)
	var calls int32
	load := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}

	_, err := s.Get(context.Background(), "k1", load)
	require.NoError(t, err)

	require.NoError(t, s.Remove(context.Background(), "k1"))

	v, err := s.Get(context.Background(), "k1", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
