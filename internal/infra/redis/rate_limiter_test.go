package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	failing bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) Ping(context.Context) error { return nil }
func (f *fakeCounter) Incr(_ context.Context, key string) (int64, error) {
	if f.failing {
		return 0, errors.New("connection refused")
	}
	f.counts[key]++
	return f.counts[key], nil
}
func (f *fakeCounter) Expire(_ context.Context, key string, d time.Duration) error {
	f.expires[key] = d
	return nil
}
func (f *fakeCounter) Publish(context.Context, string, interface{}) error { return nil }
func (f *fakeCounter) Close() error                                     { return nil }

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	fc := newFakeCounter()
	rl := NewRateLimiter(fc)
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	rl.now = func() time.Time { return now }
	key := CallerKey("alice", "POST /jobs")

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request in the window")
	assert.Len(t, fc.expires, 1)
	for _, d := range fc.expires {
		assert.Equal(t, 2*time.Minute, d)
	}

	now = now.Add(time.Minute)
	ok, err = rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts a new counter")

	ok, err = rl.Allow(ctx, CallerKey("bob", "POST /jobs"), 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "callers are counted apart")
}

func TestRateLimiter_Disabled(t *testing.T) {
	fc := newFakeCounter()
	fc.failing = true
	ok, err := NewRateLimiter(fc).Allow(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_Error(t *testing.T) {
	fc := newFakeCounter()
	fc.failing = true
	_, err := NewRateLimiter(fc).Allow(context.Background(), "k", 5, time.Minute)
	assert.Error(t, err)
}
