package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesRequestsToSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestHostsDoNotShareBuckets(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 2, l.Hosts())
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestDisabledLimiterNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	assert.False(t, l.Enabled())
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://x.com"))
	}
	assert.Zero(t, l.Hosts())
}
