package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysPerKey(t *testing.T) {
	t.Parallel()

	l := New(Config{
		Default: Bucket{RPS: 10, Burst: 1},
		Buckets: map[string]Bucket{"oracle": {RPS: 0}},
	})
	ctx := context.Background()

	// Consume the initial token.
	require.NoError(t, l.Wait(ctx, "source"))

	// 10 RPS means the next token arrives after ~100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "source"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// The oracle bucket is unlimited.
	start = time.Now()
	for range 20 {
		require.NoError(t, l.Wait(ctx, "oracle"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: Bucket{RPS: 0.1, Burst: 1}})
	require.NoError(t, l.Wait(context.Background(), "source"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "source"))
	require.False(t, l.Allow("source"))
}
