package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second request on a host waits ~100ms.
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/one"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/two"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "https://slow.example.com/"))
	err := l.Wait(ctx, "https://slow.example.com/")
	require.Error(t, err)
}

func TestOnDelayObservesImposedWaits(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var hosts []string
	l := New(Config{RPS: 20, Burst: 1})
	l.OnDelay = func(host string, delay time.Duration) {
		mu.Lock()
		hosts = append(hosts, host)
		mu.Unlock()
	}

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://example.com/"))
	require.NoError(t, l.Wait(ctx, "https://example.com/next"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"example.com"}, hosts)
}
