package ratelimit_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTryAcquire_BurstThenRefill(t *testing.T) {
	t.Parallel()

	cases := []struct {
		burst     int
		perSecond float64
	}{{1, 1}, {3, 2}, {10, 0.5}}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("N=%d R=%v", tc.burst, tc.perSecond), func(t *testing.T) {
			t.Parallel()

			fake := clock.NewFake(start)
			limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: tc.burst, PerSecond: tc.perSecond}}, fake)

			allowed := 0
			for range tc.burst * 3 {
				if limiter.TryAcquire("webhook:https://example.com", 1) {
					allowed++
				}
			}

			assert.Equal(t, tc.burst, allowed)

			fake.Advance(time.Duration(float64(time.Second) / tc.perSecond))
			assert.True(t, limiter.TryAcquire("webhook:https://example.com", 1))
			assert.False(t, limiter.TryAcquire("webhook:https://example.com", 1))
		})
	}
}

func TestTryAcquire_AtMostBurstWithinOneSecond(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(start)
	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: 4, PerSecond: 0.1}}, fake)

	allowed := 0

	for range 10 {
		if limiter.TryAcquire("k", 1) {
			allowed++
		}

		fake.Advance(90 * time.Millisecond)
	}

	assert.Equal(t, 4, allowed)
}

func TestTryAcquire_RejectionHasNoSideEffect(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(start)
	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: 3, PerSecond: 1}}, fake)

	assert.False(t, limiter.TryAcquire("k", 5))
	assert.True(t, limiter.TryAcquire("k", 3))
}

func TestTryAcquire_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: 1, PerSecond: 1}}, clock.NewFake(start))

	assert.True(t, limiter.TryAcquire("a", 1))
	assert.False(t, limiter.TryAcquire("a", 1))
	assert.True(t, limiter.TryAcquire("b", 1))
}

func TestTryAcquire_Overrides(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Bucket{Burst: 1, PerSecond: 1},
		Overrides: map[string]ratelimit.Bucket{
			"webhook:*":                   {Burst: 2, PerSecond: 1},
			"webhook:https://slow.test/*": {Burst: 0, PerSecond: 0},
			"notify:wf-1":                 {Burst: 3, PerSecond: 1},
		},
	}, clock.NewFake(start))

	count := func(key string) int {
		n := 0
		for range 5 {
			if limiter.TryAcquire(key, 1) {
				n++
			}
		}

		return n
	}

	assert.Equal(t, 2, count("webhook:https://fast.test/hook"))
	assert.Equal(t, 0, count("webhook:https://slow.test/hook"))
	assert.Equal(t, 3, count("notify:wf-1"))
	assert.Equal(t, 1, count("notify:wf-2"))
}

func TestTryAcquire_Concurrent(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: 50, PerSecond: 0.001}}, clock.NewFake(start))

	var (
		allowed atomic.Int64
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 10 {
				if limiter.TryAcquire("shared", 1) {
					allowed.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestEvict(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(start)
	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.Bucket{Burst: 1, PerSecond: 0.001}}, fake)

	require.True(t, limiter.TryAcquire("old", 1))
	fake.Advance(time.Hour)
	require.True(t, limiter.TryAcquire("fresh", 1))

	assert.Equal(t, 1, limiter.Evict(30*time.Minute))
	assert.True(t, limiter.TryAcquire("old", 1), "evicted bucket restarts full")
	assert.False(t, limiter.TryAcquire("fresh", 1))
}

func TestParseOverride(t *testing.T) {
	t.Parallel()

	key, bucket, err := ratelimit.ParseOverride("webhook:*=10:2.5")
	require.NoError(t, err)
	assert.Equal(t, "webhook:*", key)
	assert.Equal(t, ratelimit.Bucket{Burst: 10, PerSecond: 2.5}, bucket)

	for _, raw := range []string{"nokey", "=1:1", "k=1", "k=x:1", "k=1:y", "k=-1:1"} {
		_, _, err := ratelimit.ParseOverride(raw)
		assert.Error(t, err, raw)
	}
}
