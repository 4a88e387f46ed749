package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheckLimitDrainsAndRefills(t *testing.T) {
	clock := newFakeClock()
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.True(t, l.CheckLimit("alice", OpSync), "token %d", i)
	}
	assert.False(t, l.CheckLimit("alice", OpSync))
	assert.Equal(t, 0, l.RemainingTokens("alice", OpSync))

	// 10 tokens per 60s: one token every 6s
	clock.Advance(6 * time.Second)
	assert.True(t, l.CheckLimit("alice", OpSync))
	assert.False(t, l.CheckLimit("alice", OpSync))
}

func TestBucketsAreScoped(t *testing.T) {
	clock := newFakeClock()
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckLimit("alice", OpAuth))
	}
	assert.False(t, l.CheckLimit("alice", OpAuth))
	assert.True(t, l.CheckLimit("bob", OpAuth), "other identity has its own bucket")
	assert.True(t, l.CheckLimit("alice", OpSync), "other operation has its own bucket")
}

func TestDefaultCapacities(t *testing.T) {
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(newFakeClock().Now))

	assert.Equal(t, 10, l.RemainingTokens("u", OpSync))
	assert.Equal(t, 5, l.RemainingTokens("u", OpAuth))
	assert.Equal(t, 100, l.RemainingTokens("u", OpAPI))
	assert.Equal(t, 100, l.RemainingTokens("u", Operation("export")), "unknown operations use api limits")
}

func TestConfiguredOverride(t *testing.T) {
	l := New(config.RateLimitConfig{
		Operations: map[string]config.BucketLimit{"sync": {Capacity: 2, Period: time.Second}},
	}, nil, nil, WithClock(newFakeClock().Now))

	assert.Equal(t, 2, l.RemainingTokens("u", OpSync))
}

func TestRemainingTokensDoesNotConsume(t *testing.T) {
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(newFakeClock().Now))
	for i := 0; i < 3; i++ {
		assert.Equal(t, 10, l.RemainingTokens("u", OpSync))
	}
}

func TestRetryAfterAndSignal(t *testing.T) {
	clock := newFakeClock()
	rec := &events.Recorder{}
	l := New(config.RateLimitConfig{}, rec, nil, WithClock(clock.Now))

	assert.Equal(t, time.Duration(0), l.RetryAfter("u", OpSync))
	for i := 0; i < 10; i++ {
		l.CheckLimit("u", OpSync)
	}
	wait := l.RetryAfter("u", OpSync)
	assert.InDelta(t, float64(6*time.Second), float64(wait), float64(time.Millisecond))

	assert.False(t, l.CheckLimit("u", OpSync))
	var payload events.RateLimitPayload
	require.True(t, rec.Last(events.RateLimitExceeded, &payload))
	assert.Equal(t, "u", payload.Identity)
	assert.Equal(t, "sync", payload.Operation)
	assert.InDelta(t, 6000, payload.RetryAfterMS, 1)
}

func TestReset(t *testing.T) {
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(newFakeClock().Now))
	for i := 0; i < 10; i++ {
		l.CheckLimit("u", OpSync)
	}
	assert.Equal(t, 0, l.RemainingTokens("u", OpSync))

	l.Reset("u", OpSync)
	assert.Equal(t, 10, l.RemainingTokens("u", OpSync))
	assert.Equal(t, 1, l.Metrics().ActiveBuckets)
}

func TestMetrics(t *testing.T) {
	l := New(config.RateLimitConfig{}, nil, nil, WithClock(newFakeClock().Now))
	for i := 0; i < 12; i++ {
		l.CheckLimit("u", OpSync)
	}
	m := l.Metrics()
	assert.Equal(t, int64(12), m.TotalAttempts)
	assert.Equal(t, int64(2), m.BlockedAttempts)
	assert.InDelta(t, 2.0/12.0, m.BlockRate, 1e-9)
	assert.Equal(t, 1, m.ActiveBuckets)
}

func TestPrune(t *testing.T) {
	clock := newFakeClock()
	l := New(config.RateLimitConfig{MaxBuckets: 3}, nil, nil, WithClock(clock.Now))

	// two busy buckets, three idle ones
	l.CheckLimit("busy-1", OpSync)
	l.CheckLimit("busy-2", OpSync)
	for i := 0; i < 3; i++ {
		l.RemainingTokens(fmt.Sprintf("idle-%d", i), OpSync)
	}
	require.Equal(t, 5, l.Metrics().ActiveBuckets)

	removed := l.Prune()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, l.Metrics().ActiveBuckets)
	assert.Equal(t, 9, l.RemainingTokens("busy-1", OpSync), "busy buckets keep their state")

	// under the cap nothing happens
	assert.Equal(t, 0, l.Prune())
}

func TestPruneFallsBackToEverything(t *testing.T) {
	l := New(config.RateLimitConfig{MaxBuckets: 1}, nil, nil, WithClock(newFakeClock().Now))
	for i := 0; i < 4; i++ {
		l.CheckLimit(fmt.Sprintf("u%d", i), OpSync)
	}

	assert.Equal(t, 4, l.Prune())
	assert.Equal(t, 0, l.Metrics().ActiveBuckets)
	assert.Equal(t, 10, l.RemainingTokens("u0", OpSync))
}
