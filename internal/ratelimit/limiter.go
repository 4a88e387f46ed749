package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/events"
	"highlightsync/internal/logging"
	"highlightsync/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Operation names a class of rate-limited work.
type Operation string

const (
	OpSync Operation = "sync"
	OpAuth Operation = "auth"
	OpAPI  Operation = "api"
)

// DefaultLimits are used for operations without a configured override;
// unknown operations fall back to OpAPI.
var DefaultLimits = map[Operation]config.BucketLimit{
	OpSync: {Capacity: 10, Period: time.Minute},
	OpAuth: {Capacity: 5, Period: 15 * time.Minute},
	OpAPI:  {Capacity: 100, Period: time.Minute},
}

type bucket struct {
	lim      *rate.Limiter
	capacity int
}

// Metrics summarizes limiter activity since start.
type Metrics struct {
	TotalAttempts   int64   `json:"total_attempts"`
	BlockedAttempts int64   `json:"blocked_attempts"`
	BlockRate       float64 `json:"block_rate"`
	ActiveBuckets   int     `json:"active_buckets"`
}

// Limiter keeps one token bucket per (identity, operation). Buckets live
// only in memory; a restart hands everyone a full allowance again.
type Limiter struct {
	buckets  sync.Map
	count    atomic.Int64
	total    atomic.Int64
	blocked  atomic.Int64
	limits   map[Operation]config.BucketLimit
	interval time.Duration
	max      int
	now      func() time.Time

	publisher events.Publisher
	logger    zerolog.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for deterministic refill.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg config.RateLimitConfig, publisher events.Publisher, logger *zerolog.Logger, opts ...Option) *Limiter {
	limits := make(map[Operation]config.BucketLimit, len(DefaultLimits)+len(cfg.Operations))
	for op, lim := range DefaultLimits {
		limits[op] = lim
	}
	for op, lim := range cfg.Operations {
		limits[Operation(op)] = lim
	}

	l := &Limiter{
		limits:    limits,
		interval:  cfg.PruneInterval,
		max:       cfg.MaxBuckets,
		now:       time.Now,
		publisher: publisher,
		logger:    logging.Component(logger, "rate-limiter"),
	}
	if l.interval <= 0 {
		l.interval = 5 * time.Minute
	}
	if l.max <= 0 {
		l.max = 10000
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limitFor(op Operation) config.BucketLimit {
	if lim, ok := l.limits[op]; ok {
		return lim
	}
	return l.limits[OpAPI]
}

func newBucket(lim config.BucketLimit) *bucket {
	perSecond := float64(lim.Capacity) / lim.Period.Seconds()
	return &bucket{lim: rate.NewLimiter(rate.Limit(perSecond), lim.Capacity), capacity: lim.Capacity}
}

func key(identity string, op Operation) string {
	return identity + "\x00" + string(op)
}

func (l *Limiter) getBucket(identity string, op Operation) *bucket {
	k := key(identity, op)
	if v, ok := l.buckets.Load(k); ok {
		if b, ok := v.(*bucket); ok {
			return b
		}
	}

	b := newBucket(l.limitFor(op))
	actual, loaded := l.buckets.LoadOrStore(k, b)
	if loaded {
		if existing, ok := actual.(*bucket); ok {
			return existing
		}
	}
	l.count.Add(1)
	return b
}

// CheckLimit refills the bucket for the elapsed time and consumes one
// token. It returns false, consuming nothing, when the bucket is empty.
func (l *Limiter) CheckLimit(identity string, op Operation) bool {
	b := l.getBucket(identity, op)
	now := l.now()
	allowed := b.lim.AllowN(now, 1)

	l.total.Add(1)
	metrics.IncRateLimit(string(op), allowed)
	if allowed {
		return true
	}

	l.blocked.Add(1)
	wait := retryAfter(b, now)
	l.logger.Warn().
		Str("identity", identity).
		Str("operation", string(op)).
		Dur("retry_after", wait).
		Msg("rate limit exceeded")
	events.Emit(l.publisher, &l.logger, events.RateLimitExceeded, events.RateLimitPayload{
		Identity:     identity,
		Operation:    string(op),
		RetryAfterMS: wait.Milliseconds(),
	})
	return false
}

// RemainingTokens reports whole tokens available without consuming any.
func (l *Limiter) RemainingTokens(identity string, op Operation) int {
	b := l.getBucket(identity, op)
	tokens := b.lim.TokensAt(l.now())
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// RetryAfter estimates how long until one token is available.
func (l *Limiter) RetryAfter(identity string, op Operation) time.Duration {
	return retryAfter(l.getBucket(identity, op), l.now())
}

func retryAfter(b *bucket, now time.Time) time.Duration {
	tokens := b.lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	perSecond := float64(b.lim.Limit())
	if perSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil((1 - tokens) / perSecond * float64(time.Second)))
}

// Reset restores a bucket to full capacity.
func (l *Limiter) Reset(identity string, op Operation) {
	b := newBucket(l.limitFor(op))
	if _, loaded := l.buckets.Swap(key(identity, op), b); !loaded {
		l.count.Add(1)
	}
}

// Metrics returns a snapshot of the counters.
func (l *Limiter) Metrics() Metrics {
	total := l.total.Load()
	blocked := l.blocked.Load()
	m := Metrics{
		TotalAttempts:   total,
		BlockedAttempts: blocked,
		ActiveBuckets:   int(l.count.Load()),
	}
	if total > 0 {
		m.BlockRate = float64(blocked) / float64(total)
	}
	return m
}

// Prune drops bucket state once more than the configured maximum is
// tracked: full (idle) buckets first, everything if that is not enough.
// Dropped buckets come back full on next use.
func (l *Limiter) Prune() int {
	if int(l.count.Load()) <= l.max {
		return 0
	}
	now := l.now()
	removed := 0
	l.buckets.Range(func(k, v interface{}) bool {
		b, ok := v.(*bucket)
		if ok && b.lim.TokensAt(now) < float64(b.capacity) {
			return true
		}
		if _, loaded := l.buckets.LoadAndDelete(k); loaded {
			l.count.Add(-1)
			removed++
		}
		return true
	})

	if int(l.count.Load()) > l.max {
		l.buckets.Range(func(k, _ interface{}) bool {
			if _, loaded := l.buckets.LoadAndDelete(k); loaded {
				l.count.Add(-1)
				removed++
			}
			return true
		})
	}

	l.logger.Info().Int("removed", removed).Int64("remaining", l.count.Load()).Msg("pruned rate limit buckets")
	return removed
}

// Serve prunes on every interval until ctx is done.
func (l *Limiter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Prune()
		}
	}
}

func (l *Limiter) String() string {
	return "rate-limit-pruner"
}
