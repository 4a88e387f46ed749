package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/domain"
	"highlightsync/internal/events"
	"highlightsync/internal/models"
	"highlightsync/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMsg() transport.Message {
	return transport.Message{ID: "m1", Event: models.SyncEvent{ID: "e1", Type: models.HighlightCreated, Timestamp: 1}}
}

// countingSender fails with the queued errors, then succeeds.
type countingSender struct {
	calls atomic.Int32
	errs  []error
}

func (s *countingSender) Send(ctx context.Context, msg transport.Message) (transport.Response, error) {
	n := int(s.calls.Add(1))
	if n <= len(s.errs) {
		return transport.Response{}, s.errs[n-1]
	}
	return transport.Response{Status: 200, Accepted: true}, nil
}

func noSleep(r transport.Sender, delays *[]time.Duration) {
	r.(*retrySender).sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryRecovers(t *testing.T) {
	netErr := &domain.NetworkError{Op: "post", Err: errors.New("reset")}
	inner := &countingSender{errs: []error{netErr, netErr}}
	r := Retry(inner, RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffFactor: 2}, nil)
	var delays []time.Duration
	noSleep(r, &delays)

	resp, err := r.Send(context.Background(), testMsg())
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRetryGivesUp(t *testing.T) {
	netErr := &domain.NetworkError{Op: "post"}
	inner := &countingSender{errs: []error{netErr, netErr, netErr, netErr, netErr}}
	r := Retry(inner, RetryPolicy{MaxRetries: 3}, nil)
	var delays []time.Duration
	noSleep(r, &delays)

	_, err := r.Send(context.Background(), testMsg())
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, int32(4), inner.calls.Load(), "initial attempt plus three retries")
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", &domain.ValidationError{Field: "id", Reason: "is required"}},
		{"breaker open", &domain.CircuitBreakerOpenError{Name: "x"}},
		{"timeout", &domain.TimeoutError{After: time.Second}},
		{"rate limited", &domain.RateLimitExceededError{RetryAfter: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &countingSender{errs: []error{tt.err, tt.err}}
			r := Retry(inner, RetryPolicy{MaxRetries: 3}, nil)
			var delays []time.Duration
			noSleep(r, &delays)

			_, err := r.Send(context.Background(), testMsg())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, int32(1), inner.calls.Load())
			assert.Empty(t, delays)
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	inner := &countingSender{errs: []error{&domain.NetworkError{Op: "post"}, &domain.NetworkError{Op: "post"}}}
	r := Retry(inner, RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Send(ctx, testMsg())
	assert.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestTimeout(t *testing.T) {
	slow := transport.SenderFunc(func(ctx context.Context, msg transport.Message) (transport.Response, error) {
		<-ctx.Done()
		return transport.Response{}, ctx.Err()
	})

	t.Run("OwnDeadline", func(t *testing.T) {
		_, err := Timeout(slow, 20*time.Millisecond).Send(context.Background(), testMsg())
		var te *domain.TimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, 20*time.Millisecond, te.After)
		assert.False(t, domain.IsRetryable(err))
	})

	t.Run("CallerCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Timeout(slow, time.Second).Send(ctx, testMsg())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Disabled", func(t *testing.T) {
		inner := &countingSender{}
		assert.Same(t, transport.Sender(inner), Timeout(inner, 0))
	})
}

func TestBreakerTransitions(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	inner := transport.SenderFunc(func(ctx context.Context, msg transport.Message) (transport.Response, error) {
		calls.Add(1)
		if fail.Load() {
			return transport.Response{}, &domain.NetworkError{Op: "post"}
		}
		return transport.Response{Status: 200, Accepted: true}, nil
	})

	rec := &events.Recorder{}
	b := NewBreaker(inner, BreakerSettings{
		Name:             "test-transport",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	}, rec, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Send(ctx, testMsg())
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	var payload events.CircuitStatePayload
	require.True(t, rec.Last(events.CircuitStateChanged, &payload))
	assert.Equal(t, StateClosed, payload.From)
	assert.Equal(t, StateOpen, payload.To)
	assert.Equal(t, uint32(3), payload.ConsecutiveFailures)

	// open: fails fast without touching the wrapped sender
	_, err := b.Send(ctx, testMsg())
	var open *domain.CircuitBreakerOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, "test-transport", open.Name)
	assert.Equal(t, int32(3), calls.Load())

	// after the reset timeout the next call goes through in half-open
	time.Sleep(80 * time.Millisecond)
	fail.Store(false)
	_, err = b.Send(ctx, testMsg())
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Send(ctx, testMsg())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &countingSender{errs: []error{
		&domain.NetworkError{Op: "post"},
		&domain.NetworkError{Op: "post"},
	}}
	b := NewBreaker(inner, BreakerSettings{Name: "reopen", FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 30 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	_, err := b.Send(ctx, testMsg())
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	_, err = b.Send(ctx, testMsg())
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	inner := &countingSender{errs: []error{
		&domain.ValidationError{Reason: "bad"},
		&domain.ValidationError{Reason: "bad"},
		&domain.RateLimitExceededError{},
	}}
	b := NewBreaker(inner, BreakerSettings{Name: "permanent", FailureThreshold: 2}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := b.Send(context.Background(), testMsg())
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestChainOpenBreakerSkipsRetry(t *testing.T) {
	var calls atomic.Int32
	raw := transport.SenderFunc(func(ctx context.Context, msg transport.Message) (transport.Response, error) {
		calls.Add(1)
		return transport.Response{}, &domain.NetworkError{Op: "post"}
	})

	cfg := config.ResilienceConfig{
		SendTimeout: time.Second,
		Retry:       config.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond},
		Breaker:     config.BreakerConfig{Name: "chain", FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute},
	}
	chain := NewChain(raw, cfg, nil, nil)

	_, err := chain.Send(context.Background(), testMsg())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "retry runs inside a closed breaker")
	assert.Equal(t, StateOpen, chain.Breaker().State())

	_, err = chain.Send(context.Background(), testMsg())
	var open *domain.CircuitBreakerOpenError
	assert.True(t, errors.As(err, &open))
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach retry")
}

func TestBreakerSignalHandlerMayQueryState(t *testing.T) {
	inner := &countingSender{errs: []error{&domain.NetworkError{Op: "post"}}}
	bus := events.NewEventBus(nil)
	b := NewBreaker(inner, BreakerSettings{Name: "reentrant", FailureThreshold: 1, ResetTimeout: time.Minute}, bus, nil)

	var seen []string
	bus.Subscribe(events.CircuitStateChanged, func(*events.Event) error {
		seen = append(seen, b.State())
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Send(context.Background(), testMsg())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change handler deadlocked")
	}
	assert.Equal(t, []string{StateOpen}, seen)
}
