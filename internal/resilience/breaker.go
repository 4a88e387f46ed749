package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/events"
	"highlightsync/internal/metrics"
	"highlightsync/internal/transport"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Breaker states as reported to operators.
const (
	StateClosed   = "CLOSED"
	StateHalfOpen = "HALF_OPEN"
	StateOpen     = "OPEN"
)

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// Breaker is a three-state circuit breaker around a Sender.
//
// CLOSED counts consecutive failures and opens at FailureThreshold. OPEN
// rejects calls with *domain.CircuitBreakerOpenError until ResetTimeout has
// passed; the next call moves it to HALF_OPEN. In HALF_OPEN one failure
// reopens it and SuccessThreshold consecutive successes close it.
type Breaker struct {
	next      transport.Sender
	cb        *gobreaker.CircuitBreaker[transport.Response]
	name      string
	logger    zerolog.Logger
	publisher events.Publisher
	tripped   atomic.Uint32
	threshold uint32

	// transitions collected under gobreaker's lock, published once it is
	// released so signal handlers may call back into the breaker
	mu          sync.Mutex
	transitions []events.CircuitStatePayload
}

func NewBreaker(next transport.Sender, settings BreakerSettings, publisher events.Publisher, logger *zerolog.Logger) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 2
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "circuit-breaker").Str("breaker", settings.Name).Logger()
	}

	b := &Breaker{
		next:      next,
		name:      settings.Name,
		logger:    l,
		publisher: publisher,
		threshold: uint32(settings.SuccessThreshold),
	}

	metrics.SetBreakerState(settings.Name, stateToFloat(gobreaker.StateClosed))

	b.cb = gobreaker.NewCircuitBreaker[transport.Response](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: uint32(settings.SuccessThreshold),
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= uint32(settings.FailureThreshold) {
				b.tripped.Store(counts.ConsecutiveFailures)
				return true
			}
			return false
		},
		IsSuccessful:  isBreakerSuccess,
		OnStateChange: b.onStateChange,
	})
	return b
}

// isBreakerSuccess decides what counts against the circuit. A remote that
// answers "invalid" or "slow down" is healthy; a canceled caller says
// nothing about the remote at all.
func isBreakerSuccess(err error) bool {
	if err == nil || domain.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return true
	}
	var limited *domain.RateLimitExceededError
	return errors.As(err, &limited)
}

// onStateChange runs under gobreaker's lock; it must not call back into
// cb, so the signal is only recorded here.
func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	fromStr, toStr := stateName(from), stateName(to)

	payload := events.CircuitStatePayload{Name: name, From: fromStr, To: toStr}
	switch to {
	case gobreaker.StateOpen:
		if from == gobreaker.StateClosed {
			payload.ConsecutiveFailures = b.tripped.Load()
		} else {
			payload.ConsecutiveFailures = 1
		}
	case gobreaker.StateClosed:
		payload.ConsecutiveSuccesses = b.threshold
	}

	b.logger.Warn().
		Str("from", fromStr).
		Str("to", toStr).
		Uint32("consecutive_failures", payload.ConsecutiveFailures).
		Uint32("consecutive_successes", payload.ConsecutiveSuccesses).
		Msg("circuit breaker state transition")

	metrics.SetBreakerState(name, stateToFloat(to))
	metrics.IncBreakerTransition(name, fromStr, toStr)

	b.mu.Lock()
	b.transitions = append(b.transitions, payload)
	b.mu.Unlock()
}

func (b *Breaker) publishTransitions() {
	b.mu.Lock()
	pending := b.transitions
	b.transitions = nil
	b.mu.Unlock()
	for _, payload := range pending {
		events.Emit(b.publisher, &b.logger, events.CircuitStateChanged, payload)
	}
}

func (b *Breaker) Send(ctx context.Context, msg transport.Message) (transport.Response, error) {
	resp, err := b.cb.Execute(func() (transport.Response, error) {
		return b.next.Send(ctx, msg)
	})
	b.publishTransitions()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return transport.Response{}, &domain.CircuitBreakerOpenError{Name: b.name}
	}
	return resp, err
}

// State reports CLOSED, HALF_OPEN or OPEN.
func (b *Breaker) State() string {
	state := b.cb.State()
	b.publishTransitions()
	return stateName(state)
}

// Counts exposes the current generation's counters.
func (b *Breaker) Counts() gobreaker.Counts {
	counts := b.cb.Counts()
	b.publishTransitions()
	return counts
}

func (b *Breaker) Name() string {
	return b.name
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return "UNKNOWN"
	}
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
