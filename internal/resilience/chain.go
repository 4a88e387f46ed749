package resilience

import (
	"context"

	"highlightsync/internal/config"
	"highlightsync/internal/events"
	"highlightsync/internal/transport"

	"github.com/rs/zerolog"
)

// Chain is the delivery stack: breaker, then retry, then the per-send
// timeout, then the raw transport. The breaker sits outermost so an open
// circuit fails fast without spending any retry backoff.
type Chain struct {
	sender  transport.Sender
	breaker *Breaker
}

func NewChain(raw transport.Sender, cfg config.ResilienceConfig, publisher events.Publisher, logger *zerolog.Logger) *Chain {
	policy := RetryPolicy{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.Multiplier,
	}
	inner := Retry(Timeout(raw, cfg.SendTimeout), policy, logger)
	breaker := NewBreaker(inner, BreakerSettings{
		Name:             cfg.Breaker.Name,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, publisher, logger)

	return &Chain{sender: breaker, breaker: breaker}
}

func (c *Chain) Send(ctx context.Context, msg transport.Message) (transport.Response, error) {
	return c.sender.Send(ctx, msg)
}

// Breaker exposes the outer circuit breaker for status reporting.
func (c *Chain) Breaker() *Breaker {
	return c.breaker
}
