package resilience

import (
	"context"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/transport"

	"github.com/rs/zerolog"
)

type retrySender struct {
	next   transport.Sender
	policy RetryPolicy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Retry re-attempts failed sends up to policy.MaxRetries extra times.
// Errors that domain.IsRetryable rejects are returned immediately.
func Retry(next transport.Sender, policy RetryPolicy, logger *zerolog.Logger) transport.Sender {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "retry").Logger()
	}
	return &retrySender{next: next, policy: policy, logger: l, sleep: sleepCtx}
}

func (s *retrySender) Send(ctx context.Context, msg transport.Message) (transport.Response, error) {
	var (
		resp transport.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = s.next.Send(ctx, msg)
		if err == nil || !domain.IsRetryable(err) || attempt >= s.policy.MaxRetries {
			return resp, err
		}

		delay := s.policy.NextDelay(attempt + 1)
		s.logger.Debug().
			Err(err).
			Str("event_id", msg.Event.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("send failed, retrying")

		if serr := s.sleep(ctx, delay); serr != nil {
			return resp, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
