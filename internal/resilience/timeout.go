package resilience

import (
	"context"
	"errors"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/transport"
)

type timeoutSender struct {
	next  transport.Sender
	after time.Duration
}

// Timeout bounds every send with a hard deadline. Hitting it yields a
// *domain.TimeoutError; a deadline of the caller's own context passes through.
func Timeout(next transport.Sender, after time.Duration) transport.Sender {
	if after <= 0 {
		return next
	}
	return &timeoutSender{next: next, after: after}
}

func (s *timeoutSender) Send(ctx context.Context, msg transport.Message) (transport.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, s.after)
	defer cancel()

	resp, err := s.next.Send(tctx, msg)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return resp, &domain.TimeoutError{After: s.after}
	}
	return resp, err
}
