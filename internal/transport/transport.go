// Package transport delivers sync messages to the remote service.
package transport

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/models"
)

// Message is one delivery attempt of a SyncEvent.
type Message struct {
	ID       string           `json:"id"`
	Identity string           `json:"identity"`
	Event    models.SyncEvent `json:"event"`
	SentAt   time.Time        `json:"sent_at"`
}

// Response is the remote's answer.
type Response struct {
	Status   int    `json:"status"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// Sender performs one delivery. Resilience decorators wrap it.
type Sender interface {
	Send(ctx context.Context, msg Message) (Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Response, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Response, error) {
	return f(ctx, msg)
}

// classify maps a remote status onto the error taxonomy.
// 400/409/422 are permanent, 429 carries a retry hint, everything else
// non-2xx is treated as transient.
func classify(op string, resp Response, retryAfter time.Duration) error {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusBadRequest, resp.Status == http.StatusConflict, resp.Status == http.StatusUnprocessableEntity:
		return &domain.ValidationError{Field: "event", Reason: "rejected by remote: " + statusText(resp)}
	case resp.Status == http.StatusTooManyRequests:
		return &domain.RateLimitExceededError{Operation: "sync", RetryAfter: retryAfter}
	default:
		return &domain.NetworkError{Op: op, Err: statusError(resp)}
	}
}

func statusText(resp Response) string {
	if resp.Message != "" {
		return strconv.Itoa(resp.Status) + " " + resp.Message
	}
	return strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status)
}

type statusError Response

func (e statusError) Error() string {
	return "remote returned " + statusText(Response(e))
}

// parseRetryAfter understands the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
