package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmpty is returned by dequeue/peek on an empty queue.
	ErrEmpty = errors.New("queue is empty")
	// ErrNotReady means the head entry is still waiting out its backoff.
	ErrNotReady = errors.New("head of queue is backing off")
	// ErrFlushInProgress is returned when another flush holds the guard.
	ErrFlushInProgress = errors.New("flush already in progress")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
)

// QueueFullError is returned when the durable queue is at capacity.
type QueueFullError struct {
	Size int
	Max  int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: %d/%d entries", e.Size, e.Max)
}

// ValidationError marks a malformed event. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NetworkError is a transient delivery failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error: " + e.Op
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitExceededError carries an optional RetryAfter hint.
type RateLimitExceededError struct {
	Identity   string
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	msg := "rate limit exceeded"
	if e.Operation != "" {
		msg += " for " + e.Operation
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	return msg
}

// OfflineError means the operation needs connectivity.
type OfflineError struct {
	Op string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("%s: offline", e.Op)
}

// CircuitBreakerOpenError is the breaker's fail-fast signal.
type CircuitBreakerOpenError struct {
	Name string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// TimeoutError is raised by the send timeout guard.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("send timed out after %s", e.After)
}

// IsPermanent reports failures that no amount of retrying will fix.
func IsPermanent(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether the retry decorator may attempt err again.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		open    *CircuitBreakerOpenError
		timeout *TimeoutError
		limited *RateLimitExceededError
	)
	return !errors.As(err, &open) && !errors.As(err, &timeout) && !errors.As(err, &limited)
}
