package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"highlightsync/internal/domain"
	"highlightsync/internal/events"
	"highlightsync/internal/identity"
	"highlightsync/internal/logging"
	"highlightsync/internal/metrics"
	"highlightsync/internal/models"
	"highlightsync/internal/offline"
	"highlightsync/internal/queue"
	"highlightsync/internal/ratelimit"
	"highlightsync/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes trigger timing.
type Options struct {
	// Debounce collapses bursts of RequestSync calls into one flush.
	Debounce time.Duration
	// BreakerCooldown is how long to wait before retrying while the
	// circuit is open.
	BreakerCooldown time.Duration
}

// FlushResult counts what one Flush did.
type FlushResult struct {
	Delivered    int  `json:"delivered"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	Skipped      bool `json:"skipped"`
	// Deferred is set when the flush stopped early and scheduled itself
	// again: rate limit, open circuit or a head entry still backing off.
	Deferred time.Duration `json:"deferred"`
}

// Subscriber is the part of the network monitor the syncer listens to.
type Subscriber interface {
	Subscribe(fn func(online bool) error) func()
}

// Syncer drains the queue through the resilience chain. At most one
// flush runs at a time.
type Syncer struct {
	queue    *queue.Queue
	buffer   *offline.Buffer
	limiter  *ratelimit.Limiter
	sender   transport.Sender
	identity identity.Provider
	online   queue.OnlineChecker

	debounce time.Duration
	cooldown time.Duration

	flushing atomic.Bool
	trigger  chan struct{}

	timerMu sync.Mutex
	pending *time.Timer
	retries map[*time.Timer]struct{}
	stopped bool

	now       func() time.Time
	publisher events.Publisher
	logger    zerolog.Logger
}

func New(q *queue.Queue, buffer *offline.Buffer, limiter *ratelimit.Limiter, sender transport.Sender, id identity.Provider, online queue.OnlineChecker, opts Options, publisher events.Publisher, logger *zerolog.Logger) *Syncer {
	s := &Syncer{
		queue:     q,
		buffer:    buffer,
		limiter:   limiter,
		sender:    sender,
		identity:  id,
		online:    online,
		debounce:  opts.Debounce,
		cooldown:  opts.BreakerCooldown,
		trigger:   make(chan struct{}, 1),
		retries:   make(map[*time.Timer]struct{}),
		now:       time.Now,
		publisher: publisher,
		logger:    logging.Component(logger, "syncer"),
	}
	if s.debounce <= 0 {
		s.debounce = 500 * time.Millisecond
	}
	if s.cooldown <= 0 {
		s.cooldown = 30 * time.Second
	}
	q.SetSyncRequester(s)
	return s
}

func (s *Syncer) signal() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RequestSync schedules a flush after the debounce window. Each call
// replaces the pending timer.
func (s *Syncer) RequestSync() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped {
		return
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(s.debounce, s.signal)
	events.Emit(s.publisher, &s.logger, events.SyncRequested, events.SyncRequestedPayload{
		Reason:  "debounce",
		DelayMS: s.debounce.Milliseconds(),
	})
}

// RequestSyncAfter schedules a flush after d without touching the
// debounce timer.
func (s *Syncer) RequestSyncAfter(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timerMu.Lock()
		delete(s.retries, t)
		s.timerMu.Unlock()
		s.signal()
	})
	s.retries[t] = struct{}{}
	events.Emit(s.publisher, &s.logger, events.SyncRequested, events.SyncRequestedPayload{
		Reason:  "scheduled",
		DelayMS: d.Milliseconds(),
	})
}

// Stop cancels every pending trigger. Later requests are ignored.
func (s *Syncer) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.stopped = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	for t := range s.retries {
		t.Stop()
	}
	s.retries = make(map[*time.Timer]struct{})
}

// Pending reports the number of outstanding scheduled retries.
func (s *Syncer) Pending() int {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return len(s.retries)
}

func (s *Syncer) isOnline() bool {
	return s.online != nil && s.online.IsOnline()
}

// Destination names the store a submitted event landed in.
type Destination string

const (
	StoredInQueue   Destination = "queue"
	StoredInOffline Destination = "offline_buffer"
)

// Submit accepts a new domain event. Offline, the event goes to the
// staging buffer instead and the caller still sees success. Either way
// the event ends up in exactly one store: an online edit drops a stale
// buffered copy of the same id, and any dead-lettered copy is discarded.
func (s *Syncer) Submit(ctx context.Context, ev models.SyncEvent) (Destination, error) {
	if s.isOnline() {
		dropped, err := s.buffer.Supersede(ctx, ev.ID, func(ctx context.Context) error {
			return s.queue.Enqueue(ctx, ev)
		})
		if err != nil {
			return "", err
		}
		if dropped {
			s.logger.Debug().Str("event_id", ev.ID).Msg("stale offline copy replaced")
		}
		return StoredInQueue, nil
	}

	s.logger.Info().
		Err(&domain.OfflineError{Op: "submit"}).
		Str("event_id", ev.ID).
		Msg("redirecting event to offline buffer")
	if err := s.buffer.QueueOffline(ctx, ev); err != nil {
		return "", err
	}
	if err := s.queue.DropDeadLetter(ctx, ev.ID); err != nil {
		return "", err
	}
	return StoredInOffline, nil
}

// Attach requests a sync on every online transition.
func (s *Syncer) Attach(monitor Subscriber) func() {
	return monitor.Subscribe(func(online bool) error {
		if online {
			s.RequestSync()
		}
		return nil
	})
}

// Flushing reports whether a flush is running right now.
func (s *Syncer) Flushing() bool {
	return s.flushing.Load()
}

// Flush drains ready entries in priority order until the queue is empty
// or something forces it to stop. A concurrent call returns
// ErrFlushInProgress without doing anything; offline it is a no-op.
func (s *Syncer) Flush(ctx context.Context) (FlushResult, error) {
	if !s.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, domain.ErrFlushInProgress
	}
	defer s.flushing.Store(false)

	if !s.isOnline() {
		s.logger.Debug().Msg("offline, flush skipped")
		metrics.IncFlush("skipped")
		return FlushResult{Skipped: true}, nil
	}

	ident, err := s.identity.Identity(ctx)
	if err != nil {
		s.fail("", err)
		metrics.IncFlush("error")
		return FlushResult{}, err
	}
	size, err := s.queue.Size(ctx)
	if err != nil {
		s.fail("", err)
		metrics.IncFlush("error")
		return FlushResult{}, err
	}
	if size == 0 {
		return FlushResult{}, nil
	}

	start := s.now()
	s.logger.Info().Str("identity", ident).Int("queue_size", size).Msg("sync started")
	events.Emit(s.publisher, &s.logger, events.SyncStarted, events.SyncStartedPayload{Identity: ident, QueueSize: size})

	res, err := s.drain(ctx, ident)

	elapsed := s.now().Sub(start)
	if err != nil {
		s.fail("", err)
		metrics.IncFlush("error")
		return res, err
	}
	s.logger.Info().
		Int("delivered", res.Delivered).
		Int("retried", res.Retried).
		Int("dead_lettered", res.DeadLettered).
		Dur("took", elapsed).
		Msg("sync completed")
	events.Emit(s.publisher, &s.logger, events.SyncCompleted, events.SyncCompletedPayload{
		Delivered:    res.Delivered,
		Retried:      res.Retried,
		DeadLettered: res.DeadLettered,
		DurationMS:   elapsed.Milliseconds(),
	})
	metrics.IncFlush("ok")
	return res, nil
}

func (s *Syncer) reschedule(res *FlushResult, d time.Duration) {
	res.Deferred = d
	s.RequestSyncAfter(d)
}

func (s *Syncer) drain(ctx context.Context, ident string) (FlushResult, error) {
	var res FlushResult
	// the entry is off the queue while in flight; putting it back must
	// not depend on ctx
	storeCtx := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !s.isOnline() {
			s.logger.Info().Msg("went offline during sync")
			return res, nil
		}
		entry, wait, err := s.queue.DequeueReady(ctx, s.now())
		switch {
		case errors.Is(err, domain.ErrEmpty):
			return res, nil
		case errors.Is(err, domain.ErrNotReady):
			s.reschedule(&res, wait)
			return res, nil
		case err != nil:
			return res, err
		}

		// a token is only spent on an entry that is actually sent
		if !s.limiter.CheckLimit(ident, ratelimit.OpSync) {
			if err := s.queue.Restore(storeCtx, entry); err != nil {
				return res, err
			}
			s.reschedule(&res, s.limiter.RetryAfter(ident, ratelimit.OpSync))
			return res, nil
		}

		_, sendErr := s.sender.Send(ctx, transport.Message{
			ID:       uuid.NewString(),
			Identity: ident,
			Event:    entry.Event,
			SentAt:   s.now().UTC(),
		})
		if sendErr == nil {
			res.Delivered++
			metrics.IncDelivery("delivered")
			continue
		}

		var (
			open    *domain.CircuitBreakerOpenError
			limited *domain.RateLimitExceededError
		)
		switch {
		case domain.IsPermanent(sendErr):
			metrics.IncDelivery("rejected")
			s.fail(entry.Event.ID, sendErr)
			if err := s.queue.DeadLetter(storeCtx, entry, sendErr); err != nil {
				return res, err
			}
			res.DeadLettered++

		case errors.As(sendErr, &open):
			metrics.IncDelivery("circuit_open")
			if err := s.queue.Restore(storeCtx, entry); err != nil {
				return res, err
			}
			s.logger.Warn().Str("breaker", open.Name).Dur("cooldown", s.cooldown).Msg("circuit open, sync paused")
			s.reschedule(&res, s.cooldown)
			return res, nil

		case errors.As(sendErr, &limited):
			metrics.IncDelivery("throttled")
			if err := s.queue.Restore(storeCtx, entry); err != nil {
				return res, err
			}
			wait := limited.RetryAfter
			if wait <= 0 {
				wait = time.Second
			}
			s.logger.Warn().Dur("retry_after", wait).Msg("remote rate limit, sync paused")
			s.reschedule(&res, wait)
			return res, nil

		case errors.Is(sendErr, context.Canceled) && ctx.Err() != nil:
			if err := s.queue.Restore(storeCtx, entry); err != nil {
				return res, err
			}
			return res, ctx.Err()

		default:
			metrics.IncDelivery("failed")
			rr, err := s.queue.RetryEvent(storeCtx, entry, sendErr)
			if err != nil {
				return res, err
			}
			switch {
			case rr.DeadLettered:
				res.DeadLettered++
				s.fail(entry.Event.ID, sendErr)
			case !rr.Superseded:
				res.Retried++
			}
		}
	}
}

func (s *Syncer) fail(eventID string, err error) {
	s.logger.Error().Err(err).Str("event_id", eventID).Msg("sync failed")
	events.Emit(s.publisher, &s.logger, events.SyncFailed, events.SyncFailedPayload{EventID: eventID, Error: err.Error()})
}

// Serve runs a flush for every trigger until ctx is done.
func (s *Syncer) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case <-s.trigger:
			if _, err := s.Flush(ctx); err != nil && !errors.Is(err, domain.ErrFlushInProgress) && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("flush ended with error")
			}
		}
	}
}

func (s *Syncer) String() string {
	return "syncer"
}
