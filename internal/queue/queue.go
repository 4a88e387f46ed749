package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/domain"
	"highlightsync/internal/events"
	"highlightsync/internal/logging"
	"highlightsync/internal/metrics"
	"highlightsync/internal/models"
	"highlightsync/internal/resilience"
	"highlightsync/internal/validation"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	nearCapacityRatio = 0.8
	nearFullRatio     = 0.9
)

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// SyncRequester is told when there is work worth flushing.
type SyncRequester interface {
	RequestSync()
	RequestSyncAfter(d time.Duration)
}

// RetryResult describes what RetryEvent did with a failed entry.
type RetryResult struct {
	DeadLettered bool
	// Superseded is set when a newer version of the event was enqueued
	// while the failed one was in flight; the retry was dropped.
	Superseded bool
	Delay      time.Duration
}

// Queue is the durable, priority ordered outbox. Every store access goes
// through mu, so two dequeues never claim the same entry.
type Queue struct {
	mu          sync.Mutex
	store       domain.KeyedStore
	deadLetters domain.KeyedStore

	maxSize       int
	retryAttempts int
	backoff       resilience.RetryPolicy

	online    OnlineChecker
	reqMu     sync.RWMutex
	requester SyncRequester

	now       func() time.Time
	publisher events.Publisher
	logger    zerolog.Logger
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for backoff deadlines and dead-letter stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store, deadLetters domain.KeyedStore, cfg config.QueueConfig, online OnlineChecker, publisher events.Publisher, logger *zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:         store,
		deadLetters:   deadLetters,
		maxSize:       cfg.MaxSize,
		retryAttempts: cfg.RetryAttempts,
		backoff: resilience.RetryPolicy{
			InitialDelay:  cfg.BaseBackoff,
			MaxDelay:      cfg.MaxBackoff,
			BackoffFactor: 2,
		},
		online:    online,
		now:       time.Now,
		publisher: publisher,
		logger:    logging.Component(logger, "queue"),
	}
	if q.maxSize <= 0 {
		q.maxSize = 10000
	}
	if q.retryAttempts <= 0 {
		q.retryAttempts = 3
	}
	if q.backoff.InitialDelay <= 0 {
		q.backoff.InitialDelay = time.Second
	}
	if q.backoff.MaxDelay <= 0 {
		q.backoff.MaxDelay = time.Minute
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetSyncRequester wires the component that flushes the queue.
func (q *Queue) SetSyncRequester(r SyncRequester) {
	q.reqMu.Lock()
	defer q.reqMu.Unlock()
	q.requester = r
}

func (q *Queue) syncRequester() SyncRequester {
	q.reqMu.RLock()
	defer q.reqMu.RUnlock()
	return q.requester
}

func (q *Queue) isOnline() bool {
	return q.online != nil && q.online.IsOnline()
}

// Enqueue persists ev. A duplicate id replaces the stored entry, retry
// metadata included, and a dead-lettered copy of the id is discarded: the
// fresh edit supersedes it.
func (q *Queue) Enqueue(ctx context.Context, ev models.SyncEvent) error {
	if err := validation.ValidateEvent(ev); err != nil {
		return err
	}
	entry := models.NewQueueEntry(ev)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry %s: %w", ev.ID, err)
	}

	q.mu.Lock()
	size, err := q.store.Count(ctx)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("count queue: %w", err)
	}
	if size >= q.maxSize {
		q.mu.Unlock()
		q.logger.Warn().Int("size", size).Int("max", q.maxSize).Str("event_id", ev.ID).Msg("queue full, event rejected")
		events.Emit(q.publisher, &q.logger, events.QueueFull, q.capacityPayload(size))
		metrics.IncQueueOp("rejected")
		return &domain.QueueFullError{Size: size, Max: q.maxSize}
	}
	if err := q.store.Put(ctx, ev.ID, raw); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
	if err := q.deadLetters.Delete(ctx, ev.ID); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("drop dead letter %s: %w", ev.ID, err)
	}
	size, err = q.store.Count(ctx)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("count queue: %w", err)
	}

	metrics.IncQueueOp("enqueue")
	metrics.SetQueueSize(size)
	q.signalCapacity(size)
	q.logger.Debug().Str("event_id", ev.ID).Str("type", string(ev.Type)).Int("size", size).Msg("event enqueued")

	if q.isOnline() {
		if r := q.syncRequester(); r != nil {
			r.RequestSync()
		}
	}
	return nil
}

func (q *Queue) capacityPayload(size int) events.QueueCapacityPayload {
	return events.QueueCapacityPayload{Size: size, Max: q.maxSize, Ratio: float64(size) / float64(q.maxSize)}
}

func (q *Queue) signalCapacity(size int) {
	ratio := float64(size) / float64(q.maxSize)
	switch {
	case ratio >= nearFullRatio:
		q.logger.Warn().Int("size", size).Int("max", q.maxSize).Msg("queue near full")
		events.Emit(q.publisher, &q.logger, events.QueueNearFull, q.capacityPayload(size))
	case ratio >= nearCapacityRatio:
		q.logger.Warn().Int("size", size).Int("max", q.maxSize).Msg("queue near capacity")
		events.Emit(q.publisher, &q.logger, events.QueueNearCapacity, q.capacityPayload(size))
	}
}

// entriesLocked loads and orders every stored entry. Undecodable records
// are logged and skipped; they stay in the store for inspection.
func (q *Queue) entriesLocked(ctx context.Context) ([]models.QueueEntry, error) {
	records, err := q.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	entries := make([]models.QueueEntry, 0, len(records))
	for _, rec := range records {
		var e models.QueueEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			q.logger.Error().Err(err).Str("key", rec.Key).Msg("skip undecodable queue entry")
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
	return entries, nil
}

func (q *Queue) lookupLocked(ctx context.Context, id string) (models.QueueEntry, bool, error) {
	entries, err := q.entriesLocked(ctx)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	for _, e := range entries {
		if e.Event.ID == id {
			return e, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (q *Queue) removeLocked(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if size, err := q.store.Count(ctx); err == nil {
		metrics.SetQueueSize(size)
	}
	return nil
}

func (q *Queue) putLocked(ctx context.Context, e models.QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode queue entry %s: %w", e.Event.ID, err)
	}
	if err := q.store.Put(ctx, e.Event.ID, raw); err != nil {
		return fmt.Errorf("store %s: %w", e.Event.ID, err)
	}
	if size, err := q.store.Count(ctx); err == nil {
		metrics.SetQueueSize(size)
	}
	return nil
}

// Peek returns the head entry without removing it.
func (q *Queue) Peek(ctx context.Context) (models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.entriesLocked(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, domain.ErrEmpty
	}
	return entries[0], nil
}

// Dequeue removes and returns the head entry. The caller owns it from
// then on and must hand it back through Restore, RetryEvent or DeadLetter
// if delivery does not succeed.
func (q *Queue) Dequeue(ctx context.Context) (models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.entriesLocked(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, domain.ErrEmpty
	}
	head := entries[0]
	if err := q.removeLocked(ctx, head.Event.ID); err != nil {
		return models.QueueEntry{}, err
	}
	metrics.IncQueueOp("dequeue")
	return head, nil
}

// DequeueReady is Dequeue that respects backoff: while the head entry is
// still waiting it stays in place and ErrNotReady is returned together
// with the remaining wait. Later entries never overtake it.
func (q *Queue) DequeueReady(ctx context.Context, now time.Time) (models.QueueEntry, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.entriesLocked(ctx)
	if err != nil {
		return models.QueueEntry{}, 0, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, 0, domain.ErrEmpty
	}
	head := entries[0]
	if !head.ReadyAt(now) {
		return models.QueueEntry{}, head.NextAttemptAt.Sub(now), domain.ErrNotReady
	}
	if err := q.removeLocked(ctx, head.Event.ID); err != nil {
		return models.QueueEntry{}, 0, err
	}
	metrics.IncQueueOp("dequeue")
	return head, 0, nil
}

// Restore puts an in-flight entry back untouched. A newer version stored
// under the same id in the meantime is kept instead.
func (q *Queue) Restore(ctx context.Context, entry models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists, err := q.lookupLocked(ctx, entry.Event.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return q.putLocked(ctx, entry)
}

// sameVersion reports whether two events with one id carry the same edit.
func sameVersion(a, b models.SyncEvent) bool {
	if a.Type != b.Type || a.Timestamp != b.Timestamp {
		return false
	}
	return bytes.Equal(compact(a.Payload), compact(b.Payload))
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// RetryEvent records a failed delivery attempt. Past the configured retry
// budget the entry is dead-lettered; otherwise it is stored back with a
// backoff deadline and a sync is scheduled for when it expires.
func (q *Queue) RetryEvent(ctx context.Context, entry models.QueueEntry, cause error) (RetryResult, error) {
	q.mu.Lock()

	stored, exists, err := q.lookupLocked(ctx, entry.Event.ID)
	if err != nil {
		q.mu.Unlock()
		return RetryResult{}, err
	}
	if exists && !sameVersion(stored.Event, entry.Event) {
		q.mu.Unlock()
		q.logger.Debug().Str("event_id", entry.Event.ID).Msg("newer version queued, retry dropped")
		return RetryResult{Superseded: true}, nil
	}

	now := q.now()
	entry.RetryCount++
	entry.LastAttempt = &now

	if entry.RetryCount > q.retryAttempts {
		err := q.deadLetterLocked(ctx, entry, cause, now)
		if err == nil && exists {
			err = q.removeLocked(ctx, entry.Event.ID)
		}
		q.mu.Unlock()
		if err != nil {
			return RetryResult{}, err
		}
		return RetryResult{DeadLettered: true}, nil
	}

	delay := q.BackoffDelay(entry.RetryCount)
	next := now.Add(delay)
	entry.NextAttemptAt = &next
	if err := q.putLocked(ctx, entry); err != nil {
		q.mu.Unlock()
		return RetryResult{}, err
	}
	q.mu.Unlock()

	q.logger.Warn().
		Err(cause).
		Str("event_id", entry.Event.ID).
		Int("retry_count", entry.RetryCount).
		Dur("delay", delay).
		Msg("delivery failed, retry scheduled")
	events.Emit(q.publisher, &q.logger, events.SyncRetry, events.SyncRetryPayload{
		EventID:    entry.Event.ID,
		EventType:  string(entry.Event.Type),
		RetryCount: entry.RetryCount,
		DelayMS:    delay.Milliseconds(),
		Error:      errorText(cause),
	})
	metrics.IncQueueOp("retry")

	if r := q.syncRequester(); r != nil {
		r.RequestSyncAfter(delay)
	}
	return RetryResult{Delay: delay}, nil
}

// DeadLetter moves an entry straight to the dead-letter store, for
// failures no retry can fix.
func (q *Queue) DeadLetter(ctx context.Context, entry models.QueueEntry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if err := q.deadLetterLocked(ctx, entry, cause, now); err != nil {
		return err
	}
	stored, exists, err := q.lookupLocked(ctx, entry.Event.ID)
	if err != nil {
		return err
	}
	if exists && sameVersion(stored.Event, entry.Event) {
		return q.removeLocked(ctx, entry.Event.ID)
	}
	return nil
}

func (q *Queue) deadLetterLocked(ctx context.Context, entry models.QueueEntry, cause error, now time.Time) error {
	dl := models.DeadLetterEntry{Entry: entry, FailedAt: now, Error: errorText(cause)}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", entry.Event.ID, err)
	}
	if err := q.deadLetters.Put(ctx, entry.Event.ID, raw); err != nil {
		return fmt.Errorf("dead-letter %s: %w", entry.Event.ID, err)
	}

	q.logger.Error().
		Str("event_id", entry.Event.ID).
		Str("type", string(entry.Event.Type)).
		Int("retry_count", entry.RetryCount).
		Str("error", dl.Error).
		Msg("event dead-lettered")
	events.Emit(q.publisher, &q.logger, events.EventDeadLettered, events.DeadLetteredPayload{
		EventID:    entry.Event.ID,
		EventType:  string(entry.Event.Type),
		RetryCount: entry.RetryCount,
		Error:      dl.Error,
	})
	metrics.IncQueueOp("dead_letter")
	return nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func (q *Queue) deadLettersLocked(ctx context.Context) ([]models.DeadLetterEntry, error) {
	records, err := q.deadLetters.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	out := make([]models.DeadLetterEntry, 0, len(records))
	for _, rec := range records {
		var dl models.DeadLetterEntry
		if err := json.Unmarshal(rec.Value, &dl); err != nil {
			q.logger.Error().Err(err).Str("key", rec.Key).Msg("skip undecodable dead letter")
			continue
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].Entry.Event.ID < out[j].Entry.Event.ID
	})
	return out, nil
}

// DeadLetters lists terminal failures, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadLettersLocked(ctx)
}

// RequeueDeadLetter moves one dead letter back into the queue with a
// fresh retry budget. If the queue already holds a version of the event,
// that version is kept and the dead letter is simply discarded.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	letters, err := q.deadLettersLocked(ctx)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	var found *models.DeadLetterEntry
	for i := range letters {
		if letters[i].Entry.Event.ID == id {
			found = &letters[i]
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return fmt.Errorf("dead letter %s: %w", id, domain.ErrNotFound)
	}

	_, exists, err := q.lookupLocked(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if !exists {
		entry := found.Entry
		entry.RetryCount = 0
		entry.LastAttempt = nil
		entry.NextAttemptAt = nil
		if err := q.putLocked(ctx, entry); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	if err := q.deadLetters.Delete(ctx, id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("drop dead letter %s: %w", id, err)
	}
	q.mu.Unlock()

	q.logger.Info().Str("event_id", id).Msg("dead letter requeued")
	metrics.IncQueueOp("requeue")
	if q.isOnline() {
		if r := q.syncRequester(); r != nil {
			r.RequestSync()
		}
	}
	return nil
}

// DropDeadLetter discards the dead-lettered copy of id, if any.
func (q *Queue) DropDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.deadLetters.Delete(ctx, id); err != nil {
		return fmt.Errorf("drop dead letter %s: %w", id, err)
	}
	return nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

// Clear drops every pending entry. Dead letters are untouched.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	records, err := q.store.GetAll(ctx)
	if err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("load queue: %w", err)
	}
	removed := 0
	var errs []error
	for _, rec := range records {
		if err := q.store.Delete(ctx, rec.Key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", rec.Key, err))
			continue
		}
		removed++
	}
	q.mu.Unlock()

	metrics.SetQueueSize(len(records) - removed)
	q.logger.Warn().Int("removed", removed).Msg("queue cleared")
	events.Emit(q.publisher, &q.logger, events.QueueCleared, events.QueueClearedPayload{Removed: removed})
	return removed, errors.Join(errs...)
}

// BackoffDelay is the wait before retry number retryCount: base doubled
// per retry, capped at the configured maximum.
func (q *Queue) BackoffDelay(retryCount int) time.Duration {
	return q.backoff.NextDelay(retryCount)
}
