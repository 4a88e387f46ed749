package offline

import (
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
	"highlightsync/internal/validation"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrReplayInProgress is returned when Replay is already running.
var ErrReplayInProgress = errors.New("offline replay already in progress")

// Handoff delivers one buffered event onward, usually into the queue.
type Handoff func(ctx context.Context, ev models.SyncEvent) error

// Subscriber is the part of the network monitor the buffer listens to.
type Subscriber interface {
	Subscribe(fn func(online bool) error) func()
}

type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Buffer stages events created while disconnected. It has no size cap;
// crossing the warn threshold is only reported.
type Buffer struct {
	mu        sync.Mutex
	replaying sync.Mutex
	// handing serializes one entry's hand-off with Supersede
	handing   sync.Mutex
	store     domain.KeyedStore
	handoff   Handoff
	threshold int
	lastStamp time.Time
	now       func() time.Time

	publisher events.Publisher
	logger    zerolog.Logger
}

type Option func(*Buffer)

// WithClock replaces time.Now for QueuedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func New(store domain.KeyedStore, cfg config.OfflineConfig, handoff Handoff, publisher events.Publisher, logger *zerolog.Logger, opts ...Option) *Buffer {
	b := &Buffer{
		store:     store,
		handoff:   handoff,
		threshold: cfg.WarnThreshold,
		now:       time.Now,
		publisher: publisher,
		logger:    logging.Component(logger, "offline-buffer"),
	}
	if b.threshold <= 0 {
		b.threshold = 1000
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stampLocked returns a QueuedAt strictly after every earlier one, so
// events buffered within one clock tick keep their arrival order.
func (b *Buffer) stampLocked() time.Time {
	t := b.now().UTC()
	if !t.After(b.lastStamp) {
		t = b.lastStamp.Add(time.Nanosecond)
	}
	b.lastStamp = t
	return t
}

// QueueOffline persists ev for later replay. A duplicate id replaces the
// buffered event and takes a new place at the end of the line.
func (b *Buffer) QueueOffline(ctx context.Context, ev models.SyncEvent) error {
	if err := validation.ValidateEvent(ev); err != nil {
		return err
	}

	b.mu.Lock()
	entry := models.OfflineEntry{Event: ev, QueuedAt: b.stampLocked()}
	raw, err := json.Marshal(entry)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("encode offline entry %s: %w", ev.ID, err)
	}
	if err := b.store.Put(ctx, ev.ID, raw); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("buffer %s: %w", ev.ID, err)
	}
	size, err := b.store.Count(ctx)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("count offline buffer: %w", err)
	}

	metrics.SetOfflineSize(size)
	b.logger.Debug().Str("event_id", ev.ID).Int("size", size).Msg("event buffered offline")
	if size > b.threshold {
		b.logger.Warn().Int("size", size).Int("threshold", b.threshold).Msg("offline buffer is large")
		events.Emit(b.publisher, &b.logger, events.OfflineBufferLarge, events.OfflineBufferPayload{Size: size, Threshold: b.threshold})
	}
	return nil
}

func (b *Buffer) entriesLocked(ctx context.Context) ([]models.OfflineEntry, error) {
	records, err := b.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load offline buffer: %w", err)
	}
	out := make([]models.OfflineEntry, 0, len(records))
	for _, rec := range records {
		var e models.OfflineEntry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			b.logger.Error().Err(err).Str("key", rec.Key).Msg("skip undecodable offline entry")
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Event.ID < out[j].Event.ID
	})
	return out, nil
}

// Entries returns the buffered events in replay order.
func (b *Buffer) Entries(ctx context.Context) ([]models.OfflineEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entriesLocked(ctx)
}

func (b *Buffer) Size(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count offline buffer: %w", err)
	}
	return n, nil
}

func (b *Buffer) lookupLocked(ctx context.Context, id string) (models.OfflineEntry, bool, error) {
	entries, err := b.entriesLocked(ctx)
	if err != nil {
		return models.OfflineEntry{}, false, err
	}
	for _, e := range entries {
		if e.Event.ID == id {
			return e, true, nil
		}
	}
	return models.OfflineEntry{}, false, nil
}

// Supersede runs enqueue for a fresh edit of id made while online. Once
// enqueue succeeds any buffered copy of id is dropped, so a later replay
// cannot overwrite the fresh edit with the stale one. It reports whether
// a buffered copy was dropped; if enqueue fails the buffer is untouched.
func (b *Buffer) Supersede(ctx context.Context, id string, enqueue func(ctx context.Context) error) (bool, error) {
	b.handing.Lock()
	defer b.handing.Unlock()

	if err := enqueue(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	_, exists, err := b.lookupLocked(ctx, id)
	if err == nil && exists {
		if err = b.store.Delete(ctx, id); err != nil {
			err = fmt.Errorf("drop superseded %s: %w", id, err)
		}
	}
	b.mu.Unlock()
	if err != nil || !exists {
		return false, err
	}

	if size, err := b.Size(ctx); err == nil {
		metrics.SetOfflineSize(size)
	}
	b.logger.Info().Str("event_id", id).Msg("buffered copy superseded by fresh edit")
	return true, nil
}

// release drops a replayed entry unless it was re-buffered meanwhile.
func (b *Buffer) release(ctx context.Context, entry models.OfflineEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.entriesLocked(ctx)
	if err != nil {
		return err
	}
	for _, e := range current {
		if e.Event.ID == entry.Event.ID && !e.QueuedAt.Equal(entry.QueuedAt) {
			return nil
		}
	}
	if err := b.store.Delete(ctx, entry.Event.ID); err != nil {
		return fmt.Errorf("release %s: %w", entry.Event.ID, err)
	}
	return nil
}

// Replay hands every buffered event to the handoff, oldest first. An
// entry is removed only after its hand-off succeeded; failures stay put
// for the next run and do not stop the remaining entries.
func (b *Buffer) Replay(ctx context.Context) (ReplayResult, error) {
	if !b.replaying.TryLock() {
		return ReplayResult{}, ErrReplayInProgress
	}
	defer b.replaying.Unlock()

	entries, err := b.Entries(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(entries) == 0 {
		return ReplayResult{}, nil
	}
	b.logger.Info().Int("entries", len(entries)).Msg("replaying offline buffer")

	var res ReplayResult
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		replayed, err := b.replayOne(ctx, entry)
		if err != nil {
			return res, err
		}
		switch replayed {
		case replayOK:
			res.Replayed++
			metrics.IncOfflineReplay("replayed")
		case replayFailed:
			res.Failed++
			metrics.IncOfflineReplay("failed")
		}
	}

	if size, err := b.Size(ctx); err == nil {
		metrics.SetOfflineSize(size)
	}
	b.logger.Info().Int("replayed", res.Replayed).Int("failed", res.Failed).Msg("offline replay finished")
	return res, nil
}

type replayOutcome int

const (
	replayGone replayOutcome = iota
	replayOK
	replayFailed
)

// replayOne hands off the current buffered version of entry's id. An
// entry dropped by Supersede since the snapshot is skipped.
func (b *Buffer) replayOne(ctx context.Context, entry models.OfflineEntry) (replayOutcome, error) {
	b.handing.Lock()
	defer b.handing.Unlock()

	b.mu.Lock()
	current, exists, err := b.lookupLocked(ctx, entry.Event.ID)
	b.mu.Unlock()
	if err != nil {
		return replayGone, err
	}
	if !exists {
		return replayGone, nil
	}

	if err := b.handoff(ctx, current.Event); err != nil {
		b.logger.Warn().Err(err).Str("event_id", current.Event.ID).Msg("offline hand-off failed, kept for next replay")
		return replayFailed, nil
	}
	if err := b.release(ctx, current); err != nil {
		return replayGone, err
	}
	return replayOK, nil
}

// Attach replays the buffer on every online transition. The returned
// function detaches it.
func (b *Buffer) Attach(ctx context.Context, monitor Subscriber) func() {
	return monitor.Subscribe(func(online bool) error {
		if !online {
			b.logger.Info().Msg("offline, new events will be buffered")
			return nil
		}
		_, err := b.Replay(ctx)
		if errors.Is(err, ErrReplayInProgress) {
			return nil
		}
		return err
	})
}
