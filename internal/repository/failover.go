package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"highlightsync/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverStore writes to primary while it is healthy and to fallback while
// it is not. Reads merge both; when primary recovers, records parked in the
// fallback are moved back.
type FailoverStore struct {
	primary   domain.KeyedStore
	fallback  domain.KeyedStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	interval  time.Duration
	// keys deleted while primary was unreachable
	tombstones map[string]struct{}
}

func NewFailoverStore(primary, fallback domain.KeyedStore, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		interval:   recoveryInterval,
		tombstones: make(map[string]struct{}),
	}
}

func (r *FailoverStore) markDown(err error) {
	if r.isDown.Swap(true) {
		return
	}
	r.logger.Error().Err(err).Msg("Primary store failed, falling back")
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// tryRecover probes primary once per interval and drains the fallback into it.
func (r *FailoverStore) tryRecover(ctx context.Context) {
	if !r.isDown.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) < r.interval {
		return
	}
	r.lastCheck = time.Now()

	if _, err := r.primary.Count(ctx); err != nil {
		return
	}
	for key := range r.tombstones {
		if err := r.primary.Delete(ctx, key); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Primary store still failing")
			return
		}
		delete(r.tombstones, key)
	}
	parked, err := r.fallback.GetAll(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Read fallback store during recovery")
		return
	}
	for _, rec := range parked {
		if err := r.primary.Put(ctx, rec.Key, rec.Value); err != nil {
			r.logger.Warn().Err(err).Str("key", rec.Key).Msg("Primary store still failing")
			return
		}
		if err := r.fallback.Delete(ctx, rec.Key); err != nil {
			r.logger.Warn().Err(err).Str("key", rec.Key).Msg("Delete migrated record from fallback")
		}
	}
	r.isDown.Store(false)
	r.logger.Info().Int("migrated", len(parked)).Msg("Primary store recovered")
}

func (r *FailoverStore) Put(ctx context.Context, key string, value []byte) error {
	r.tryRecover(ctx)
	if !r.isDown.Load() {
		err := r.primary.Put(ctx, key, value)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Put(ctx, key, value)
}

func (r *FailoverStore) GetAll(ctx context.Context) ([]domain.Record, error) {
	r.tryRecover(ctx)
	parked, err := r.fallback.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if r.isDown.Load() {
		return parked, nil
	}

	records, err := r.primary.GetAll(ctx)
	if err != nil {
		r.markDown(err)
		return parked, nil
	}

	// Fallback copies were written later than anything in primary.
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		seen[rec.Key] = i
	}
	for _, rec := range parked {
		if i, ok := seen[rec.Key]; ok {
			records[i] = rec
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *FailoverStore) Delete(ctx context.Context, key string) error {
	if !r.isDown.Load() {
		if err := r.primary.Delete(ctx, key); err != nil {
			r.markDown(err)
		}
	}
	if r.isDown.Load() {
		r.mu.Lock()
		r.tombstones[key] = struct{}{}
		r.mu.Unlock()
	}
	return r.fallback.Delete(ctx, key)
}

func (r *FailoverStore) Count(ctx context.Context) (int, error) {
	records, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// failoverBackend pairs collections of two backends.
type failoverBackend struct {
	primary  domain.StoreBackend
	fallback domain.StoreBackend
	logger   *zerolog.Logger
}

func (b *failoverBackend) Collection(name string) (domain.KeyedStore, error) {
	p, err := b.primary.Collection(name)
	if err != nil {
		return nil, err
	}
	f, err := b.fallback.Collection(name)
	if err != nil {
		return nil, err
	}
	l := b.logger.With().Str("collection", name).Logger()
	return NewFailoverStore(p, f, &l), nil
}

func (b *failoverBackend) Close() error {
	errP := b.primary.Close()
	errF := b.fallback.Close()
	if errP != nil {
		return errP
	}
	return errF
}
