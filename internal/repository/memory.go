package repository

import (
	"context"
	"sort"
	"sync"

	"highlightsync/internal/domain"
)

// MemoryStore keeps records in process memory. Nothing survives a restart;
// it backs tests and the ephemeral "memory" storage mode.
type MemoryStore struct {
	records sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.records.Store(key, append([]byte(nil), value...))
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]domain.Record, error) {
	var out []domain.Record
	s.records.Range(func(k, v interface{}) bool {
		out = append(out, domain.Record{Key: k.(string), Value: append([]byte(nil), v.([]byte)...)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.records.Delete(key)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	n := 0
	s.records.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n, nil
}

// MemoryBackend hands out one MemoryStore per collection name.
type MemoryBackend struct {
	mu          sync.Mutex
	collections map[string]*MemoryStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*MemoryStore)}
}

func (b *MemoryBackend) Collection(name string) (domain.KeyedStore, error) {
	if err := validateCollection(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.collections[name]
	if !ok {
		s = NewMemoryStore()
		b.collections[name] = s
	}
	return s, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
