package domain

import "context"

// Record is one key/value pair held by a KeyedStore.
type Record struct {
	Key   string
	Value []byte
}

// KeyedStore is the narrow persistence contract the sync core consumes.
// Put overwrites an existing key; Delete of a missing key is not an error.
type KeyedStore interface {
	Put(ctx context.Context, key string, value []byte) error
	GetAll(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
}

// StoreBackend hands out named collections backed by one storage engine.
type StoreBackend interface {
	Collection(name string) (KeyedStore, error)
	Close() error
}

// Collection names, one logical table per entity.
const (
	CollectionSyncQueue  = "sync_queue"
	CollectionDeadLetter = "dead_letter"
	CollectionOffline    = "offline_queue"
)
