package repository

import (
	"context"
	"errors"
	"fmt"
	"os"

	"highlightsync/internal/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerBackend stores every collection in one Badger database,
// separating them by a "<collection>/" key prefix.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string, logger *zerolog.Logger) (*BadgerBackend, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("badger store opened")
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Collection(name string) (domain.KeyedStore, error) {
	if err := validateCollection(name); err != nil {
		return nil, err
	}
	return &BadgerStore{db: b.db, prefix: []byte(name + "/")}, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// BadgerStore is one prefixed collection inside a BadgerBackend.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
}

func (s *BadgerStore) key(k string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

func (s *BadgerStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) GetAll(ctx context.Context) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, domain.Record{Key: string(item.Key()[len(s.prefix):]), Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan %s: %w", s.prefix, err)
	}
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(s.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count %s: %w", s.prefix, err)
	}
	return n, nil
}
