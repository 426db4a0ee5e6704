package cache

import (
	"context"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is a Cache backed by an embedded badger store. Expiry uses badger's
// native per-entry TTL, so expired entries are simply absent on read.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) the cache database at path. Callers should
// fall back to Disabled when this fails; the cache is never load-bearing.
func OpenBadger(path string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, logger: logger}, nil
}

// OpenBadgerOrDisabled opens the badger cache and degrades to the always-miss
// cache when the store cannot be opened. The cache never blocks startup or
// fails an analysis; a broken cache directory only costs hits.
func OpenBadgerOrDisabled(path string, logger *zap.Logger) Cache {
	c, err := OpenBadger(path, logger)
	if err != nil {
		logger.Warn("result cache unavailable, continuing without caching",
			zap.String("path", path), zap.Error(err))
		return Disabled{}
	}
	return c
}

// Get returns the cached value and true on a hit.
func (b *Badger) Get(ctx context.Context, key string) (string, bool) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = string(v)
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			b.logger.Warn("cache read failed, treating as miss",
				zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return value, true
}

// Put overwrites the entry with the given TTL.
func (b *Badger) Put(ctx context.Context, key, value string, ttl time.Duration) {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		b.logger.Warn("cache write failed",
			zap.String("key", key), zap.Error(err))
	}
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}
