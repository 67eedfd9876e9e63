package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/i474232898/groundwater-aggregation/internal/metrics"
)

const cacheKeyPrefix = "chunk/"

// ChunkCache persists raw upstream bodies of completed chunks in BadgerDB,
// zstd-compressed.
type ChunkCache struct {
	db      *badger.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	ttl     time.Duration
}

// OpenChunkCache opens (or creates) a cache under dir. A ttl of zero keeps
// entries forever.
func OpenChunkCache(dir string, ttl time.Duration) (*ChunkCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &ChunkCache{db: db, encoder: encoder, decoder: decoder, ttl: ttl}, nil
}

// Get returns the cached body for key.
func (c *ChunkCache) Get(key string) ([]byte, bool, error) {
	var compressed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKeyPrefix + key))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	body, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return body, true, nil
}

// Put stores body under key.
func (c *ChunkCache) Put(key string, body []byte) error {
	compressed := c.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(cacheKeyPrefix+key), compressed)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Close releases the database.
func (c *ChunkCache) Close() error {
	c.decoder.Close()
	if err := c.encoder.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
