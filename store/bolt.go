package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ledgerBucket holds every ledger key
var ledgerBucket = []byte("ledger")

// BoltConfig holds configuration for a bbolt-backed store
type BoltConfig struct {
	// Path is the database file
	Path string

	// Timeout bounds how long Open waits for the file lock
	Timeout time.Duration

	// NoSync skips fsync on commit. Only for tests.
	NoSync bool
}

// BoltStore is a LedgerStore on top of a single bbolt file
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a bbolt store
func OpenBolt(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns a copy of the value for key. bbolt values are only valid
// inside the transaction.
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ledgerBucket).Get([]byte(key))
		if v != nil {
			found = true
			value = copyBytes(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, mapBoltErr(err)
	}
	return value, found, nil
}

// Put writes one key
func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	return s.PutBatch(ctx, []Entry{{Key: key, Value: value}})
}

// PutBatch writes all entries in one transaction
func (s *BoltStore) PutBatch(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := checkKey(e.Key); err != nil {
			return err
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		for _, e := range entries {
			// bbolt rejects nil values
			v := e.Value
			if v == nil {
				v = []byte{}
			}
			if err := b.Put([]byte(e.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBoltErr(err)
}

// Exists reports whether key is present
func (s *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Iterate visits keys with prefix in key order
func (s *BoltStore) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(string(k), copyBytes(v)); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBoltErr(err)
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

var _ LedgerStore = (*BoltStore)(nil)
