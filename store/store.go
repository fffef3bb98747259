// Package store defines the key-value persistence the ledger writes commits,
// finality certificates and head metadata to, plus three backends: an
// in-memory map, BadgerDB and bbolt.
//
// Keys are plain strings with a type prefix:
//
//	commit/<id>  CBOR-encoded commit
//	cert/<id>    CBOR-encoded finality certificate (sorted votes)
//	meta/head    id of the latest finalized commit
//
// Values handed to Put are copied by the backend; values returned by Get
// belong to the caller.
package store

import (
	"context"
	"errors"
)

// Key prefixes
const (
	CommitPrefix = "commit/"
	CertPrefix   = "cert/"
	MetaPrefix   = "meta/"

	HeadKey = MetaPrefix + "head"
)

// Errors
var (
	ErrClosed         = errors.New("store closed")
	ErrEmptyKey       = errors.New("empty key")
	ErrNoPath         = errors.New("path is required for persistent store")
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Entry is one key-value pair in a batch write
type Entry struct {
	Key   string
	Value []byte
}

// LedgerStore is the durable key-value store behind the commit chain.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put writes one key
	Put(ctx context.Context, key string, value []byte) error

	// PutBatch writes all entries atomically
	PutBatch(ctx context.Context, entries []Entry) error

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)

	// Iterate calls fn for every key with the given prefix in key order.
	// Returning an error from fn stops iteration and is returned.
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases resources
	Close() error
}

// CommitKey returns the storage key of a commit
func CommitKey(id string) string {
	return CommitPrefix + id
}

// CertKey returns the storage key of a commit's finality certificate
func CertKey(id string) string {
	return CertPrefix + id
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
