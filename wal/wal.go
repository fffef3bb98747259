package wal

import (
	"errors"
	"fmt"

	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("vote log is closed")
	ErrWALCorrupted = errors.New("vote log is corrupted")
)

// EntryType identifies the kind of record
type EntryType uint8

const (
	EntryUnknown EntryType = iota
	EntryVote
)

// Entry is one record in the log. Height is the chain height of the voted
// commit when it was known at write time, or one above the finalized head
// otherwise; Checkpoint uses it to decide which segments are spent.
type Entry struct {
	Type   EntryType   `cbor:"type"`
	Height uint64      `cbor:"height"`
	Vote   *types.Vote `cbor:"vote,omitempty"`
}

// NewVoteEntry creates an entry recording a vote
func NewVoteEntry(height uint64, vote types.Vote) *Entry {
	v := vote.Copy()
	return &Entry{Type: EntryVote, Height: height, Vote: &v}
}

func (e *Entry) marshal() ([]byte, error) {
	return types.MarshalCBOR(e)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := types.UnmarshalCBOR(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	if e.Type == EntryVote && e.Vote == nil {
		return nil, fmt.Errorf("%w: vote entry without vote", ErrWALCorrupted)
	}
	return &e, nil
}

// WAL persists votes so tallies for unfinalized commits survive a restart
type WAL interface {
	// Write appends an entry (buffered)
	Write(e *Entry) error

	// WriteSync appends an entry and syncs it to disk
	WriteSync(e *Entry) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// Replay calls fn for every readable entry, oldest first
	Replay(fn func(*Entry) error) error

	// Checkpoint drops segments holding only entries at or below height
	Checkpoint(height uint64) error

	Start() error
	Stop() error
}

// NopWAL discards everything
type NopWAL struct{}

func (NopWAL) Write(*Entry) error              { return nil }
func (NopWAL) WriteSync(*Entry) error          { return nil }
func (NopWAL) FlushAndSync() error             { return nil }
func (NopWAL) Replay(func(*Entry) error) error { return nil }
func (NopWAL) Checkpoint(uint64) error         { return nil }
func (NopWAL) Start() error                    { return nil }
func (NopWAL) Stop() error                     { return nil }

var _ WAL = NopWAL{}
