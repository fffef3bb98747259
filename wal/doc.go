// Package wal implements the vote log: a write-ahead log of accepted votes.
//
// Commits and finality certificates are durable in the store, but the vote
// tally for a commit that has not finalized yet lives only in memory. The
// node appends every vote it accepts to this log and replays it into the
// tally on startup, so a restart in the middle of a round does not lose the
// votes already seen. Own votes are written with WriteSync before they are
// broadcast.
//
// # File Format
//
// The log is a sequence of segment files named votes-00000, votes-00001 and
// so on. Each record is
//
//	[4 bytes: length][N bytes: CBOR entry][4 bytes: CRC32]
//
// A record that fails its checksum or ends early marks the end of the usable
// part of its segment. Start truncates a torn tail on the newest segment so
// new records are never appended behind garbage.
//
// # Cleanup
//
// Each entry carries the chain height of the voted commit. Once the finalized
// head passes a height, Checkpoint removes whole segments whose entries are
// all at or below it. The segment being written is never removed.
//
// # Thread Safety
//
// FileWAL is safe for concurrent use. Only one FileWAL should write to a
// directory at a time.
package wal
