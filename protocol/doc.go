// Package protocol defines the messages ledger nodes exchange and the
// transport capability they are sent over.
//
// There are four message types. AnnounceCommit and SubmitVote are
// broadcast without a reply. RequestCommit and RequestLatestHash are
// requests answered with a Response: CommitFound (with the commit's
// finality certificate when it has one), CommitNotFound or LatestHash.
//
// Every message is self-contained and safe to replay: receiving the same
// announcement or vote twice has no further effect.
//
// Two codecs are provided. JSON is the reference encoding, for example
//
//	{"type":"RequestCommit","commit_hash":"9f2c..."}
//
// CBOR uses core deterministic encoding and is what the WebSocket transport
// sends by default.
package protocol
