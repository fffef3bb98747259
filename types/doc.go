// Package types defines the core data structures of the ledger.
//
// # Core Types
//
// Mutation: A change (Create, Update or Delete) to one element of the shared
// data model. Payloads are opaque JSON; the ledger only canonicalizes them for
// hashing.
//
// Commit: A signed batch of mutations. Its id is the BLAKE3 keyed hash of the
// header (parent, author, timestamp, merkle root), so the mutations are bound
// to the id through the merkle root. An empty ParentHash marks genesis.
//
// Vote: A validator's signature over a commit id. A quorum of votes is the
// commit's finality certificate.
//
// ValidatorSet: Immutable, sorted set of validator public key ids with a
// quorum fraction (strictly more than 2/3 by default).
//
// Delta: The ordered mutations between two commits, produced by sync.
//
// # Identifiers
//
// Commit ids, parent links and merkle roots are 64-character lowercase hex
// strings. Validator and author identities are hex-encoded ed25519 public keys.
//
// # Serialization
//
// Every type has a JSON form (the reference wire encoding) and a CBOR form
// using Core Deterministic Encoding. Hash preimages are always CBOR, so ids do
// not depend on the JSON encoder.
//
// # Errors
//
// Errors wrap one of five categories: ErrVerification, ErrChainLink,
// ErrQuorum, ErrNetwork and ErrSync. Use errors.Is to branch on category.
package types
