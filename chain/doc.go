// Package chain holds the local commit DAG.
//
// Every commit goes through Admit, which applies three checks in order:
//
//  1. the merkle root matches the mutations
//  2. the id matches the content and the author's signature is valid
//  3. the parent is already known locally
//
// A commit failing (1) or (2) is rejected and never stored. A commit failing
// only (3) is kept in a bounded orphan pool and linked in as soon as its
// parent arrives, without being verified again. Admitted commits are
// persisted before they become visible to readers.
//
// Exactly one commit is the head: the latest finalized commit. Finality is
// decided elsewhere (see package consensus); the chain only records it
// through Promote, which advances the head to one of its children, and
// Replace, which swaps the head for a sibling while the head has no
// finalized child yet. Commits on losing forks are marked superseded and
// kept.
//
// The first genesis commit (empty parent) admitted into an empty chain is
// trusted as the finalized root. Config.GenesisID pins it when nodes must
// agree on a specific genesis.
package chain
