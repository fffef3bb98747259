// Package engine runs a ledger node: the single writer that owns chain
// mutation and the sync engine that reconciles the chain with peers.
//
// # Node
//
// Node wires a chain.Chain, a consensus.Tracker with its ForkChoice, an
// evidence.Pool and a protocol.Transport together. Every operation that
// changes the chain (announced commits, local proposals, synced commits and
// head changes) is queued on one inbox and applied by one goroutine, so
// commits are admitted in a total order. Votes are tallied on the caller's
// goroutine; only the fork choice run they may trigger goes through the
// inbox. Requests from peers (RequestCommit, RequestLatestHash) read the
// chain directly and are rate limited per peer.
//
// A node with a signer whose key is in the validator set votes for every
// commit it admits. With ProposerRotation set it only votes for commits
// authored by the round-robin proposer of their height.
//
// With WithVoteLog every accepted vote is also appended to a wal.WAL and
// replayed into the tracker on Start, so a restart keeps the tallies of
// commits that had not finalized yet.
//
// # Syncer
//
// Syncer runs on peer connect and on a timer:
//
//	Initializing → Syncing{progress, target} → UpToDate
//	      ↑                 │
//	      └── target lost ──┤
//	                        └→ Error(reason)
//
// It asks every connected peer for its head. It reports UpToDate only when
// every connected peer answered and none is ahead; while some peer stays
// silent the state is left as it was. Otherwise it walks back from the
// first ahead peer's head, one RequestCommit at a time, until it reaches a
// locally finalized commit, then applies the missing commits oldest first
// through Node.ApplySynced. Each CommitFound carries the commit's finality
// certificate, so synced commits finalize without local votes.
//
// One cycle makes at most MaxSyncDepth commit requests. A longer walk keeps
// what it fetched and the next cycle carries on from there, so a node any
// distance behind catches up over several cycles. A peer answering
// ErrRateLimited is retried after an exponential backoff.
//
// Only the head level of the chain can be replaced. A walk that meets our
// chain below the head's parent is reported as ErrIrreconcilableFork; one
// that starts at a sibling of the head losing the tie-break is ignored.
//
// A failed application stops the cycle in Error and keeps what was already
// applied. A target peer disconnecting abandons the cycle and returns to
// Initializing. Errors never stop the node; the next trigger retries.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
package engine
