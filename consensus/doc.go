// Package consensus tallies validator votes and decides finality.
//
// Tracker records at most one vote per validator per commit and reports when
// a commit's distinct votes exceed the quorum fraction of the validator set.
// ForkChoice turns quorum into head movement on a chain.Chain, breaking ties
// between competing siblings by the smaller commit id so that all nodes
// converge on the same head regardless of delivery order.
package consensus
