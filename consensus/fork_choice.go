package consensus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/types"
)

// Transition is one head change made by ForkChoice.Update
type Transition struct {
	// CommitID is the new head
	CommitID string

	// Replaced is the previous head when a smaller sibling took its place,
	// empty when the head simply advanced to a child
	Replaced string

	Votes int
}

// ForkChoice decides which admitted commit becomes the next head.
//
// Rule, applied until nothing changes:
//
//  1. While the head has no finalized child, a sibling of the head with a
//     lexicographically smaller id that has reached quorum replaces it.
//  2. Otherwise the lexicographically smallest child of the head that has
//     reached quorum is promoted.
//
// Both steps depend only on the set of quorum commits, not on the order
// votes arrived in, so every node with the same votes picks the same head.
type ForkChoice struct {
	chain   *chain.Chain
	tracker *Tracker
	logger  *slog.Logger
}

// NewForkChoice creates a ForkChoice over ch using votes from tracker
func NewForkChoice(ch *chain.Chain, tracker *Tracker, logger *slog.Logger) *ForkChoice {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForkChoice{
		chain:   ch,
		tracker: tracker,
		logger:  logger.With("component", "fork_choice"),
	}
}

// Update applies the fork choice rule and returns the head transitions made,
// oldest first. Call it after any vote or admission.
func (f *ForkChoice) Update(ctx context.Context) ([]Transition, error) {
	var out []Transition
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		tr, ok, err := f.step(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, tr)
	}
}

func (f *ForkChoice) step(ctx context.Context) (Transition, bool, error) {
	head := f.chain.Head()
	if head == nil {
		return Transition{}, false, nil
	}

	// Tip tie-break. The head is by definition the newest finalized commit,
	// so it has no finalized child yet.
	if !head.IsGenesis() {
		for _, sib := range f.chain.Children(head.ParentHash) {
			if sib >= head.ID {
				break
			}
			if !f.candidate(sib) {
				continue
			}
			cert := f.tracker.Certificate(sib)
			if err := f.chain.Replace(ctx, sib, cert); err != nil {
				return Transition{}, false, fmt.Errorf("replacing head with %s: %w", types.ShortID(sib), err)
			}
			f.logger.Info("tie-break replaced head", "old", head.ShortID(), "new", types.ShortID(sib))
			return Transition{CommitID: sib, Replaced: head.ID, Votes: len(cert)}, true, nil
		}
	}

	for _, kid := range f.chain.Children(head.ID) {
		if !f.candidate(kid) {
			continue
		}
		cert := f.tracker.Certificate(kid)
		if err := f.chain.Promote(ctx, kid, cert); err != nil {
			return Transition{}, false, fmt.Errorf("promoting %s: %w", types.ShortID(kid), err)
		}
		return Transition{CommitID: kid, Votes: len(cert)}, true, nil
	}
	return Transition{}, false, nil
}

func (f *ForkChoice) candidate(id string) bool {
	return f.chain.Status(id) == chain.StatusAdmitted && f.tracker.QuorumReached(id, nil)
}
