package consensus

import (
	"fmt"
	"sync"

	"github.com/blockberries/ledgerberry/types"
)

// Tracker collects votes per commit from a fixed validator set.
//
// Each commit has its own entry in a concurrent map, guarded by its own
// mutex, so votes for different commits never contend. A validator holds at
// most one vote per commit: a repeat vote overwrites the stored one and is
// never counted twice.
type Tracker struct {
	validatorSet *types.ValidatorSet

	tallies sync.Map // commit id -> *tally
}

type tally struct {
	mu    sync.Mutex
	votes map[string]types.Vote // by validator key
}

// NewTracker creates a Tracker for valSet
func NewTracker(valSet *types.ValidatorSet) *Tracker {
	return &Tracker{validatorSet: valSet}
}

// ValidatorSet returns the validator set votes are checked against
func (t *Tracker) ValidatorSet() *types.ValidatorSet {
	return t.validatorSet
}

// SubmitVote records a vote. It returns true if the validator had not voted
// for this commit before.
//
// A malformed vote or bad signature returns a verification error. A vote from
// a key outside the validator set returns ErrUnknownValidator. Neither changes
// the tally.
func (t *Tracker) SubmitVote(vote types.Vote) (bool, error) {
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}
	if t.validatorSet == nil || !t.validatorSet.Has(vote.ValidatorKey) {
		return false, fmt.Errorf("%w: %s", types.ErrUnknownValidator, types.ShortID(vote.ValidatorKey))
	}
	if err := vote.VerifySignature(); err != nil {
		return false, err
	}

	tl := t.entry(vote.CommitID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	_, existed := tl.votes[vote.ValidatorKey]
	tl.votes[vote.ValidatorKey] = vote.Copy()
	return !existed, nil
}

// SubmitCertificate records every vote of a finality certificate received
// from a peer. It stops at the first invalid vote.
func (t *Tracker) SubmitCertificate(votes []types.Vote) error {
	for i := range votes {
		if _, err := t.SubmitVote(votes[i]); err != nil {
			return fmt.Errorf("certificate vote %d: %w", i, err)
		}
	}
	return nil
}

func (t *Tracker) entry(commitID string) *tally {
	if v, ok := t.tallies.Load(commitID); ok {
		return v.(*tally)
	}
	v, _ := t.tallies.LoadOrStore(commitID, &tally{votes: make(map[string]types.Vote)})
	return v.(*tally)
}

// Tally returns the number of distinct validators that voted for commitID
func (t *Tracker) Tally(commitID string) int {
	v, ok := t.tallies.Load(commitID)
	if !ok {
		return 0
	}
	tl := v.(*tally)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.votes)
}

// HasVoted reports whether validatorKey has a vote recorded for commitID
func (t *Tracker) HasVoted(commitID, validatorKey string) bool {
	v, ok := t.tallies.Load(commitID)
	if !ok {
		return false
	}
	tl := v.(*tally)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, voted := tl.votes[validatorKey]
	return voted
}

// QuorumReached reports whether the votes recorded for commitID from members
// of valSet exceed its quorum threshold. A nil valSet uses the tracker's own.
func (t *Tracker) QuorumReached(commitID string, valSet *types.ValidatorSet) bool {
	if valSet == nil {
		valSet = t.validatorSet
	}
	if valSet == nil {
		return false
	}
	v, ok := t.tallies.Load(commitID)
	if !ok {
		return false
	}
	tl := v.(*tally)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	count := 0
	for key := range tl.votes {
		if valSet.Has(key) {
			count++
		}
	}
	return valSet.HasQuorum(count)
}

// Certificate returns copies of the votes recorded for commitID, sorted by
// validator key. Once QuorumReached is true this is a finality certificate.
func (t *Tracker) Certificate(commitID string) []types.Vote {
	v, ok := t.tallies.Load(commitID)
	if !ok {
		return nil
	}
	tl := v.(*tally)
	tl.mu.Lock()
	votes := make([]types.Vote, 0, len(tl.votes))
	for _, vote := range tl.votes {
		votes = append(votes, vote.Copy())
	}
	tl.mu.Unlock()

	types.SortVotes(votes)
	return votes
}

// Forget drops all votes for commitID
func (t *Tracker) Forget(commitID string) {
	t.tallies.Delete(commitID)
}

// Prune drops the votes of every commit for which drop returns true and
// returns how many commits were dropped.
func (t *Tracker) Prune(drop func(commitID string) bool) int {
	n := 0
	t.tallies.Range(func(k, _ any) bool {
		id := k.(string)
		if drop(id) {
			t.tallies.Delete(id)
			n++
		}
		return true
	})
	return n
}

// Len returns the number of commits with at least one recorded vote
func (t *Tracker) Len() int {
	n := 0
	t.tallies.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
