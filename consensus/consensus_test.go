package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/privval"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/types"
)

type testNet struct {
	keys   []*privval.KeyPair
	valSet *types.ValidatorSet
}

func newTestNet(t *testing.T, n int) *testNet {
	t.Helper()
	tn := &testNet{}
	var ids []string
	for i := 0; i < n; i++ {
		kp := privval.MustGenerate()
		tn.keys = append(tn.keys, kp)
		ids = append(ids, kp.PublicKeyID())
	}
	vs, err := types.NewValidatorSet(ids, types.DefaultQuorum)
	require.NoError(t, err)
	tn.valSet = vs
	return tn
}

func (tn *testNet) vote(t *testing.T, i int, commitID string) types.Vote {
	t.Helper()
	v, err := privval.SignVote(tn.keys[i], commitID)
	require.NoError(t, err)
	return v
}

func commitOn(t *testing.T, kp *privval.KeyPair, parent string, n int) *types.Commit {
	t.Helper()
	c, err := privval.NewCommit(kp, parent, []types.Mutation{{
		ElementID: fmt.Sprintf("e%d", n),
		Operation: types.MutationUpdate,
		Payload:   json.RawMessage(fmt.Sprintf(`{"x":%d}`, n)),
	}}, time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC))
	require.NoError(t, err)
	return c
}

func TestTrackerSubmitVote(t *testing.T) {
	tn := newTestNet(t, 4)
	tr := NewTracker(tn.valSet)
	id := types.Sum(types.CommitDomain, []byte("c1")).String()

	added, err := tr.SubmitVote(tn.vote(t, 0, id))
	require.NoError(t, err)
	assert.True(t, added)

	// Same validator again overwrites
	added, err = tr.SubmitVote(tn.vote(t, 0, id))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, tr.Tally(id))
	assert.True(t, tr.HasVoted(id, tn.keys[0].PublicKeyID()))
	assert.False(t, tr.HasVoted(id, tn.keys[1].PublicKeyID()))
}

func TestTrackerRejectsBadVotes(t *testing.T) {
	tn := newTestNet(t, 4)
	tr := NewTracker(tn.valSet)
	id := types.Sum(types.CommitDomain, []byte("c1")).String()

	outsider := privval.MustGenerate()
	v, err := privval.SignVote(outsider, id)
	require.NoError(t, err)
	_, err = tr.SubmitVote(v)
	assert.ErrorIs(t, err, types.ErrUnknownValidator)
	assert.ErrorIs(t, err, types.ErrQuorum)

	bad := tn.vote(t, 1, id)
	bad.Signature[0] ^= 0xff
	_, err = tr.SubmitVote(bad)
	assert.ErrorIs(t, err, types.ErrInvalidSignature)
	assert.ErrorIs(t, err, types.ErrVerification)

	// Signature for a different commit
	other := tn.vote(t, 2, types.Sum(types.CommitDomain, []byte("c2")).String())
	other.CommitID = id
	_, err = tr.SubmitVote(other)
	assert.ErrorIs(t, err, types.ErrInvalidSignature)

	_, err = tr.SubmitVote(types.Vote{CommitID: "zz"})
	assert.ErrorIs(t, err, types.ErrMalformedVote)

	assert.Equal(t, 0, tr.Tally(id))
}

func TestTrackerQuorum(t *testing.T) {
	tn := newTestNet(t, 4)
	tr := NewTracker(tn.valSet)
	id := types.Sum(types.CommitDomain, []byte("c1")).String()

	// 4 validators at 2/3: need 3
	for i := 0; i < 2; i++ {
		_, err := tr.SubmitVote(tn.vote(t, i, id))
		require.NoError(t, err)
	}
	assert.False(t, tr.QuorumReached(id, nil))

	_, err := tr.SubmitVote(tn.vote(t, 2, id))
	require.NoError(t, err)
	assert.True(t, tr.QuorumReached(id, nil))
	assert.True(t, tr.QuorumReached(id, tn.valSet))

	cert := tr.Certificate(id)
	require.Len(t, cert, 3)
	for i := 1; i < len(cert); i++ {
		assert.Less(t, cert[i-1].ValidatorKey, cert[i].ValidatorKey)
	}
	assert.NoError(t, types.VerifyCertificate(tn.valSet, id, cert))

	// Against a larger set the same votes are not enough
	bigger := newTestNet(t, 3)
	keys := append(tn.valSet.Keys(), bigger.valSet.Keys()...)
	vs, err := types.NewValidatorSet(keys, types.DefaultQuorum)
	require.NoError(t, err)
	assert.False(t, tr.QuorumReached(id, vs))

	assert.False(t, tr.QuorumReached("unknown", nil))
}

func TestTrackerConcurrentVotes(t *testing.T) {
	tn := newTestNet(t, 7)
	tr := NewTracker(tn.valSet)
	ids := []string{
		types.Sum(types.CommitDomain, []byte("a")).String(),
		types.Sum(types.CommitDomain, []byte("b")).String(),
	}

	votes := make([]types.Vote, 0, 2*7*2)
	for _, id := range ids {
		for i := range tn.keys {
			v := tn.vote(t, i, id)
			votes = append(votes, v, v)
		}
	}

	var wg sync.WaitGroup
	for _, v := range votes {
		wg.Add(1)
		go func(v types.Vote) {
			defer wg.Done()
			_, _ = tr.SubmitVote(v)
		}(v)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 7, tr.Tally(id))
		assert.True(t, tr.QuorumReached(id, nil))
	}
	assert.Equal(t, 2, tr.Len())
}

func TestTrackerPrune(t *testing.T) {
	tn := newTestNet(t, 4)
	tr := NewTracker(tn.valSet)
	a := types.Sum(types.CommitDomain, []byte("a")).String()
	b := types.Sum(types.CommitDomain, []byte("b")).String()
	_, _ = tr.SubmitVote(tn.vote(t, 0, a))
	_, _ = tr.SubmitVote(tn.vote(t, 0, b))

	n := tr.Prune(func(id string) bool { return id == a })
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, tr.Tally(a))
	assert.Equal(t, 1, tr.Tally(b))

	tr.Forget(b)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerSubmitCertificate(t *testing.T) {
	tn := newTestNet(t, 4)
	tr := NewTracker(tn.valSet)
	id := types.Sum(types.CommitDomain, []byte("a")).String()

	cert := []types.Vote{tn.vote(t, 0, id), tn.vote(t, 1, id), tn.vote(t, 2, id)}
	require.NoError(t, tr.SubmitCertificate(cert))
	assert.True(t, tr.QuorumReached(id, nil))

	cert[0].Signature = cert[1].Signature
	err := NewTracker(tn.valSet).SubmitCertificate(cert)
	assert.True(t, errors.Is(err, types.ErrInvalidSignature))
}

func TestProposerFor(t *testing.T) {
	tn := newTestNet(t, 3)
	keys := tn.valSet.Keys()
	for h := uint64(0); h < 7; h++ {
		assert.Equal(t, keys[h%3], ProposerFor(tn.valSet, h))
	}
	assert.True(t, IsProposer(tn.valSet, 4, keys[1]))
	assert.False(t, IsProposer(tn.valSet, 4, keys[0]))
	assert.Equal(t, "", ProposerFor(nil, 1))
}

type forkFixture struct {
	tn    *testNet
	chain *chain.Chain
	tr    *Tracker
	fc    *ForkChoice
	g     *types.Commit
}

func newForkFixture(t *testing.T) *forkFixture {
	t.Helper()
	tn := newTestNet(t, 4)
	ch := chain.New(store.NewMemStore(), chain.DefaultConfig())
	tr := NewTracker(tn.valSet)
	g := commitOn(t, tn.keys[0], "", 0)
	_, err := ch.Admit(context.Background(), g)
	require.NoError(t, err)
	return &forkFixture{tn: tn, chain: ch, tr: tr, fc: NewForkChoice(ch, tr, nil), g: g}
}

func (f *forkFixture) admit(t *testing.T, c *types.Commit) {
	t.Helper()
	_, err := f.chain.Admit(context.Background(), c)
	require.NoError(t, err)
}

func (f *forkFixture) voteN(t *testing.T, commitID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.tr.SubmitVote(f.tn.vote(t, i, commitID))
		require.NoError(t, err)
	}
}

func TestForkChoicePromotesQuorumChild(t *testing.T) {
	f := newForkFixture(t)
	c1 := commitOn(t, f.tn.keys[1], f.g.ID, 1)
	f.admit(t, c1)

	f.voteN(t, c1.ID, 2)
	trs, err := f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.Equal(t, f.g.ID, f.chain.HeadID())

	f.voteN(t, c1.ID, 3)
	trs, err = f.fc.Update(context.Background())
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, c1.ID, trs[0].CommitID)
	assert.Equal(t, 3, trs[0].Votes)
	assert.Equal(t, c1.ID, f.chain.HeadID())
	assert.Len(t, f.chain.Certificate(c1.ID), 3)
}

func TestForkChoiceAdvancesSeveralLevels(t *testing.T) {
	f := newForkFixture(t)
	c1 := commitOn(t, f.tn.keys[1], f.g.ID, 1)
	c2 := commitOn(t, f.tn.keys[2], c1.ID, 2)
	f.admit(t, c1)
	f.admit(t, c2)

	// Votes for the child arrive first
	f.voteN(t, c2.ID, 3)
	trs, err := f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trs)

	f.voteN(t, c1.ID, 3)
	trs, err = f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Len(t, trs, 2)
	assert.Equal(t, c2.ID, f.chain.HeadID())
}

// siblings returns two children of parent ordered so that the first has the
// smaller id.
func siblings(t *testing.T, tn *testNet, parent string) (*types.Commit, *types.Commit) {
	a := commitOn(t, tn.keys[1], parent, 10)
	b := commitOn(t, tn.keys[2], parent, 11)
	if b.ID < a.ID {
		a, b = b, a
	}
	return a, b
}

func TestForkChoiceTieBreakIsOrderIndependent(t *testing.T) {
	orders := [][]int{{0, 1}, {1, 0}}

	// Build one deterministic network and replay it in both orders
	tn := newTestNet(t, 4)
	g := commitOn(t, tn.keys[0], "", 0)
	small, large := siblings(t, tn, g.ID)

	for _, order := range orders {
		ch := chain.New(store.NewMemStore(), chain.DefaultConfig())
		tr := NewTracker(tn.valSet)
		fc := NewForkChoice(ch, tr, nil)
		_, err := ch.Admit(context.Background(), g)
		require.NoError(t, err)

		pair := []*types.Commit{small, large}
		for _, i := range order {
			c := pair[i]
			_, err := ch.Admit(context.Background(), c)
			require.NoError(t, err)
			for v := 0; v < 3; v++ {
				_, err := tr.SubmitVote(tn.vote(t, v, c.ID))
				require.NoError(t, err)
			}
			_, err = fc.Update(context.Background())
			require.NoError(t, err)
		}

		assert.Equal(t, small.ID, ch.HeadID(), "order %v", order)
		assert.False(t, ch.IsFinalized(large.ID), "order %v", order)
	}
}

func TestForkChoiceSupersedesLosingBranch(t *testing.T) {
	f := newForkFixture(t)
	small, large := siblings(t, f.tn, f.g.ID)
	f.admit(t, small)
	f.admit(t, large)

	// Only the larger sibling reaches quorum and becomes head
	f.voteN(t, large.ID, 3)
	_, err := f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, large.ID, f.chain.HeadID())
	assert.Equal(t, chain.StatusAdmitted, f.chain.Status(small.ID))

	// A child of the head finalizes; the fork is settled
	next := commitOn(t, f.tn.keys[3], large.ID, 20)
	f.admit(t, next)
	f.voteN(t, next.ID, 3)
	_, err = f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, next.ID, f.chain.HeadID())
	assert.Equal(t, chain.StatusSuperseded, f.chain.Status(small.ID))

	// Late quorum on the losing sibling changes nothing
	f.voteN(t, small.ID, 4)
	trs, err := f.fc.Update(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trs)
	assert.Equal(t, next.ID, f.chain.HeadID())
}

func TestForkChoiceEmptyChain(t *testing.T) {
	tn := newTestNet(t, 1)
	ch := chain.New(store.NewMemStore(), chain.DefaultConfig())
	fc := NewForkChoice(ch, NewTracker(tn.valSet), nil)
	trs, err := fc.Update(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trs)
}
