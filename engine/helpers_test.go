package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/privval"
	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/transport/memnet"
	"github.com/blockberries/ledgerberry/types"
)

const waitFor = 3 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.RequestRetries = 1
	cfg.SyncInterval = 50 * time.Millisecond
	cfg.UnreachableWindow = time.Second
	return cfg
}

func mutations(id string, n int) []types.Mutation {
	return []types.Mutation{{
		ElementID: id,
		Operation: types.MutationUpdate,
		Payload:   json.RawMessage(fmt.Sprintf(`{"x":%d}`, n)),
	}}
}

func keys(n int) []*privval.KeyPair {
	out := make([]*privval.KeyPair, n)
	for i := range out {
		out[i] = privval.MustGenerate()
	}
	return out
}

func valSetOf(t *testing.T, kps ...*privval.KeyPair) *types.ValidatorSet {
	t.Helper()
	ids := make([]string, len(kps))
	for i, kp := range kps {
		ids[i] = kp.PublicKeyID()
	}
	vs, err := types.NewValidatorSet(ids, types.DefaultQuorum)
	require.NoError(t, err)
	return vs
}

// newTestNode joins id to net and returns an unstarted node. signer may be nil.
func newTestNode(t *testing.T, net *memnet.Network, id string, cfg *Config, vs *types.ValidatorSet, signer privval.Signer) *Node {
	t.Helper()
	ep := net.Join(id)
	t.Cleanup(func() { ep.Close() })

	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	n, err := NewNode(cfg, ch, vs, signer, ep, WithLogger(discard))
	require.NoError(t, err)
	return n
}

func startNode(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
}

func waitHead(t *testing.T, n *Node, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Chain().HeadID() == id },
		waitFor, 10*time.Millisecond, "head never reached %s", types.ShortID(id))
}

func waitState(t *testing.T, s *Syncer, state SyncState) SyncStatus {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == state },
		waitFor, 10*time.Millisecond, "sync never reached %s, at %s", state, s.Status())
	return s.Status()
}

// buildChain signs genesis plus n commits with kp and certificates from
// voters, returning them oldest first with their certificates
func buildChain(t *testing.T, kp *privval.KeyPair, n int, voters ...*privval.KeyPair) ([]*types.Commit, map[string][]types.Vote) {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var commits []*types.Commit
	certs := make(map[string][]types.Vote)
	parent := ""
	for i := 0; i <= n; i++ {
		c, err := privval.NewCommit(kp, parent, mutations(fmt.Sprintf("e%d", i), i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		commits = append(commits, c)
		if i > 0 {
			for _, v := range voters {
				vote, err := privval.SignVote(v, c.ID)
				require.NoError(t, err)
				certs[c.ID] = append(certs[c.ID], vote)
			}
		}
		parent = c.ID
	}
	return commits, certs
}

// forkChain signs n commits on top of base, labelled so they differ from
// buildChain's, and returns base followed by them
func forkChain(t *testing.T, kp *privval.KeyPair, base *types.Commit, n int, label string, voters ...*privval.KeyPair) ([]*types.Commit, map[string][]types.Vote) {
	t.Helper()
	commits := []*types.Commit{base}
	certs := make(map[string][]types.Vote)
	parent := base.ID
	for i := 1; i <= n; i++ {
		c, err := privval.NewCommit(kp, parent, mutations(fmt.Sprintf("%s%d", label, i), i), base.Timestamp.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		commits = append(commits, c)
		for _, v := range voters {
			vote, err := privval.SignVote(v, c.ID)
			require.NoError(t, err)
			certs[c.ID] = append(certs[c.ID], vote)
		}
		parent = c.ID
	}
	return commits, certs
}

// fakePeer serves a fixed chain over the network
type fakePeer struct {
	head    string
	commits map[string]*types.Commit
	certs   map[string][]types.Vote
}

func newFakePeer(commits []*types.Commit, certs map[string][]types.Vote) *fakePeer {
	p := &fakePeer{commits: make(map[string]*types.Commit), certs: certs}
	for _, c := range commits {
		p.commits[c.ID] = c
		p.head = c.ID
	}
	return p
}

func (p *fakePeer) HandleMessage(context.Context, string, protocol.Message) {}

func (p *fakePeer) HandleRequest(_ context.Context, _ string, msg protocol.Message) (protocol.Response, error) {
	switch msg.Type {
	case protocol.TypeRequestLatestHash:
		return protocol.LatestHash(p.head), nil
	case protocol.TypeRequestCommit:
		if c, ok := p.commits[msg.CommitHash]; ok {
			return protocol.CommitFound(c, p.certs[c.ID]), nil
		}
		return protocol.CommitNotFound(msg.CommitHash), nil
	}
	return protocol.Response{}, types.ErrUnexpectedMessage
}

// countingPeer counts the commit requests it serves
type countingPeer struct {
	*fakePeer
	commitRequests atomic.Int32
}

func (p *countingPeer) HandleRequest(ctx context.Context, from string, msg protocol.Message) (protocol.Response, error) {
	if msg.Type == protocol.TypeRequestCommit {
		p.commitRequests.Add(1)
	}
	return p.fakePeer.HandleRequest(ctx, from, msg)
}

// limitedPeer rejects its next reject requests as rate limited
type limitedPeer struct {
	*fakePeer
	reject   atomic.Int32
	requests atomic.Int32
}

func (p *limitedPeer) HandleRequest(ctx context.Context, from string, msg protocol.Message) (protocol.Response, error) {
	p.requests.Add(1)
	if p.reject.Add(-1) >= 0 {
		return protocol.Response{}, ErrRateLimited
	}
	return p.fakePeer.HandleRequest(ctx, from, msg)
}
