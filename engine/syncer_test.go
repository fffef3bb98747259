package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/transport/memnet"
	"github.com/blockberries/ledgerberry/types"
)

// quietConfig only syncs when triggered by a peer connecting
func quietConfig() *Config {
	cfg := testConfig()
	cfg.SyncInterval = time.Hour
	cfg.UnreachableWindow = time.Hour
	return cfg
}

type statusLog struct {
	mu       sync.Mutex
	statuses []SyncStatus
}

func (l *statusLog) record(s SyncStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) snapshot() []SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SyncStatus(nil), l.statuses...)
}

type failApplier struct{ t *testing.T }

func (a failApplier) ApplySynced(context.Context, *types.Commit, []types.Vote) error {
	a.t.Error("nothing should be applied")
	return errors.New("unexpected apply")
}

func TestSyncConvergence(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	a := newTestNode(t, net, "a", quietConfig(), vs, kps[0])
	startNode(t, a)
	var last string
	for i := 0; i < 3; i++ {
		c, err := a.Propose(ctx, mutations("e", i))
		require.NoError(t, err)
		last = c.ID
	}
	require.Equal(t, last, a.Chain().HeadID())
	require.EqualValues(t, 2, a.Chain().HeadHeight())

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	log := &statusLog{}
	b.Syncer().SetOnStatusChange(log.record)
	startNode(t, b)
	require.Equal(t, SyncInitializing, b.SyncStatus().State)

	require.NoError(t, net.Connect("a", "b"))

	waitHead(t, b, last)
	waitState(t, b.Syncer(), SyncUpToDate)
	assert.Equal(t, 3, b.Chain().Len())
	assert.Len(t, b.Chain().Certificate(last), 1)

	var progress []float64
	for _, s := range log.snapshot() {
		if s.State == SyncSyncing {
			assert.Equal(t, last, s.TargetHash)
			progress = append(progress, s.Progress)
		}
	}
	require.Len(t, progress, 4)
	assert.InDelta(t, 0, progress[0], 1e-9)
	assert.InDelta(t, 1.0/3, progress[1], 1e-9)
	assert.InDelta(t, 2.0/3, progress[2], 1e-9)
	assert.InDelta(t, 1, progress[3], 1e-9)
}

func TestSyncKeepsPartialProgressOnFailure(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)

	commits, certs := buildChain(t, kps[0], 2, kps...)
	delete(certs, commits[2].ID)
	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(newFakePeer(commits, certs))

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	require.NoError(t, net.Connect("peer", "b"))

	status := waitState(t, b.Syncer(), SyncError)
	require.ErrorIs(t, status.Reason, types.ErrNotFinalized)
	require.ErrorIs(t, status.Reason, types.ErrSync)
	assert.Equal(t, commits[1].ID, b.Chain().HeadID())
	assert.Equal(t, chain.StatusAdmitted, b.Chain().Status(commits[2].ID))
}

func TestSyncNoCommonAncestor(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(2)
	vs := valSetOf(t, kps[0])
	ctx := context.Background()

	theirs, theirCerts := buildChain(t, kps[0], 2, kps[0])
	ours, _ := buildChain(t, kps[1], 0)

	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(newFakePeer(theirs, theirCerts))

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	require.NoError(t, b.ApplySynced(ctx, ours[0], nil))
	require.NoError(t, net.Connect("peer", "b"))

	status := waitState(t, b.Syncer(), SyncError)
	require.ErrorIs(t, status.Reason, types.ErrNoCommonAncestor)
	assert.Equal(t, ours[0].ID, b.Chain().HeadID())
	assert.False(t, b.Chain().Contains(theirs[1].ID))
}

func TestSyncResumesWalkAcrossCycles(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)

	commits, certs := buildChain(t, kps[0], 5, kps...)
	fake := &countingPeer{fakePeer: newFakePeer(commits, certs)}
	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(fake)

	cfg := quietConfig()
	cfg.MaxSyncDepth = 2
	b := newTestNode(t, net, "b", cfg, vs, nil)
	log := &statusLog{}
	b.Syncer().SetOnStatusChange(log.record)
	startNode(t, b)
	require.NoError(t, b.ApplySynced(context.Background(), commits[0], nil))
	require.NoError(t, net.Connect("peer", "b"))

	waitHead(t, b, commits[5].ID)
	waitState(t, b.Syncer(), SyncUpToDate)

	// Three windows of at most two requests, nothing fetched twice
	assert.EqualValues(t, 5, fake.commitRequests.Load())
	for _, st := range log.snapshot() {
		assert.NotEqual(t, SyncError, st.State, "unexpected %s", st)
	}
}

func TestSyncDeeperThanPeerBurst(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	acfg := quietConfig()
	acfg.PeerRequestRate = 200
	acfg.PeerRequestBurst = 4
	a := newTestNode(t, net, "a", acfg, vs, kps[0])
	startNode(t, a)
	var last string
	for i := 0; i < 30; i++ {
		c, err := a.Propose(ctx, mutations("e", i))
		require.NoError(t, err)
		last = c.ID
	}
	require.EqualValues(t, 29, a.Chain().HeadHeight())

	bcfg := quietConfig()
	bcfg.MaxSyncDepth = 8
	bcfg.RateLimitBackoff = 5 * time.Millisecond
	b := newTestNode(t, net, "b", bcfg, vs, nil)
	log := &statusLog{}
	b.Syncer().SetOnStatusChange(log.record)
	startNode(t, b)

	require.NoError(t, net.Connect("a", "b"))

	waitHead(t, b, last)
	waitState(t, b.Syncer(), SyncUpToDate)
	assert.Equal(t, 30, b.Chain().Len())
	for _, st := range log.snapshot() {
		assert.NotEqual(t, SyncError, st.State, "unexpected %s", st)
	}
}

func TestSyncBacksOffWhenRateLimited(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	commits, certs := buildChain(t, kps[0], 0)

	fake := &limitedPeer{fakePeer: newFakePeer(commits, certs)}
	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(fake)
	ep := net.Join("b")
	defer ep.Close()
	require.NoError(t, net.Connect("peer", "b"))

	cfg := testConfig()
	cfg.RateLimitBackoff = time.Millisecond
	cfg.RateLimitRetries = 3
	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	s := NewSyncer(cfg, ch, ep, failApplier{t}, NewPeerSet(10, 10), nil, discard)
	ctx := context.Background()

	fake.reject.Store(3)
	resp, err := s.request(ctx, "peer", protocol.RequestLatestHash())
	require.NoError(t, err)
	assert.Equal(t, commits[0].ID, resp.Hash)
	assert.EqualValues(t, 4, fake.requests.Load())

	// Rejections beyond the retry budget surface as the limiter's error
	fake.requests.Store(0)
	fake.reject.Store(10)
	_, err = s.request(ctx, "peer", protocol.RequestLatestHash())
	require.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 4, fake.requests.Load())

	// A cancelled context stops the wait
	fake.reject.Store(10)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.request(cctx, "peer", protocol.RequestLatestHash())
	require.Error(t, err)
}

func TestSyncUpToDateWhenPeersBehind(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	commits, certs := buildChain(t, kps[0], 2, kps...)

	behind := net.Join("behind")
	defer behind.Close()
	behind.SetHandler(newFakePeer(commits[:2], certs))

	empty := net.Join("empty")
	defer empty.Close()
	empty.SetHandler(newFakePeer(nil, nil))

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	for _, c := range commits {
		require.NoError(t, b.ApplySynced(ctx, c, certs[c.ID]))
	}

	require.NoError(t, net.Connect("behind", "b"))
	require.NoError(t, net.Connect("empty", "b"))

	waitState(t, b.Syncer(), SyncUpToDate)
	assert.Equal(t, commits[2].ID, b.Chain().HeadID())
}

func TestSyncNotUpToDateUntilEveryPeerAnswers(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	for _, id := range []string{"behind", "silent"} {
		ep := net.Join(id)
		defer ep.Close()
		ep.SetHandler(newFakePeer(nil, nil))
	}
	ep := net.Join("b")
	defer ep.Close()
	require.NoError(t, net.Connect("behind", "b"))
	require.NoError(t, net.Connect("silent", "b"))
	net.SetDropFunc(func(_, to string, _ protocol.Message) bool { return to == "silent" })

	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	s := NewSyncer(cfg, ch, ep, failApplier{t}, NewPeerSet(10, 10), nil, discard)

	applied, outcome, err := s.syncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, outcomeIncomplete, outcome)
	assert.Equal(t, SyncInitializing, s.Status().State)

	net.SetDropFunc(nil)
	_, outcome, err = s.syncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outcomeUpToDate, outcome)
	assert.Equal(t, SyncUpToDate, s.Status().State)
}

func TestSyncIrreconcilableFork(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	ours, ourCerts := buildChain(t, kps[0], 2, kps...)
	theirs, theirCerts := forkChain(t, kps[0], ours[0], 2, "theirs", kps...)

	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(newFakePeer(theirs, theirCerts))

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	for _, c := range ours {
		require.NoError(t, b.ApplySynced(ctx, c, ourCerts[c.ID]))
	}
	require.NoError(t, net.Connect("peer", "b"))

	status := waitState(t, b.Syncer(), SyncError)
	require.ErrorIs(t, status.Reason, types.ErrIrreconcilableFork)
	require.ErrorIs(t, status.Reason, types.ErrNoCommonAncestor)
	assert.Equal(t, ours[2].ID, b.Chain().HeadID())
	assert.False(t, b.Chain().Contains(theirs[1].ID))
}

func TestSyncIgnoresLosingSibling(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	ours, ourCerts := buildChain(t, kps[0], 1, kps...)
	// The branch starting at the larger sibling is the one that loses
	var theirs []*types.Commit
	var theirCerts map[string][]types.Vote
	for i := 0; theirs == nil || theirs[1].ID < ours[1].ID; i++ {
		theirs, theirCerts = forkChain(t, kps[0], ours[0], 2, fmt.Sprintf("theirs%d", i), kps...)
	}

	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(newFakePeer(theirs, theirCerts))

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	for _, c := range ours {
		require.NoError(t, b.ApplySynced(ctx, c, ourCerts[c.ID]))
	}
	require.NoError(t, net.Connect("peer", "b"))

	waitState(t, b.Syncer(), SyncUpToDate)
	assert.Equal(t, ours[1].ID, b.Chain().HeadID())
}

func TestSyncNoPeersKeepsState(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	ep := net.Join("b")
	defer ep.Close()
	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	s := NewSyncer(testConfig(), ch, ep, failApplier{t}, NewPeerSet(10, 10), nil, discard)

	applied, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, SyncInitializing, s.Status().State)
}

func TestSyncAllPeersUnreachable(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	a := net.Join("a")
	defer a.Close()
	ep := net.Join("b")
	defer ep.Close()
	require.NoError(t, net.Connect("a", "b"))
	net.SetDropFunc(func(string, string, protocol.Message) bool { return true })

	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	s := NewSyncer(cfg, ch, ep, failApplier{t}, NewPeerSet(10, 10), nil, discard)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	// One silent round is not an error yet
	_, err := s.SyncOnce(context.Background())
	require.ErrorIs(t, err, types.ErrPeerUnreachable)
	assert.Equal(t, SyncInitializing, s.Status().State)

	now = now.Add(cfg.UnreachableWindow + time.Second)
	_, err = s.SyncOnce(context.Background())
	require.ErrorIs(t, err, types.ErrNoPeers)
	status := s.Status()
	assert.Equal(t, SyncError, status.State)
	assert.ErrorIs(t, status.Reason, types.ErrNoPeers)
}

func TestSyncTargetDisconnectAbandonsCycle(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	commits, certs := buildChain(t, kps[0], 1, kps...)

	peer := net.Join("peer")
	defer peer.Close()
	peer.SetHandler(newFakePeer(commits, certs))
	ep := net.Join("b")
	defer ep.Close()
	require.NoError(t, net.Connect("peer", "b"))

	// Heads are answered, commit requests hang
	net.SetDropFunc(func(_, _ string, msg protocol.Message) bool {
		return msg.Type == protocol.TypeRequestCommit
	})

	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Second
	ch := chain.New(store.NewMemStore(), chain.Config{Logger: discard})
	s := NewSyncer(cfg, ch, ep, failApplier{t}, NewPeerSet(10, 10), nil, discard)

	type result struct {
		applied int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		applied, err := s.SyncOnce(context.Background())
		done <- result{applied, err}
	}()

	status := waitState(t, s, SyncSyncing)
	assert.Equal(t, commits[1].ID, status.TargetHash)
	s.PeerDisconnected("someone-else")
	s.PeerDisconnected("peer")

	select {
	case res := <-done:
		require.ErrorIs(t, res.err, errTargetLost)
		assert.Zero(t, res.applied)
	case <-time.After(waitFor):
		t.Fatal("cycle was not abandoned")
	}
	assert.Equal(t, SyncInitializing, s.Status().State)
	assert.True(t, ch.IsEmpty())
}

func TestOrphanAnnouncementTriggersSync(t *testing.T) {
	net := memnet.NewNetwork(nil, discard)
	kps := keys(1)
	vs := valSetOf(t, kps...)
	ctx := context.Background()

	commits, certs := buildChain(t, kps[0], 3, kps...)
	peer := net.Join("peer")
	defer peer.Close()
	fake := newFakePeer(commits[:1], certs)
	peer.SetHandler(fake)

	b := newTestNode(t, net, "b", quietConfig(), vs, nil)
	startNode(t, b)
	require.NoError(t, net.Connect("peer", "b"))
	waitHead(t, b, commits[0].ID)
	waitState(t, b.Syncer(), SyncUpToDate)

	// The peer moves on; we only hear about its newest commit
	fake2 := newFakePeer(commits, certs)
	peer.SetHandler(fake2)
	b.HandleMessage(ctx, "peer", protocol.AnnounceCommit(commits[3]))

	waitHead(t, b, commits[3].ID)
}

func TestSyncStatusString(t *testing.T) {
	assert.Equal(t, "initializing", SyncStatus{}.String())
	assert.Equal(t, "up_to_date", SyncStatus{State: SyncUpToDate}.String())
	assert.Contains(t, SyncStatus{State: SyncSyncing, Progress: 0.5, TargetHash: "abcdef0123456789"}.String(), "progress=0.50")
	assert.Contains(t, SyncStatus{State: SyncError, Reason: types.ErrNoPeers}.String(), "no reachable peers")
}
