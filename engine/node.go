package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/consensus"
	"github.com/blockberries/ledgerberry/evidence"
	"github.com/blockberries/ledgerberry/metrics"
	"github.com/blockberries/ledgerberry/privval"
	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/types"
	"github.com/blockberries/ledgerberry/wal"
)

// task is one unit of work for the single writer
type task struct {
	name string
	fn   func(ctx context.Context) error
	done chan error // nil for fire and forget
}

// Node is a ledger participant. It owns the chain and is the only thing that
// mutates it: announcements, local proposals, synced commits and head
// changes all go through one writer goroutine in arrival order. Votes are
// tallied concurrently and only the resulting fork choice runs on the
// writer. Read-only requests from peers are answered directly.
type Node struct {
	mu sync.RWMutex

	config *Config

	chain     *chain.Chain
	tracker   *consensus.Tracker
	fork      *consensus.ForkChoice
	evidence  *evidence.Pool
	signer    privval.Signer
	valSet    *types.ValidatorSet
	transport protocol.Transport
	syncer    *Syncer
	peers     *PeerSet
	votes     wal.WAL
	metrics   *metrics.Metrics
	logger    *slog.Logger

	inbox      chan task
	writerDone chan struct{}

	onFinalized func(consensus.Transition)

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Node
type Option func(*Node)

// WithLogger sets the node's logger
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the node's metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithEvidencePool replaces the default evidence pool
func WithEvidencePool(p *evidence.Pool) Option {
	return func(n *Node) { n.evidence = p }
}

// WithVoteLog persists accepted votes so tallies survive a restart
func WithVoteLog(w wal.WAL) Option {
	return func(n *Node) { n.votes = w }
}

// NewNode creates a node. signer may be nil for a node that only follows
// the chain; a signer whose key is in valSet also votes.
func NewNode(
	config *Config,
	ch *chain.Chain,
	valSet *types.ValidatorSet,
	signer privval.Signer,
	transport protocol.Transport,
	opts ...Option,
) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if valSet == nil {
		return nil, types.ErrEmptyValidatorSet
	}

	n := &Node{
		config:    config,
		chain:     ch,
		valSet:    valSet,
		signer:    signer,
		transport: transport,
		tracker:   consensus.NewTracker(valSet),
		peers:     NewPeerSet(config.PeerRequestRate, config.PeerRequestBurst),
		logger:    slog.Default(),
		inbox:     make(chan task, config.InboxSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.evidence == nil {
		n.evidence = evidence.NewPool(evidence.DefaultConfig())
	}
	if n.votes == nil {
		n.votes = wal.NopWAL{}
	}
	n.logger = n.logger.With("component", "node", "node", types.ShortID(transport.LocalID()))
	n.fork = consensus.NewForkChoice(ch, n.tracker, n.logger)
	n.syncer = NewSyncer(config, ch, transport, n, n.peers, n.metrics, n.logger)
	return n, nil
}

// SetOnFinalized sets a callback run on the writer after every head change
func (n *Node) SetOnFinalized(fn func(consensus.Transition)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFinalized = fn
}

// Start replays the vote log, registers with the transport and starts the
// writer, the peer event loop and the sync engine
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}
	if err := n.votes.Start(); err != nil {
		return fmt.Errorf("failed to open vote log: %w", err)
	}
	replayed, err := n.replayVotes()
	if err != nil {
		n.votes.Stop()
		return fmt.Errorf("failed to replay vote log: %w", err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.writerDone = make(chan struct{})
	n.transport.SetHandler(n)

	// left over from a previous run
	n.drainInbox()

	n.wg.Add(3)
	go n.writeLoop(n.writerDone)
	go n.eventLoop()
	go n.maintenanceLoop()

	if replayed > 0 {
		// replayed votes may already complete a quorum
		n.enqueue(task{name: "fork_choice", fn: n.updateForkChoice})
	}

	if err := n.syncer.Start(); err != nil {
		n.cancel()
		n.wg.Wait()
		n.votes.Stop()
		return fmt.Errorf("failed to start syncer: %w", err)
	}

	n.started = true
	n.logger.Info("node started", "head", types.ShortID(n.chain.HeadID()), "validator", n.isValidator())
	return nil
}

// Stop stops the node. The transport is left open for the caller to close.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	n.mu.Unlock()

	if err := n.syncer.Stop(); err != nil {
		n.logger.Warn("stopping syncer", "err", err)
	}
	n.cancel()
	n.wg.Wait()
	if err := n.votes.Stop(); err != nil {
		n.logger.Warn("closing vote log", "err", err)
	}
	return nil
}

// IsRunning returns true if the node is started
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

// Chain returns the node's chain for read access
func (n *Node) Chain() *chain.Chain { return n.chain }

// Tracker returns the node's vote tracker
func (n *Node) Tracker() *consensus.Tracker { return n.tracker }

// Evidence returns the node's evidence pool
func (n *Node) Evidence() *evidence.Pool { return n.evidence }

// Syncer returns the node's sync engine
func (n *Node) Syncer() *Syncer { return n.syncer }

// SyncStatus returns the sync engine state
func (n *Node) SyncStatus() SyncStatus { return n.syncer.Status() }

// Peers returns the tracked peers
func (n *Node) Peers() *PeerSet { return n.peers }

func (n *Node) isValidator() bool {
	return n.signer != nil && n.valSet.Has(n.signer.PublicKeyID())
}

// Propose creates, signs and admits a commit on top of the head, votes for
// it if this node is a validator, and announces it. On an empty chain it
// creates the genesis commit.
func (n *Node) Propose(ctx context.Context, mutations []types.Mutation) (*types.Commit, error) {
	if n.signer == nil {
		return nil, ErrNoSigner
	}
	var out *types.Commit
	err := n.do(ctx, "propose", func(ctx context.Context) error {
		parent := n.chain.HeadID()
		if parent != "" && n.config.ProposerRotation {
			next := consensus.ProposerFor(n.valSet, n.chain.HeadHeight()+1)
			if next != n.signer.PublicKeyID() {
				return fmt.Errorf("%w: height %d belongs to %s",
					ErrNotProposer, n.chain.HeadHeight()+1, types.ShortID(next))
			}
		}

		c, err := privval.NewCommit(n.signer, parent, mutations, time.Now())
		if err != nil {
			return err
		}
		if err := n.admit(ctx, c, ""); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// ApplySynced admits a commit fetched by the sync engine together with its
// finality certificate and requires it to become finalized. Genesis needs
// no certificate.
func (n *Node) ApplySynced(ctx context.Context, c *types.Commit, votes []types.Vote) error {
	return n.do(ctx, "apply_synced", func(ctx context.Context) error {
		return n.applySynced(ctx, c, votes)
	})
}

func (n *Node) applySynced(ctx context.Context, c *types.Commit, votes []types.Vote) error {
	res, err := n.chain.Admit(ctx, c)
	n.observeAdmission(res)
	if err != nil {
		return err
	}
	if !res.Duplicate {
		n.checkEvidence(c)
		for _, a := range res.Adopted {
			n.checkEvidence(a)
		}
	}
	if n.chain.IsFinalized(c.ID) {
		return nil
	}

	if err := types.VerifyCertificate(n.valSet, c.ID, votes); err != nil {
		return fmt.Errorf("%w: certificate for %s: %v", types.ErrNotFinalized, c.ShortID(), err)
	}
	if err := n.tracker.SubmitCertificate(votes); err != nil {
		return err
	}
	if err := n.updateForkChoice(ctx); err != nil {
		return err
	}
	if !n.chain.IsFinalized(c.ID) {
		return fmt.Errorf("%w: %s is %s", types.ErrNotFinalized, c.ShortID(), n.chain.Status(c.ID))
	}
	return nil
}

// HandleMessage implements protocol.Handler. Announcements are queued for
// the writer; votes are tallied on the caller's goroutine.
func (n *Node) HandleMessage(ctx context.Context, from string, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAnnounceCommit:
		c := msg.Commit
		n.enqueue(task{name: "announce", fn: func(ctx context.Context) error {
			return n.admit(ctx, c, from)
		}})

	case protocol.TypeSubmitVote:
		n.handleVote(*msg.Vote, from)

	default:
		n.logger.Debug("ignoring request sent as broadcast", "peer", types.ShortID(from), "type", string(msg.Type))
	}
}

// HandleRequest implements protocol.Handler. It only reads the chain.
func (n *Node) HandleRequest(ctx context.Context, from string, msg protocol.Message) (protocol.Response, error) {
	if !n.peers.Allow(from) {
		return protocol.Response{}, ErrRateLimited
	}

	switch msg.Type {
	case protocol.TypeRequestLatestHash:
		return protocol.LatestHash(n.chain.HeadID()), nil

	case protocol.TypeRequestCommit:
		c, ok := n.chain.Get(msg.CommitHash)
		if !ok {
			return protocol.CommitNotFound(msg.CommitHash), nil
		}
		votes := n.chain.Certificate(c.ID)
		if len(votes) == 0 && !n.chain.IsFinalized(c.ID) {
			votes = n.tracker.Certificate(c.ID)
		}
		return protocol.CommitFound(c, votes), nil
	}
	return protocol.Response{}, fmt.Errorf("%w: %s is not a request", types.ErrUnexpectedMessage, msg.Type)
}

// admit runs on the writer
func (n *Node) admit(ctx context.Context, c *types.Commit, from string) error {
	res, err := n.chain.Admit(ctx, c)
	n.observeAdmission(res)

	switch {
	case res.Duplicate:
		return nil
	case res.Status == chain.StatusRejected:
		n.logger.Warn("rejected commit", "commit", types.ShortID(c.ID), "peer", types.ShortID(from), "err", err)
		return err
	case res.Status == chain.StatusOrphaned:
		n.logger.Debug("orphaned commit", "commit", c.ShortID(), "peer", types.ShortID(from))
		n.syncer.Trigger()
		return err
	case err != nil:
		return err
	}

	n.afterAdmit(ctx, c)
	for _, a := range res.Adopted {
		n.afterAdmit(ctx, a)
	}
	return n.updateForkChoice(ctx)
}

// afterAdmit floods the commit, records it for equivocation checks and
// votes for it
func (n *Node) afterAdmit(ctx context.Context, c *types.Commit) {
	n.checkEvidence(c)
	n.broadcast(ctx, protocol.AnnounceCommit(c))

	if !n.isValidator() || c.IsGenesis() || !n.shouldVote(c) {
		return
	}
	vote, err := privval.SignVote(n.signer, c.ID)
	if err != nil {
		n.logger.Error("signing vote", "commit", c.ShortID(), "err", err)
		return
	}
	if _, err := n.tracker.SubmitVote(vote); err != nil {
		n.logger.Error("own vote rejected", "commit", c.ShortID(), "err", err)
		return
	}
	// durable before anyone else sees it
	if err := n.votes.WriteSync(n.voteEntry(vote)); err != nil {
		n.logger.Error("logging own vote", "commit", c.ShortID(), "err", err)
	}
	n.metrics.ObserveVote("own")
	n.broadcast(ctx, protocol.SubmitVote(vote))
}

func (n *Node) shouldVote(c *types.Commit) bool {
	if n.chain.Status(c.ID) != chain.StatusAdmitted {
		return false
	}
	if !n.config.ProposerRotation {
		return true
	}
	height, ok := n.chain.Height(c.ID)
	return ok && consensus.IsProposer(n.valSet, height, c.Author)
}

func (n *Node) checkEvidence(c *types.Commit) {
	ev, err := n.evidence.CheckCommit(c)
	if err != nil || ev == nil {
		return
	}
	if err := n.evidence.AddEvidence(ev); err != nil {
		if !errors.Is(err, evidence.ErrDuplicateEvidence) {
			n.logger.Warn("discarding evidence", "err", err)
		}
		return
	}
	n.metrics.ObserveEvidence()
	n.logger.Warn("author signed two commits on one parent",
		"author", types.ShortID(ev.Author()), "a", ev.CommitA.ShortID(), "b", ev.CommitB.ShortID())
}

// handleVote tallies a peer vote and schedules fork choice when it might
// have completed a quorum
func (n *Node) handleVote(vote types.Vote, from string) {
	added, err := n.tracker.SubmitVote(vote)
	if err != nil {
		n.metrics.ObserveVote("rejected")
		n.logger.Debug("rejected vote", "peer", types.ShortID(from), "err", err)
		return
	}
	if !added {
		n.metrics.ObserveVote("duplicate")
		return
	}
	n.metrics.ObserveVote("added")
	if err := n.votes.Write(n.voteEntry(vote)); err != nil {
		n.logger.Warn("logging vote", "commit", types.ShortID(vote.CommitID), "err", err)
	}
	if n.tracker.QuorumReached(vote.CommitID, nil) && n.chain.Contains(vote.CommitID) {
		n.enqueue(task{name: "fork_choice", fn: n.updateForkChoice})
	}
}

func (n *Node) voteEntry(vote types.Vote) *wal.Entry {
	height, ok := n.chain.Height(vote.CommitID)
	if !ok {
		height = n.chain.HeadHeight() + 1
	}
	return wal.NewVoteEntry(height, vote)
}

// replayVotes feeds logged votes for still open commits back into the
// tracker and returns how many it accepted
func (n *Node) replayVotes() (int, error) {
	replayed := 0
	err := n.votes.Replay(func(e *wal.Entry) error {
		if e.Type != wal.EntryVote {
			return nil
		}
		switch n.chain.Status(e.Vote.CommitID) {
		case chain.StatusFinalized, chain.StatusSuperseded:
			return nil
		}
		added, err := n.tracker.SubmitVote(*e.Vote)
		if err != nil {
			n.logger.Debug("dropping logged vote", "commit", types.ShortID(e.Vote.CommitID), "err", err)
			return nil
		}
		if added {
			replayed++
		}
		return nil
	})
	if replayed > 0 {
		n.logger.Info("replayed vote log", "votes", replayed)
	}
	return replayed, err
}

// updateForkChoice runs on the writer
func (n *Node) updateForkChoice(ctx context.Context) error {
	trs, err := n.fork.Update(ctx)
	n.mu.RLock()
	cb := n.onFinalized
	n.mu.RUnlock()

	for _, tr := range trs {
		kind := "promote"
		if tr.Replaced != "" {
			kind = "replace"
		}
		height, _ := n.chain.Height(tr.CommitID)
		n.metrics.ObserveFinalized(kind, height)
		if cb != nil {
			cb(tr)
		}
	}
	if len(trs) > 0 {
		n.tracker.Prune(func(id string) bool {
			st := n.chain.Status(id)
			return st == chain.StatusFinalized || st == chain.StatusSuperseded
		})
	}
	return err
}

func (n *Node) observeAdmission(res chain.Result) {
	if res.Duplicate {
		n.metrics.ObserveCommit("duplicate")
		return
	}
	n.metrics.ObserveCommit(res.Status.String())
	for range res.Adopted {
		n.metrics.ObserveCommit("adopted")
	}
	n.metrics.SetOrphans(n.chain.OrphanCount())
}

func (n *Node) broadcast(ctx context.Context, msg protocol.Message) {
	if err := n.transport.Broadcast(ctx, msg); err != nil {
		n.logger.Debug("broadcast failed", "type", string(msg.Type), "err", err)
	}
}

// do runs fn on the writer and waits for it
func (n *Node) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	n.mu.RLock()
	started, writerDone := n.started, n.writerDone
	n.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	t := task{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case n.inbox <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-writerDone:
		return ErrNotStarted
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-writerDone:
		// the task either ran before the writer exited or never will
		select {
		case err := <-t.done:
			return err
		default:
			return ErrNotStarted
		}
	}
}

// enqueue queues fire and forget work, dropping it if the inbox is full
func (n *Node) enqueue(t task) {
	select {
	case n.inbox <- t:
	default:
		n.metrics.ObserveInboxDrop()
		n.logger.Warn("inbox full, dropping task", "task", t.name)
	}
}

func (n *Node) writeLoop(done chan struct{}) {
	defer n.wg.Done()
	defer close(done)
	for {
		select {
		case <-n.ctx.Done():
			n.drainInbox()
			return
		case t := <-n.inbox:
			err := t.fn(n.ctx)
			if t.done != nil {
				t.done <- err
			} else if err != nil && !errors.Is(err, types.ErrVerification) && !errors.Is(err, types.ErrChainLink) {
				n.logger.Warn("task failed", "task", t.name, "err", err)
			}
		}
	}
}

// drainInbox fails every queued task without running it
func (n *Node) drainInbox() {
	for {
		select {
		case t := <-n.inbox:
			if t.done != nil {
				t.done <- ErrNotStarted
			}
		default:
			return
		}
	}
}

func (n *Node) eventLoop() {
	defer n.wg.Done()
	events := n.transport.Events()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case protocol.PeerConnected:
				n.peers.AddPeer(ev.Peer)
				n.logger.Debug("peer connected", "peer", types.ShortID(ev.Peer))
				n.syncer.Trigger()
			case protocol.PeerDisconnected:
				n.peers.RemovePeer(ev.Peer)
				n.logger.Debug("peer disconnected", "peer", types.ShortID(ev.Peer))
				n.syncer.PeerDisconnected(ev.Peer)
			}
			n.metrics.SetPeers(n.peers.Size())
		}
	}
}

// maintenanceLoop expires orphans and stale evidence and drops spent vote
// log segments
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	interval := n.config.OrphanTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if dropped := n.chain.CollectOrphans(n.config.OrphanTTL); dropped > 0 {
				n.logger.Info("expired orphans", "count", dropped)
			}
			n.metrics.SetOrphans(n.chain.OrphanCount())
			n.evidence.Prune()
			if err := n.votes.Checkpoint(n.chain.HeadHeight()); err != nil {
				n.logger.Warn("checkpointing vote log", "err", err)
			}
		}
	}
}
