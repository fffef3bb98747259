package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/metrics"
	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/types"
)

var tracer = otel.Tracer("ledgerberry/engine")

// SyncState is the state of the sync engine
type SyncState int

const (
	// SyncInitializing - booted, or a cycle was abandoned
	SyncInitializing SyncState = iota
	// SyncSyncing - fetching and applying commits from a peer
	SyncSyncing
	// SyncUpToDate - every reachable peer is level with or behind us
	SyncUpToDate
	// SyncError - the last cycle failed; the next trigger retries
	SyncError
)

// String returns the metrics label of the state
func (s SyncState) String() string {
	switch s {
	case SyncInitializing:
		return "initializing"
	case SyncSyncing:
		return "syncing"
	case SyncUpToDate:
		return "up_to_date"
	case SyncError:
		return "error"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// SyncStatus is a snapshot of the sync engine
type SyncStatus struct {
	State SyncState

	// Progress is applied/total for the current cycle, set while Syncing
	Progress float64

	// TargetHash is the peer head being synced to, set while Syncing
	TargetHash string

	// Reason is why the engine is in Error
	Reason error
}

// String renders the status for logs and the CLI
func (s SyncStatus) String() string {
	switch s.State {
	case SyncSyncing:
		return fmt.Sprintf("syncing{progress=%.2f target=%s}", s.Progress, types.ShortID(s.TargetHash))
	case SyncError:
		return fmt.Sprintf("error{%v}", s.Reason)
	default:
		return s.State.String()
	}
}

// Applier feeds synced commits through the chain's single writer
type Applier interface {
	ApplySynced(ctx context.Context, c *types.Commit, votes []types.Vote) error
}

var (
	// errTargetLost ends a cycle whose target peer disconnected
	errTargetLost = errors.New("sync target disconnected")

	// errWindowSpent ends a walk that made MaxSyncDepth requests without
	// reaching a finalized commit
	errWindowSpent = errors.New("sync window spent")

	// errLosingFork means the peer's branch starts at a sibling of our head
	// that loses the tie-break, so it has nothing we would adopt
	errLosingFork = errors.New("peer branch loses to our head")
)

// Cycle outcomes, used as metrics labels
const (
	outcomeSynced      = "synced"
	outcomePartial     = "partial"
	outcomeUpToDate    = "up_to_date"
	outcomeIncomplete  = "incomplete"
	outcomeUnreachable = "unreachable"
	outcomeAbandoned   = "abandoned"
	outcomeError       = "error"
)

// fetched is one commit of the missing list with its certificate
type fetched struct {
	commit *types.Commit
	votes  []types.Vote
}

// Syncer reconciles the local chain with peers. It polls every connected
// peer for its head, picks one that is ahead, walks back from that head to
// a locally finalized commit and applies the missing commits oldest first.
type Syncer struct {
	mu sync.RWMutex

	config    *Config
	chain     *chain.Chain
	transport protocol.Transport
	applier   Applier
	peers     *PeerSet
	metrics   *metrics.Metrics
	logger    *slog.Logger

	status         SyncStatus
	onStatusChange func(SyncStatus)

	// lastReached is when any peer last answered a head poll
	lastReached time.Time
	now         func() time.Time

	// Current cycle target, cancelled if that peer disconnects
	cycleMu     sync.Mutex
	cycleTarget string
	cycleCancel context.CancelFunc
	cycleLost   bool

	// runMu serialises cycles and guards walked
	runMu sync.Mutex

	// walked holds commits fetched by walks that have not been applied yet,
	// by id, so a walk cut short resumes where it stopped
	walked map[string]fetched

	trigger chan struct{}
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncer creates a sync engine in the Initializing state
func NewSyncer(
	config *Config,
	ch *chain.Chain,
	transport protocol.Transport,
	applier Applier,
	peers *PeerSet,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		config:      config,
		chain:       ch,
		transport:   transport,
		applier:     applier,
		peers:       peers,
		metrics:     m,
		logger:      logger.With("component", "sync"),
		status:      SyncStatus{State: SyncInitializing},
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
		lastReached: time.Now(),
	}
	m.SetSyncState(s.status.State.String())
	return s
}

// SetOnStatusChange sets a callback run after every status change
func (s *Syncer) SetOnStatusChange(fn func(SyncStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusChange = fn
}

// SetClock replaces the time source. For tests.
func (s *Syncer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastReached = now()
}

// Start starts the periodic sync loop
func (s *Syncer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.lastReached = s.now()

	s.wg.Add(1)
	go s.syncLoop()
	return nil
}

// Stop stops the loop and abandons any running cycle
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Trigger asks the loop to run a sync cycle soon. Never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// PeerDisconnected abandons the running cycle if peerID is its target
func (s *Syncer) PeerDisconnected(peerID string) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if s.cycleTarget == peerID && s.cycleCancel != nil {
		s.cycleLost = true
		s.cycleCancel()
	}
}

// Status returns the current status
func (s *Syncer) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Syncer) setStatus(st SyncStatus) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	cb := s.onStatusChange
	s.mu.Unlock()

	if prev.State != st.State {
		s.logger.Info("sync state changed", "from", prev.State.String(), "to", st.String())
	}
	s.metrics.SetSyncState(st.State.String())
	if cb != nil {
		cb(st)
	}
}

func (s *Syncer) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Run(s.ctx)
	}
}

// Run runs sync cycles back to back while they keep applying or fetching
// commits, up to MaxSyncRounds. Cycle failures are reported through Status.
func (s *Syncer) Run(ctx context.Context) {
	for round := 0; round < s.config.MaxSyncRounds; round++ {
		applied, outcome, err := s.syncOnce(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		if applied == 0 && outcome != outcomePartial {
			return
		}
		if outcome == outcomePartial && round == s.config.MaxSyncRounds-1 {
			// still walking; pick up again without waiting for the timer
			s.Trigger()
		}
	}
}

// SyncOnce runs one reconciliation cycle and returns how many commits it
// applied. With no connected peers it does nothing.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	applied, _, err := s.syncOnce(ctx)
	return applied, err
}

func (s *Syncer) syncOnce(ctx context.Context) (int, string, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	peers := slices.Sorted(slices.Values(s.transport.Peers()))
	if len(peers) == 0 {
		return 0, "", nil
	}

	ctx, span := tracer.Start(ctx, "sync.cycle",
		trace.WithAttributes(
			attribute.Int("peers", len(peers)),
			attribute.String("head", s.chain.HeadID()),
		))
	defer span.End()

	start := time.Now()
	applied, outcome, err := s.cycle(ctx, peers)
	s.metrics.ObserveSyncCycle(outcome, time.Since(start).Seconds(), applied)

	span.SetAttributes(
		attribute.Int("applied", applied),
		attribute.String("outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return applied, outcome, err
}

func (s *Syncer) cycle(ctx context.Context, peers []string) (int, string, error) {
	prev := s.Status()
	heads := s.pollHeads(ctx, peers)
	if len(heads) == 0 {
		s.mu.RLock()
		since := s.now().Sub(s.lastReached)
		s.mu.RUnlock()
		if since > s.config.UnreachableWindow {
			err := fmt.Errorf("%w: %d peers silent for %s", types.ErrNoPeers, len(peers), since.Round(time.Second))
			s.setStatus(SyncStatus{State: SyncError, Reason: err})
			return 0, outcomeUnreachable, err
		}
		return 0, outcomeUnreachable, fmt.Errorf("%w: no peer answered", types.ErrPeerUnreachable)
	}

	s.mu.Lock()
	s.lastReached = s.now()
	s.mu.Unlock()

	tried := false
	for _, target := range s.pickTargets(peers, heads) {
		tried = true
		applied, outcome, err := s.syncFrom(ctx, target, heads[target])
		if errors.Is(err, errLosingFork) {
			s.logger.Debug("peer is on a losing sibling of our head", "peer", types.ShortID(target))
			continue
		}
		return applied, outcome, err
	}

	// Up to date only once every connected peer has been heard from
	if len(heads) < len(peers) {
		s.logger.Debug("some peers did not report a head", "answered", len(heads), "peers", len(peers))
		if tried {
			s.setStatus(prev)
		}
		return 0, outcomeIncomplete, nil
	}
	s.setStatus(SyncStatus{State: SyncUpToDate})
	return 0, outcomeUpToDate, nil
}

// syncFrom walks back from one peer's head and applies what it fetched.
// errLosingFork is returned without touching the status beyond Syncing.
func (s *Syncer) syncFrom(ctx context.Context, target, targetHash string) (int, string, error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cycleMu.Lock()
	s.cycleTarget, s.cycleCancel, s.cycleLost = target, cancel, false
	s.cycleMu.Unlock()
	defer func() {
		s.cycleMu.Lock()
		s.cycleTarget, s.cycleCancel = "", nil
		s.cycleMu.Unlock()
	}()

	s.logger.Debug("syncing from peer", "peer", types.ShortID(target), "target", types.ShortID(targetHash))
	s.setStatus(SyncStatus{State: SyncSyncing, TargetHash: targetHash})

	missing, anchor, err := s.walkBack(cycleCtx, target, targetHash)
	switch {
	case errors.Is(err, errWindowSpent):
		s.logger.Info("sync window spent, resuming next cycle",
			"peer", types.ShortID(target), "fetched", len(s.walked))
		return 0, outcomePartial, nil
	case err != nil:
		if !resumable(err) {
			s.walked = nil
		}
		return s.fail(0, err)
	}
	s.walked = nil

	if err := s.checkAnchor(anchor, missing); err != nil {
		if errors.Is(err, errLosingFork) {
			return 0, "", err
		}
		return s.fail(0, err)
	}

	total := len(missing)
	applied := 0
	for i := total - 1; i >= 0; i-- {
		f := missing[i]
		if err := s.applier.ApplySynced(cycleCtx, f.commit, f.votes); err != nil {
			return s.fail(applied, fmt.Errorf("applying %s: %w", f.commit.ShortID(), err))
		}
		applied++
		s.setStatus(SyncStatus{
			State:      SyncSyncing,
			Progress:   float64(applied) / float64(total),
			TargetHash: targetHash,
		})
	}

	s.logger.Info("synced commits", "peer", types.ShortID(target), "applied", applied, "head", types.ShortID(s.chain.HeadID()))
	return applied, outcomeSynced, nil
}

// resumable reports whether commits fetched before err may be reused by
// the next walk. Network trouble and a lost target say nothing about the
// commits themselves.
func resumable(err error) bool {
	return errors.Is(err, types.ErrNetwork) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// fail ends a cycle. A lost target goes back to Initializing; anything
// else is reported as Error. Commits applied so far are kept.
func (s *Syncer) fail(applied int, err error) (int, string, error) {
	s.cycleMu.Lock()
	lost := s.cycleLost
	s.cycleMu.Unlock()

	if lost {
		s.logger.Info("sync target disconnected, abandoning cycle", "applied", applied)
		s.setStatus(SyncStatus{State: SyncInitializing})
		return applied, outcomeAbandoned, errTargetLost
	}
	if !errors.Is(err, types.ErrSync) {
		err = fmt.Errorf("%w: %w", types.ErrSync, err)
	}
	s.logger.Warn("sync cycle failed", "applied", applied, "err", err)
	s.setStatus(SyncStatus{State: SyncError, Reason: err})
	return applied, outcomeError, err
}

// pollHeads asks every peer for its head concurrently. Peers that do not
// answer are left out.
func (s *Syncer) pollHeads(ctx context.Context, peers []string) map[string]string {
	var mu sync.Mutex
	heads := make(map[string]string, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.PollConcurrency)
	for _, p := range peers {
		g.Go(func() error {
			resp, err := s.request(gctx, p, protocol.RequestLatestHash())
			if err != nil {
				s.recordFailure(p, err)
				return nil
			}
			if resp.Type != protocol.TypeLatestHash {
				s.recordFailure(p, fmt.Errorf("%w: got %s", types.ErrUnexpectedMessage, resp.Type))
				return nil
			}
			if ps := s.peers.GetPeer(p); ps != nil {
				ps.SetLatestHash(resp.Hash)
			}
			mu.Lock()
			heads[p] = resp.Hash
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return heads
}

func (s *Syncer) recordFailure(peer string, err error) {
	if ps := s.peers.GetPeer(peer); ps != nil {
		ps.RecordFailure(err)
	}
	s.logger.Debug("peer did not answer", "peer", types.ShortID(peer), "err", err)
}

// pickTargets returns, in peer id order, the answering peers whose head is
// ahead of or divergent from ours. None means every answering peer is level
// or behind.
func (s *Syncer) pickTargets(peers []string, heads map[string]string) []string {
	var targets []string
	for _, p := range peers {
		h, ok := heads[p]
		if !ok || s.isBehind(h) {
			continue
		}
		targets = append(targets, p)
	}
	return targets
}

// isBehind reports whether a peer head needs nothing from us: no head, a
// head we already finalized or abandoned, or a head that loses the tip
// tie-break against ours.
func (s *Syncer) isBehind(hash string) bool {
	if hash == "" {
		return true
	}
	switch s.chain.Status(hash) {
	case chain.StatusFinalized, chain.StatusSuperseded:
		return true
	case chain.StatusAdmitted:
		head := s.chain.Head()
		c, ok := s.chain.Get(hash)
		return ok && head != nil && !head.IsGenesis() &&
			c.ParentHash == head.ParentHash && hash > head.ID
	}
	return false
}

// walkBack fetches commits from targetHash back to the first locally
// finalized commit, the anchor, and returns them newest first. A walk that
// reaches a foreign genesis on an empty chain has no anchor.
//
// Only MaxSyncDepth commits are requested per call. Fetched commits are kept
// in walked, so when the window runs out the next call continues from the
// oldest one instead of starting over.
func (s *Syncer) walkBack(ctx context.Context, peer, targetHash string) ([]fetched, string, error) {
	if s.walked == nil {
		s.walked = make(map[string]fetched)
	}

	var missing []fetched
	requests := 0
	cur := targetHash
	for !s.chain.IsFinalized(cur) {
		f, ok := s.walked[cur]
		if !ok {
			if requests >= s.config.MaxSyncDepth {
				return nil, "", fmt.Errorf("%w: %d commits fetched towards %s", errWindowSpent, len(missing), types.ShortID(targetHash))
			}
			requests++

			var err error
			if f, err = s.fetch(ctx, peer, cur); err != nil {
				return nil, "", err
			}
			s.walked[cur] = f
		}

		missing = append(missing, f)
		if f.commit.IsGenesis() {
			if !s.chain.IsEmpty() {
				return nil, "", fmt.Errorf("%w: reached genesis %s", types.ErrNoCommonAncestor, f.commit.ShortID())
			}
			return missing, "", nil
		}
		cur = f.commit.ParentHash
	}
	return missing, cur, nil
}

// fetch requests one commit with its certificate and checks it is the one
// asked for
func (s *Syncer) fetch(ctx context.Context, peer, id string) (fetched, error) {
	resp, err := s.request(ctx, peer, protocol.RequestCommit(id))
	if err != nil {
		return fetched{}, err
	}
	switch resp.Type {
	case protocol.TypeCommitFound:
	case protocol.TypeCommitNotFound:
		return fetched{}, fmt.Errorf("%w: peer has no commit %s", types.ErrUnknownCommit, types.ShortID(id))
	default:
		return fetched{}, fmt.Errorf("%w: got %s", types.ErrUnexpectedMessage, resp.Type)
	}
	if resp.Commit.ID != id {
		return fetched{}, fmt.Errorf("%w: asked for %s, got %s", types.ErrIDMismatch, types.ShortID(id), resp.Commit.ShortID())
	}
	if err := resp.Commit.VerifyID(); err != nil {
		return fetched{}, err
	}
	return fetched{commit: resp.Commit, votes: resp.Votes}, nil
}

// checkAnchor decides whether a complete walk can be applied. Only the head
// level is ever replaced, so the walk must start at our head, or at its
// parent with a sibling that wins the tie-break. A sibling that loses is
// errLosingFork. Anything lower would undo a finalized commit.
func (s *Syncer) checkAnchor(anchor string, missing []fetched) error {
	head := s.chain.Head()
	if anchor == "" || head == nil || anchor == head.ID || len(missing) == 0 {
		return nil
	}

	anchorHeight, _ := s.chain.Height(anchor)
	headHeight := s.chain.HeadHeight()
	if anchorHeight+1 == headHeight {
		if oldest := missing[len(missing)-1].commit; oldest.ID > head.ID {
			return errLosingFork
		}
		return nil
	}
	return fmt.Errorf("%w: peer branch leaves our chain at height %d, head is at %d",
		types.ErrIrreconcilableFork, anchorHeight, headHeight)
}

// request sends one request with the configured timeout and retries
func (s *Syncer) request(ctx context.Context, peer string, msg protocol.Message) (protocol.Response, error) {
	ctx, span := tracer.Start(ctx, "sync.request",
		trace.WithAttributes(
			attribute.String("peer", peer),
			attribute.String("type", string(msg.Type)),
		))
	defer span.End()

	var lastErr error
	backoff := s.config.RateLimitBackoff
	waits := 0
	for attempt := 0; attempt <= s.config.RequestRetries; {
		rctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		resp, err := s.transport.Request(rctx, peer, msg)
		cancel()
		if err == nil {
			s.metrics.ObserveRequest(string(msg.Type), "ok")
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		if errors.Is(err, types.ErrRateLimited) {
			if waits >= s.config.RateLimitRetries {
				break
			}
			waits++
			s.metrics.ObserveRequest(string(msg.Type), "rate_limited")
			span.AddEvent("rate limited", trace.WithAttributes(attribute.Int64("backoff_ms", backoff.Milliseconds())))
			if !sleepCtx(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
			backoff = min(backoff*2, s.config.RequestTimeout)
			continue
		}

		if !errors.Is(err, types.ErrRequestTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		attempt++
		s.metrics.ObserveRequest(string(msg.Type), "retry")
	}

	s.metrics.ObserveRequest(string(msg.Type), "error")
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return protocol.Response{}, lastErr
}

// sleepCtx waits for d and reports whether ctx was still live afterwards
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
