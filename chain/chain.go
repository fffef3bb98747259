package chain

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blockberries/ledgerberry/merkle"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/types"
)

// Status is the local state of a commit
type Status int

const (
	// StatusUnknown means the commit has never been seen
	StatusUnknown Status = iota
	// StatusAdmitted means the commit is verified, linked and stored but not final
	StatusAdmitted
	// StatusFinalized means the commit is on the canonical chain
	StatusFinalized
	// StatusOrphaned means the commit is verified but its parent is unknown
	StatusOrphaned
	// StatusSuperseded means a sibling was finalized instead; kept for audit
	StatusSuperseded
	// StatusRejected means the commit failed verification. Never stored.
	StatusRejected
)

var statusNames = map[Status]string{
	StatusUnknown:    "unknown",
	StatusAdmitted:   "admitted",
	StatusFinalized:  "finalized",
	StatusOrphaned:   "orphaned",
	StatusSuperseded: "superseded",
	StatusRejected:   "rejected",
}

// String returns the status name
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result describes the outcome of Admit
type Result struct {
	Status Status

	// Duplicate is true if the commit was already known; nothing changed
	Duplicate bool

	// Adopted lists pooled orphans linked in because this commit arrived,
	// parents before children
	Adopted []*types.Commit
}

// Config configures a Chain
type Config struct {
	// GenesisID pins the genesis commit. Empty accepts the first valid genesis.
	GenesisID string

	// MaxOrphans bounds the orphan pool. The oldest orphan is evicted first.
	MaxOrphans int

	// RestrictAuthors rejects commits whose author is not in Validators
	RestrictAuthors bool
	Validators      *types.ValidatorSet

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// DefaultConfig returns a config with a 1024-entry orphan pool
func DefaultConfig() Config {
	return Config{MaxOrphans: 1024}
}

type entry struct {
	commit *types.Commit
	status Status
	height uint64
	cert   []types.Vote
}

type orphan struct {
	commit   *types.Commit
	received time.Time
}

// Chain is the local commit DAG: every admitted commit indexed by id, the
// finalized head, and a pool of verified orphans waiting for their parent.
//
// Writes (Admit, Promote, Replace, Load, CollectOrphans) are serialized
// internally; reads only take a read lock.
type Chain struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	entries  map[string]*entry
	children map[string][]string
	orphans  map[string]*orphan
	waiting  map[string][]string // missing parent id -> orphan ids
	genesis  string
	head     string

	store  store.LedgerStore
	cfg    Config
	logger *slog.Logger
}

// New creates an empty chain on top of st. Call Load to restore a previous
// run.
func New(st store.LedgerStore, cfg Config) *Chain {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = DefaultConfig().MaxOrphans
	}
	return &Chain{
		entries:  make(map[string]*entry),
		children: make(map[string][]string),
		orphans:  make(map[string]*orphan),
		waiting:  make(map[string][]string),
		store:    st,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "chain"),
	}
}

// Verify runs the content checks of admission: field formats, merkle root,
// content id and author signature. It does not look at the parent.
func (c *Chain) Verify(commit *types.Commit) error {
	if err := commit.ValidateBasic(); err != nil {
		return err
	}
	if err := merkle.VerifyCommit(commit); err != nil {
		return err
	}
	if err := commit.VerifyID(); err != nil {
		return err
	}
	if err := commit.VerifySignature(); err != nil {
		return err
	}
	if c.cfg.RestrictAuthors && (c.cfg.Validators == nil || !c.cfg.Validators.Has(commit.Author)) {
		return fmt.Errorf("%w: %s", types.ErrUnauthorizedAuthor, types.ShortID(commit.Author))
	}
	return nil
}

// Admit verifies a commit and links it into the chain.
//
// Verification failures return StatusRejected with a verification error and
// leave the chain untouched. A commit whose parent is unknown is pooled and
// returns StatusOrphaned with ErrMissingParent. Otherwise the commit is
// persisted, becomes visible as StatusAdmitted, and any pooled descendants
// are linked in after it. Admitting a known commit is a no-op.
//
// The first genesis commit admitted into an empty chain becomes the
// finalized head.
func (c *Chain) Admit(ctx context.Context, commit *types.Commit) (Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if commit == nil {
		return Result{Status: StatusRejected}, fmt.Errorf("%w: nil commit", types.ErrMalformedCommit)
	}
	if st, ok := c.knownStatus(commit.ID); ok {
		return Result{Status: st, Duplicate: true}, nil
	}
	if err := c.Verify(commit); err != nil {
		c.logger.Warn("rejected commit", "commit", commit.ShortID(), "err", err)
		return Result{Status: StatusRejected}, err
	}
	commit = commit.Copy()

	if commit.IsGenesis() {
		return c.admitGenesis(ctx, commit)
	}

	c.mu.RLock()
	parent, ok := c.entries[commit.ParentHash]
	c.mu.RUnlock()
	if !ok {
		c.pool(commit)
		return Result{Status: StatusOrphaned}, fmt.Errorf("%w: %s waits for %s",
			types.ErrMissingParent, commit.ShortID(), types.ShortID(commit.ParentHash))
	}

	if err := c.persistCommit(ctx, commit); err != nil {
		return Result{Status: StatusUnknown}, err
	}
	c.mu.Lock()
	c.insert(commit, StatusAdmitted, parent.height+1)
	c.mu.Unlock()
	c.logger.Debug("admitted commit", "commit", commit.ShortID(), "parent", types.ShortID(commit.ParentHash))

	adopted, err := c.adoptOrphans(ctx, commit.ID)
	return Result{Status: StatusAdmitted, Adopted: adopted}, err
}

func (c *Chain) admitGenesis(ctx context.Context, commit *types.Commit) (Result, error) {
	if c.cfg.GenesisID != "" && commit.ID != c.cfg.GenesisID {
		return Result{Status: StatusRejected}, fmt.Errorf("%w: got %s, pinned %s",
			types.ErrConflictingGenesis, commit.ShortID(), types.ShortID(c.cfg.GenesisID))
	}

	c.mu.RLock()
	existing := c.genesis
	c.mu.RUnlock()
	if existing != "" {
		return Result{Status: StatusRejected}, fmt.Errorf("%w: have %s, got %s",
			types.ErrConflictingGenesis, types.ShortID(existing), commit.ShortID())
	}

	data, err := types.MarshalCBOR(commit)
	if err != nil {
		return Result{Status: StatusUnknown}, fmt.Errorf("encoding commit: %w", err)
	}
	err = c.store.PutBatch(ctx, []store.Entry{
		{Key: store.CommitKey(commit.ID), Value: data},
		{Key: store.HeadKey, Value: []byte(commit.ID)},
	})
	if err != nil {
		return Result{Status: StatusUnknown}, fmt.Errorf("persisting genesis: %w", err)
	}

	c.mu.Lock()
	c.insert(commit, StatusFinalized, 0)
	c.genesis = commit.ID
	c.head = commit.ID
	c.mu.Unlock()
	c.logger.Info("adopted genesis", "commit", commit.ShortID())

	adopted, err := c.adoptOrphans(ctx, commit.ID)
	return Result{Status: StatusFinalized, Adopted: adopted}, err
}

// knownStatus reports the status of an already-seen commit
func (c *Chain) knownStatus(id string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.status, true
	}
	if _, ok := c.orphans[id]; ok {
		return StatusOrphaned, true
	}
	return StatusUnknown, false
}

func (c *Chain) persistCommit(ctx context.Context, commit *types.Commit) error {
	data, err := types.MarshalCBOR(commit)
	if err != nil {
		return fmt.Errorf("encoding commit: %w", err)
	}
	if err := c.store.Put(ctx, store.CommitKey(commit.ID), data); err != nil {
		return fmt.Errorf("persisting commit %s: %w", commit.ShortID(), err)
	}
	return nil
}

// insert adds a commit to the index. Caller holds mu.
func (c *Chain) insert(commit *types.Commit, status Status, height uint64) {
	c.entries[commit.ID] = &entry{commit: commit, status: status, height: height}
	if !commit.IsGenesis() {
		kids := append(c.children[commit.ParentHash], commit.ID)
		sort.Strings(kids)
		c.children[commit.ParentHash] = kids
	}
}

// pool stores a verified orphan, evicting the oldest if the pool is full
func (c *Chain) pool(commit *types.Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.orphans) >= c.cfg.MaxOrphans {
		var oldestID string
		var oldest time.Time
		for id, o := range c.orphans {
			if oldestID == "" || o.received.Before(oldest) || (o.received.Equal(oldest) && id < oldestID) {
				oldestID, oldest = id, o.received
			}
		}
		c.removeOrphan(oldestID)
		c.logger.Warn("orphan pool full, evicted oldest", "commit", types.ShortID(oldestID))
	}

	c.orphans[commit.ID] = &orphan{commit: commit, received: c.cfg.Now()}
	c.waiting[commit.ParentHash] = append(c.waiting[commit.ParentHash], commit.ID)
	c.logger.Debug("pooled orphan", "commit", commit.ShortID(), "missing_parent", types.ShortID(commit.ParentHash))
}

// removeOrphan drops an orphan from the pool. Caller holds mu.
func (c *Chain) removeOrphan(id string) {
	o, ok := c.orphans[id]
	if !ok {
		return
	}
	delete(c.orphans, id)
	parent := o.commit.ParentHash
	ids := c.waiting[parent]
	for i, w := range ids {
		if w == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.waiting, parent)
	} else {
		c.waiting[parent] = ids
	}
}

// adoptOrphans links in every pooled descendant of id, breadth first.
// Orphans were verified when pooled, so only the parent link is checked.
func (c *Chain) adoptOrphans(ctx context.Context, id string) ([]*types.Commit, error) {
	var adopted []*types.Commit
	queue := []string{id}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		c.mu.Lock()
		waiting := append([]string(nil), c.waiting[parentID]...)
		sort.Strings(waiting)
		var ready []*types.Commit
		for _, oid := range waiting {
			ready = append(ready, c.orphans[oid].commit)
			c.removeOrphan(oid)
		}
		parentHeight := c.entries[parentID].height
		c.mu.Unlock()

		for _, commit := range ready {
			if err := c.persistCommit(ctx, commit); err != nil {
				return adopted, err
			}
			c.mu.Lock()
			c.insert(commit, StatusAdmitted, parentHeight+1)
			c.mu.Unlock()
			adopted = append(adopted, commit.Copy())
			queue = append(queue, commit.ID)
			c.logger.Debug("adopted orphan", "commit", commit.ShortID(), "parent", types.ShortID(parentID))
		}
	}
	return adopted, nil
}

// Promote finalizes id, a child of the current head, with its certificate.
// Siblings of the previous head are marked superseded. The certificate and
// new head pointer are persisted atomically before the change is visible.
func (c *Chain) Promote(ctx context.Context, id string, cert []types.Vote) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	e, ok := c.entries[id]
	head := c.head
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownCommit, types.ShortID(id))
	}
	if head == "" || e.commit.ParentHash != head {
		return fmt.Errorf("%w: %s has parent %s, head is %s",
			types.ErrNotExtendingHead, types.ShortID(id), types.ShortID(e.commit.ParentHash), types.ShortID(head))
	}

	if err := c.persistHead(ctx, id, cert); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The previous head now has a finalized child, so its level is settled.
	if prev := c.entries[head]; prev != nil && !prev.commit.IsGenesis() {
		for _, sib := range c.children[prev.commit.ParentHash] {
			if sib != head {
				c.supersede(sib)
			}
		}
	}
	e.status = StatusFinalized
	e.cert = copyVotes(cert)
	c.head = id
	c.logger.Info("finalized commit", "commit", types.ShortID(id), "height", e.height, "votes", len(cert))
	return nil
}

// Replace swaps the head for one of its siblings. Only allowed while the head
// has no finalized child. The old head is marked superseded.
func (c *Chain) Replace(ctx context.Context, id string, cert []types.Vote) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	e, ok := c.entries[id]
	head := c.entries[c.head]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownCommit, types.ShortID(id))
	}
	if head == nil || head.commit.IsGenesis() || e.commit.IsGenesis() ||
		e.commit.ParentHash != head.commit.ParentHash || id == head.commit.ID {
		return fmt.Errorf("%w: %s is not a sibling of the head", types.ErrNotExtendingHead, types.ShortID(id))
	}

	if err := c.persistHead(ctx, id, cert); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersede(head.commit.ID)
	e.status = StatusFinalized
	e.cert = copyVotes(cert)
	c.head = id
	c.logger.Info("replaced head with smaller sibling",
		"old", head.commit.ShortID(), "new", types.ShortID(id), "height", e.height)
	return nil
}

func (c *Chain) persistHead(ctx context.Context, id string, cert []types.Vote) error {
	data, err := types.MarshalCBOR(cert)
	if err != nil {
		return fmt.Errorf("encoding certificate: %w", err)
	}
	err = c.store.PutBatch(ctx, []store.Entry{
		{Key: store.CertKey(id), Value: data},
		{Key: store.HeadKey, Value: []byte(id)},
	})
	if err != nil {
		return fmt.Errorf("persisting head %s: %w", types.ShortID(id), err)
	}
	return nil
}

// supersede marks id and all its descendants superseded. Caller holds mu.
func (c *Chain) supersede(id string) {
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e, ok := c.entries[cur]; ok {
			e.status = StatusSuperseded
			e.cert = nil
		}
		stack = append(stack, c.children[cur]...)
	}
}

// CollectOrphans drops orphans that have waited longer than maxAge and
// returns how many were dropped.
func (c *Chain) CollectOrphans(maxAge time.Duration) int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.cfg.Now().Add(-maxAge)
	var expired []string
	for id, o := range c.orphans {
		if o.received.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.removeOrphan(id)
	}
	if len(expired) > 0 {
		c.logger.Debug("collected orphans", "count", len(expired))
	}
	return len(expired)
}

// Head returns the latest finalized commit, or nil for an empty chain
func (c *Chain) Head() *types.Commit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == "" {
		return nil
	}
	return c.entries[c.head].commit.Copy()
}

// HeadID returns the id of the latest finalized commit, or ""
func (c *Chain) HeadID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// HeadHeight returns the height of the head. Genesis is height 0.
func (c *Chain) HeadHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == "" {
		return 0
	}
	return c.entries[c.head].height
}

// GenesisID returns the genesis id, or "" for an empty chain
func (c *Chain) GenesisID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesis
}

// IsEmpty returns true before any genesis has been admitted
func (c *Chain) IsEmpty() bool {
	return c.HeadID() == ""
}

// Get returns a copy of an admitted commit. Orphans are not visible.
func (c *Chain) Get(id string) (*types.Commit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.commit.Copy(), true
}

// Contains reports whether id is admitted
func (c *Chain) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// Status returns the local status of id
func (c *Chain) Status(id string) Status {
	st, _ := c.knownStatus(id)
	return st
}

// IsFinalized reports whether id is on the canonical chain
func (c *Chain) IsFinalized(id string) bool {
	return c.Status(id) == StatusFinalized
}

// Height returns the height of an admitted commit
func (c *Chain) Height(id string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return e.height, true
}

// Children returns the admitted children of id in ascending id order
func (c *Chain) Children(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.children[id]...)
}

// Certificate returns the finality certificate of a finalized commit.
// Genesis has none.
func (c *Chain) Certificate(id string) []types.Vote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return copyVotes(e.cert)
	}
	return nil
}

// Len returns the number of admitted commits
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// OrphanCount returns the number of pooled orphans
func (c *Chain) OrphanCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orphans)
}

// MissingParents returns the parent ids pooled orphans are waiting for
func (c *Chain) MissingParents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.waiting))
	for id := range c.waiting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ancestors yields id and then each parent in turn, ending at genesis or at
// the first commit not present locally. The sequence reads the chain lazily
// and can be iterated any number of times.
func (c *Chain) Ancestors(id string) iter.Seq[*types.Commit] {
	return func(yield func(*types.Commit) bool) {
		cur := id
		for cur != "" {
			commit, ok := c.Get(cur)
			if !ok {
				return
			}
			if !yield(commit) {
				return
			}
			cur = commit.ParentHash
		}
	}
}

// Delta collects the mutations from the commit after fromID up to and
// including toID, oldest first. fromID "" means from the start of the chain.
func (c *Chain) Delta(fromID, toID string) (*types.Delta, error) {
	if !c.Contains(toID) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownCommit, types.ShortID(toID))
	}
	var path []*types.Commit
	found := fromID == ""
	for commit := range c.Ancestors(toID) {
		if commit.ID == fromID {
			found = true
			break
		}
		path = append(path, commit)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s is not an ancestor of %s",
			types.ErrUnknownCommit, types.ShortID(fromID), types.ShortID(toID))
	}
	if fromID == "" && len(path) > 0 && !path[len(path)-1].IsGenesis() {
		return nil, fmt.Errorf("%w: ancestry of %s is incomplete", types.ErrUnknownCommit, types.ShortID(toID))
	}

	d := types.NewDelta(fromID, toID)
	for i := len(path) - 1; i >= 0; i-- {
		d.Add(path[i].Mutations...)
	}
	return d, nil
}

func copyVotes(votes []types.Vote) []types.Vote {
	if votes == nil {
		return nil
	}
	out := make([]types.Vote, len(votes))
	for i, v := range votes {
		out[i] = v.Copy()
	}
	return out
}
