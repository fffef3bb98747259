package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrDifferentAuthors  = errors.New("commits have different authors")
	ErrDifferentParents  = errors.New("commits have different parents")
	ErrSameCommit        = errors.New("same commit is not equivocation")
)

// MaxSeenCommits limits memory used for equivocation detection
const MaxSeenCommits = 100000

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is how long evidence is kept after detection
	MaxAge time.Duration
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge: 48 * time.Hour,
	}
}

// DuplicateCommitEvidence proves that one author signed two different
// commits on the same parent. CommitA has the smaller id.
type DuplicateCommitEvidence struct {
	CommitA    *types.Commit `json:"commit_a" cbor:"commit_a"`
	CommitB    *types.Commit `json:"commit_b" cbor:"commit_b"`
	DetectedAt time.Time     `json:"detected_at" cbor:"detected_at"`
}

// Author returns the equivocating author
func (ev *DuplicateCommitEvidence) Author() string {
	return ev.CommitA.Author
}

// Key identifies the evidence independent of detection time
func (ev *DuplicateCommitEvidence) Key() string {
	return fmt.Sprintf("%s/%s/%s", ev.CommitA.Author, ev.CommitA.ID, ev.CommitB.ID)
}

// NewDuplicateCommitEvidence orders the two commits and stamps the evidence
func NewDuplicateCommitEvidence(a, b *types.Commit, now time.Time) *DuplicateCommitEvidence {
	if b.ID < a.ID {
		a, b = b, a
	}
	return &DuplicateCommitEvidence{CommitA: a.Copy(), CommitB: b.Copy(), DetectedAt: now}
}

// Pool detects and keeps author equivocation evidence
type Pool struct {
	mu     sync.RWMutex
	config Config

	pending map[string]*DuplicateCommitEvidence

	// First commit seen per author/parent
	seen      map[string]seenCommit
	seenOrder []string

	now func() time.Time
}

type seenCommit struct {
	commit *types.Commit
	at     time.Time
}

// NewPool creates a new evidence pool
func NewPool(config Config) *Pool {
	return &Pool{
		config:  config,
		pending: make(map[string]*DuplicateCommitEvidence),
		seen:    make(map[string]seenCommit),
		now:     time.Now,
	}
}

// SetClock replaces the pool's time source
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// CheckCommit records an admitted commit and returns evidence if its author
// already authored a different commit on the same parent. The commit must
// already be verified.
func (p *Pool) CheckCommit(c *types.Commit) (*DuplicateCommitEvidence, error) {
	if c == nil || c.IsGenesis() {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := seenKey(c)
	if existing, ok := p.seen[key]; ok {
		if existing.commit.ID == c.ID {
			return nil, nil
		}
		return NewDuplicateCommitEvidence(existing.commit, c, p.now()), nil
	}

	if len(p.seen) >= MaxSeenCommits {
		p.pruneOldestSeen(MaxSeenCommits / 10)
	}
	p.seen[key] = seenCommit{commit: c.Copy(), at: p.now()}
	p.seenOrder = append(p.seenOrder, key)
	return nil, nil
}

// AddEvidence verifies evidence and adds it to the pool
func (p *Pool) AddEvidence(ev *DuplicateCommitEvidence) error {
	if err := VerifyDuplicateCommitEvidence(ev); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}
	key := ev.Key()
	if _, ok := p.pending[key]; ok {
		return ErrDuplicateEvidence
	}
	p.pending[key] = ev
	return nil
}

// List returns all evidence ordered by author then commit ids
func (p *Pool) List() []*DuplicateCommitEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*DuplicateCommitEvidence, 0, len(p.pending))
	for _, ev := range p.pending {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ByAuthor returns the evidence against one author
func (p *Pool) ByAuthor(author string) []*DuplicateCommitEvidence {
	var out []*DuplicateCommitEvidence
	for _, ev := range p.List() {
		if ev.Author() == author {
			out = append(out, ev)
		}
	}
	return out
}

// Size returns the number of evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Prune drops expired evidence and seen commits older than MaxAge
func (p *Pool) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ev := range p.pending {
		if p.isExpired(ev) {
			delete(p.pending, key)
		}
	}

	cutoff := p.now().Add(-p.config.MaxAge)
	kept := p.seenOrder[:0]
	for _, key := range p.seenOrder {
		s, ok := p.seen[key]
		if !ok {
			continue
		}
		if s.at.Before(cutoff) {
			delete(p.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	p.seenOrder = kept
}

// VerifyDuplicateCommitEvidence checks that evidence is a real equivocation:
// two validly signed, distinct commits by one author on the same parent.
func VerifyDuplicateCommitEvidence(ev *DuplicateCommitEvidence) error {
	if ev == nil || ev.CommitA == nil || ev.CommitB == nil {
		return fmt.Errorf("%w: missing commit", ErrInvalidEvidence)
	}
	a, b := ev.CommitA, ev.CommitB

	if a.Author != b.Author {
		return ErrDifferentAuthors
	}
	if a.ParentHash != b.ParentHash {
		return ErrDifferentParents
	}
	if a.ID == b.ID {
		return ErrSameCommit
	}

	for i, c := range []*types.Commit{a, b} {
		name := string(rune('A' + i))
		if err := c.ValidateBasic(); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ErrInvalidEvidence, name, err)
		}
		if err := c.VerifyID(); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ErrInvalidEvidence, name, err)
		}
		if err := c.VerifySignature(); err != nil {
			return fmt.Errorf("%w: commit %s: %v", ErrInvalidEvidence, name, err)
		}
	}
	return nil
}

// pruneOldestSeen removes the n oldest seen commits. Caller must hold p.mu.
func (p *Pool) pruneOldestSeen(n int) {
	removed := 0
	i := 0
	for ; i < len(p.seenOrder) && removed < n; i++ {
		if _, ok := p.seen[p.seenOrder[i]]; ok {
			delete(p.seen, p.seenOrder[i])
			removed++
		}
	}
	p.seenOrder = append([]string(nil), p.seenOrder[i:]...)
}

func (p *Pool) isExpired(ev *DuplicateCommitEvidence) bool {
	return p.now().Sub(ev.DetectedAt) > p.config.MaxAge
}

func seenKey(c *types.Commit) string {
	return c.Author + "/" + c.ParentHash
}
