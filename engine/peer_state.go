package engine

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerState tracks what the node knows about one peer
type PeerState struct {
	mu sync.RWMutex

	peerID     string
	latestHash string
	hasHead    bool
	failures   int
	lastErr    error
	lastSeen   time.Time
	connected  time.Time

	limiter *rate.Limiter
}

// NewPeerState creates a PeerState with an inbound request limiter
func NewPeerState(peerID string, limit rate.Limit, burst int) *PeerState {
	now := time.Now()
	return &PeerState{
		peerID:    peerID,
		connected: now,
		lastSeen:  now,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// PeerID returns the peer's ID
func (ps *PeerState) PeerID() string {
	return ps.peerID
}

// LatestHash returns the head the peer last reported. ok is false if it
// has never answered.
func (ps *PeerState) LatestHash() (hash string, ok bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.latestHash, ps.hasHead
}

// SetLatestHash records a head report and clears the failure count
func (ps *PeerState) SetLatestHash(hash string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.latestHash = hash
	ps.hasHead = true
	ps.failures = 0
	ps.lastErr = nil
	ps.lastSeen = time.Now()
}

// RecordFailure counts a failed request
func (ps *PeerState) RecordFailure(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.failures++
	ps.lastErr = err
}

// Failures returns consecutive failed requests since the last answer
func (ps *PeerState) Failures() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.failures
}

// LastError returns the most recent request failure
func (ps *PeerState) LastError() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastErr
}

// LastSeen returns when we last received an answer from this peer
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// ConnectedAt returns when the peer connected
func (ps *PeerState) ConnectedAt() time.Time {
	return ps.connected
}

// Allow reports whether the peer may make another request now
func (ps *PeerState) Allow() bool {
	return ps.limiter.Allow()
}

// PeerSet manages connected peers
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
	limit rate.Limit
	burst int
}

// NewPeerSet creates a PeerSet whose peers may each make limit requests per
// second with the given burst
func NewPeerSet(limit float64, burst int) *PeerSet {
	return &PeerSet{
		peers: make(map[string]*PeerState),
		limit: rate.Limit(limit),
		burst: burst,
	}
}

// AddPeer adds a new peer to track
func (ps *PeerSet) AddPeer(peerID string) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.peers[peerID]; ok {
		return existing
	}
	peerState := NewPeerState(peerID, ps.limit, ps.burst)
	ps.peers[peerID] = peerState
	return peerState
}

// RemovePeer removes a peer
func (ps *PeerSet) RemovePeer(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, peerID)
}

// GetPeer returns a peer's state
func (ps *PeerSet) GetPeer(peerID string) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[peerID]
}

// Size returns the number of peers
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// AllPeers returns all peer states ordered by peer id
func (ps *PeerSet) AllPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].peerID < peers[j].peerID })
	return peers
}

// Allow applies peerID's request limiter, tracking the peer if it is new
func (ps *PeerSet) Allow(peerID string) bool {
	p := ps.GetPeer(peerID)
	if p == nil {
		p = ps.AddPeer(peerID)
	}
	return p.Allow()
}
