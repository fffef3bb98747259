// Package memnet is an in-process protocol.Transport. Nodes join a Network
// and exchange encoded messages through it, so every hop goes through the
// same codec a real transport would use. Links can be cut and messages
// dropped to exercise failure handling.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/types"
)

// EventBufferSize is the capacity of each endpoint's event channel
const EventBufferSize = 64

// inboxSize bounds queued broadcasts per endpoint
const inboxSize = 1024

// ErrClosed is returned by a closed endpoint
var ErrClosed = errors.New("memnet: endpoint closed")

// DropFunc decides whether a message from one node to another is lost
type DropFunc func(from, to string, msg protocol.Message) bool

// Network connects endpoints
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	links     map[string]map[string]bool
	drop      DropFunc
	codec     protocol.Codec
	logger    *slog.Logger
}

// NewNetwork creates an empty network using codec for every hop. A nil codec
// uses CBOR.
func NewNetwork(codec protocol.Codec, logger *slog.Logger) *Network {
	if codec == nil {
		codec = protocol.CBOR
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		endpoints: make(map[string]*Endpoint),
		links:     make(map[string]map[string]bool),
		codec:     codec,
		logger:    logger.With("component", "memnet"),
	}
}

// Join adds a node and returns its transport
func (n *Network) Join(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		id:     id,
		net:    n,
		events: make(chan protocol.PeerEvent, EventBufferSize),
		inbox:  make(chan delivery, inboxSize),
		done:   make(chan struct{}),
	}
	n.endpoints[id] = ep
	n.links[id] = make(map[string]bool)

	ep.wg.Add(1)
	go ep.deliverLoop()
	return ep
}

// Connect links a and b in both directions and notifies both
func (n *Network) Connect(a, b string) error {
	n.mu.Lock()
	epA, okA := n.endpoints[a]
	epB, okB := n.endpoints[b]
	if !okA || !okB || a == b {
		n.mu.Unlock()
		return fmt.Errorf("memnet: cannot connect %q and %q", a, b)
	}
	already := n.links[a][b]
	n.links[a][b] = true
	n.links[b][a] = true
	n.mu.Unlock()

	if !already {
		epA.emit(protocol.PeerEvent{Type: protocol.PeerConnected, Peer: b})
		epB.emit(protocol.PeerEvent{Type: protocol.PeerConnected, Peer: a})
	}
	return nil
}

// ConnectAll links every pair of joined nodes
func (n *Network) ConnectAll() {
	n.mu.RLock()
	ids := make([]string, 0, len(n.endpoints))
	for id := range n.endpoints {
		ids = append(ids, id)
	}
	n.mu.RUnlock()
	sort.Strings(ids)

	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			_ = n.Connect(ids[i], ids[j])
		}
	}
}

// Disconnect cuts the link between a and b and notifies both
func (n *Network) Disconnect(a, b string) {
	n.mu.Lock()
	was := n.links[a][b]
	delete(n.links[a], b)
	delete(n.links[b], a)
	epA, epB := n.endpoints[a], n.endpoints[b]
	n.mu.Unlock()

	if was {
		epA.emit(protocol.PeerEvent{Type: protocol.PeerDisconnected, Peer: b})
		epB.emit(protocol.PeerEvent{Type: protocol.PeerDisconnected, Peer: a})
	}
}

// Isolate cuts every link of id
func (n *Network) Isolate(id string) {
	n.mu.RLock()
	var peers []string
	for p := range n.links[id] {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		n.Disconnect(id, p)
	}
}

// SetDropFunc installs a message filter. Dropped broadcasts vanish; dropped
// requests never get an answer and time out.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

func (n *Network) linked(a, b string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.links[a][b]
}

func (n *Network) peersOf(id string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.links[id]))
	for p := range n.links[id] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (n *Network) endpoint(id string) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[id]
}

func (n *Network) dropped(from, to string, msg protocol.Message) bool {
	n.mu.RLock()
	fn := n.drop
	n.mu.RUnlock()
	return fn != nil && fn(from, to, msg)
}

func (n *Network) leave(id string) {
	n.Isolate(id)
	n.mu.Lock()
	delete(n.endpoints, id)
	delete(n.links, id)
	n.mu.Unlock()
}

type delivery struct {
	from string
	data []byte
}

// Endpoint is one node's view of the Network
type Endpoint struct {
	id  string
	net *Network

	mu      sync.RWMutex
	handler protocol.Handler
	closed  bool

	events chan protocol.PeerEvent
	inbox  chan delivery
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ protocol.Transport = (*Endpoint)(nil)

// LocalID returns the endpoint's node id
func (e *Endpoint) LocalID() string {
	return e.id
}

// SetHandler installs the inbound handler
func (e *Endpoint) SetHandler(h protocol.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Events returns connectivity changes
func (e *Endpoint) Events() <-chan protocol.PeerEvent {
	return e.events
}

// Peers lists connected peers
func (e *Endpoint) Peers() []string {
	return e.net.peersOf(e.id)
}

// Broadcast queues msg for every connected peer. Delivery is asynchronous
// and ordered per receiver.
func (e *Endpoint) Broadcast(ctx context.Context, msg protocol.Message) error {
	if e.isClosed() {
		return ErrClosed
	}
	data, err := e.net.codec.EncodeMessage(msg)
	if err != nil {
		return err
	}
	for _, peer := range e.Peers() {
		if e.net.dropped(e.id, peer, msg) {
			continue
		}
		ep := e.net.endpoint(peer)
		if ep == nil {
			continue
		}
		ep.enqueue(delivery{from: e.id, data: data})
	}
	return nil
}

// Request sends msg to peer and waits for the answer
func (e *Endpoint) Request(ctx context.Context, peer string, msg protocol.Message) (protocol.Response, error) {
	if e.isClosed() {
		return protocol.Response{}, ErrClosed
	}
	if !msg.Type.IsRequest() {
		return protocol.Response{}, fmt.Errorf("%w: %s is not a request", types.ErrMalformedMessage, msg.Type)
	}
	if !e.net.linked(e.id, peer) {
		return protocol.Response{}, fmt.Errorf("%w: %s", types.ErrPeerUnreachable, peer)
	}
	data, err := e.net.codec.EncodeMessage(msg)
	if err != nil {
		return protocol.Response{}, err
	}

	if e.net.dropped(e.id, peer, msg) {
		<-ctx.Done()
		return protocol.Response{}, fmt.Errorf("%w: %s to %s", types.ErrRequestTimeout, msg.Type, peer)
	}

	remote := e.net.endpoint(peer)
	if remote == nil {
		return protocol.Response{}, fmt.Errorf("%w: %s", types.ErrPeerUnreachable, peer)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := remote.serve(ctx, e.id, data)
		ch <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s to %s", types.ErrRequestTimeout, msg.Type, peer)
	case res := <-ch:
		if res.err != nil {
			return protocol.Response{}, res.err
		}
		resp, err := e.net.codec.DecodeResponse(res.data)
		if err != nil {
			return protocol.Response{}, err
		}
		if !resp.Answers(msg) {
			return protocol.Response{}, fmt.Errorf("%w: %s for %s", types.ErrUnexpectedMessage, resp.Type, msg.Type)
		}
		return resp, nil
	}
}

// Close leaves the network and stops delivery
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.net.leave(e.id)
	close(e.done)
	e.wg.Wait()
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Endpoint) currentHandler() protocol.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

func (e *Endpoint) emit(ev protocol.PeerEvent) {
	if e == nil || e.isClosed() {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.net.logger.Warn("dropped peer event, channel full", "node", e.id, "peer", ev.Peer, "event", ev.Type.String())
	}
}

func (e *Endpoint) enqueue(d delivery) {
	select {
	case e.inbox <- d:
	case <-e.done:
	default:
		e.net.logger.Warn("dropped broadcast, inbox full", "node", e.id, "from", d.from)
	}
}

func (e *Endpoint) deliverLoop() {
	defer e.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-e.done:
			return
		case d := <-e.inbox:
			msg, err := e.net.codec.DecodeMessage(d.data)
			if err != nil {
				e.net.logger.Warn("undecodable broadcast", "node", e.id, "from", d.from, "err", err)
				continue
			}
			if h := e.currentHandler(); h != nil {
				h.HandleMessage(ctx, d.from, msg)
			}
		}
	}
}

func (e *Endpoint) serve(ctx context.Context, from string, data []byte) ([]byte, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("%w: %s", types.ErrPeerUnreachable, e.id)
	}
	h := e.currentHandler()
	if h == nil {
		return nil, fmt.Errorf("%w: %s has no handler", types.ErrPeerUnreachable, e.id)
	}
	msg, err := e.net.codec.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	resp, err := h.HandleRequest(ctx, from, msg)
	if err != nil {
		return nil, err
	}
	return e.net.codec.EncodeResponse(resp)
}
