// Package wsnet is a protocol.Transport over WebSocket connections.
//
// Each connection starts with a hello frame in both directions carrying the
// node id. After that, frames carry broadcasts, requests tagged with a
// random id, and responses to those requests. Frames are CBOR; the message
// inside a frame uses the configured protocol.Codec. A request the handler
// refused comes back as an error frame, flagged busy when the refusal was
// types.ErrRateLimited so the requester can tell it apart and back off.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 << 20
	sendBufferSize = 256
	eventBuffer    = 64
)

// Errors
var (
	ErrClosed        = errors.New("wsnet: transport closed")
	ErrHandshake     = errors.New("wsnet: handshake failed")
	ErrSelfConnect   = errors.New("wsnet: connected to self")
	ErrDuplicatePeer = errors.New("wsnet: peer already connected")
)

type frameKind string

const (
	kindHello    frameKind = "hello"
	kindMessage  frameKind = "msg"
	kindRequest  frameKind = "req"
	kindResponse frameKind = "resp"
	kindError    frameKind = "err"
)

type frame struct {
	Kind    frameKind `cbor:"kind"`
	ID      string    `cbor:"id,omitempty"`
	From    string    `cbor:"from,omitempty"`
	Codec   string    `cbor:"codec,omitempty"`
	Payload []byte    `cbor:"payload,omitempty"`
	Error   string    `cbor:"error,omitempty"`
	Busy    bool      `cbor:"busy,omitempty"`
}

// Config configures a Transport
type Config struct {
	// LocalID is announced to peers in the hello frame
	LocalID string

	// Codec encodes messages inside frames. Defaults to CBOR. Both ends
	// must use the same codec.
	Codec protocol.Codec

	// HandshakeTimeout bounds the hello exchange
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Transport manages WebSocket connections to peers. It serves inbound
// connections as an http.Handler and makes outbound ones with Dial.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	peers   map[string]*peerConn
	pending map[string]*pendingRequest
	handler protocol.Handler
	closed  bool

	events chan protocol.PeerEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingRequest struct {
	peer string
	ch   chan frame
}

var _ protocol.Transport = (*Transport)(nil)

// New creates a Transport
func New(cfg Config) *Transport {
	if cfg.Codec == nil {
		cfg.Codec = protocol.CBOR
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  cfg.Logger.With("component", "wsnet", "node", types.ShortID(cfg.LocalID)),
		peers:   make(map[string]*peerConn),
		pending: make(map[string]*pendingRequest),
		events:  make(chan protocol.PeerEvent, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// LocalID returns this node's id
func (t *Transport) LocalID() string {
	return t.cfg.LocalID
}

// SetHandler installs the inbound handler
func (t *Transport) SetHandler(h protocol.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Events returns connectivity changes
func (t *Transport) Events() <-chan protocol.PeerEvent {
	return t.events
}

// Peers lists connected peers
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP upgrades an inbound connection and runs it until it closes
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	peerID, err := t.handshake(ws)
	if err != nil {
		t.logger.Warn("inbound handshake failed", "remote", r.RemoteAddr, "err", err)
		ws.Close()
		return
	}
	if err := t.attach(peerID, ws); err != nil {
		t.logger.Debug("rejected inbound peer", "peer", types.ShortID(peerID), "err", err)
		ws.Close()
	}
}

// Dial connects to a peer at url (ws://host:port/path) and returns its id
func (t *Transport) Dial(ctx context.Context, url string) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: dialing %s: %v", types.ErrPeerUnreachable, url, err)
	}
	peerID, err := t.handshake(ws)
	if err != nil {
		ws.Close()
		return "", err
	}
	if err := t.attach(peerID, ws); err != nil {
		ws.Close()
		return peerID, err
	}
	return peerID, nil
}

// handshake exchanges hello frames
func (t *Transport) handshake(ws *websocket.Conn) (string, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	hello, err := types.MarshalCBOR(frame{Kind: kindHello, From: t.cfg.LocalID, Codec: t.cfg.Codec.Name()})
	if err != nil {
		return "", err
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var f frame
	if err := types.UnmarshalCBOR(data, &f); err != nil || f.Kind != kindHello || f.From == "" {
		return "", fmt.Errorf("%w: bad hello", ErrHandshake)
	}
	if f.Codec != t.cfg.Codec.Name() {
		return "", fmt.Errorf("%w: peer uses codec %q, want %q", ErrHandshake, f.Codec, t.cfg.Codec.Name())
	}
	if f.From == t.cfg.LocalID {
		return "", ErrSelfConnect
	}
	ws.SetWriteDeadline(time.Time{})
	ws.SetReadDeadline(time.Time{})
	return f.From, nil
}

// attach registers a connected peer and starts its pumps
func (t *Transport) attach(peerID string, ws *websocket.Conn) error {
	pc := &peerConn{
		id:   peerID,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok := t.peers[peerID]; ok {
		t.mu.Unlock()
		return ErrDuplicatePeer
	}
	t.peers[peerID] = pc
	t.mu.Unlock()

	t.logger.Info("peer connected", "peer", types.ShortID(peerID), "remote", ws.RemoteAddr().String())
	t.emit(protocol.PeerEvent{Type: protocol.PeerConnected, Peer: peerID})

	t.wg.Add(2)
	go t.writePump(pc)
	go t.readPump(pc)
	return nil
}

// detach removes a peer and fails its pending requests
func (t *Transport) detach(pc *peerConn) {
	t.mu.Lock()
	if cur, ok := t.peers[pc.id]; !ok || cur != pc {
		t.mu.Unlock()
		return
	}
	delete(t.peers, pc.id)
	for id, p := range t.pending {
		if p.peer == pc.id {
			delete(t.pending, id)
			close(p.ch)
		}
	}
	closed := t.closed
	t.mu.Unlock()

	pc.close()
	t.logger.Info("peer disconnected", "peer", types.ShortID(pc.id))
	if !closed {
		t.emit(protocol.PeerEvent{Type: protocol.PeerDisconnected, Peer: pc.id})
	}
}

// Broadcast sends msg to every connected peer
func (t *Transport) Broadcast(ctx context.Context, msg protocol.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	payload, err := t.cfg.Codec.EncodeMessage(msg)
	if err != nil {
		return err
	}
	data, err := types.MarshalCBOR(frame{Kind: kindMessage, Payload: payload})
	if err != nil {
		return err
	}

	t.mu.RLock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.RUnlock()

	for _, pc := range peers {
		if !pc.enqueue(data) {
			t.logger.Warn("send buffer full, dropping broadcast", "peer", types.ShortID(pc.id), "type", string(msg.Type))
		}
	}
	return nil
}

// Request sends msg to peer and waits for the matching response
func (t *Transport) Request(ctx context.Context, peer string, msg protocol.Message) (protocol.Response, error) {
	if !msg.Type.IsRequest() {
		return protocol.Response{}, fmt.Errorf("%w: %s is not a request", types.ErrMalformedMessage, msg.Type)
	}
	payload, err := t.cfg.Codec.EncodeMessage(msg)
	if err != nil {
		return protocol.Response{}, err
	}
	id := uuid.NewString()
	data, err := types.MarshalCBOR(frame{Kind: kindRequest, ID: id, Payload: payload})
	if err != nil {
		return protocol.Response{}, err
	}

	ch := make(chan frame, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return protocol.Response{}, ErrClosed
	}
	pc, ok := t.peers[peer]
	if !ok {
		t.mu.Unlock()
		return protocol.Response{}, fmt.Errorf("%w: %s", types.ErrPeerUnreachable, types.ShortID(peer))
	}
	t.pending[id] = &pendingRequest{peer: peer, ch: ch}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if !pc.enqueue(data) {
		return protocol.Response{}, fmt.Errorf("%w: send buffer full for %s", types.ErrPeerUnreachable, types.ShortID(peer))
	}

	select {
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s to %s", types.ErrRequestTimeout, msg.Type, types.ShortID(peer))
	case f, ok := <-ch:
		if !ok {
			return protocol.Response{}, fmt.Errorf("%w: %s disconnected", types.ErrPeerUnreachable, types.ShortID(peer))
		}
		if f.Kind == kindError {
			if f.Busy {
				return protocol.Response{}, fmt.Errorf("%w: %s", types.ErrRateLimited, types.ShortID(peer))
			}
			return protocol.Response{}, fmt.Errorf("%w: peer error: %s", types.ErrNetwork, f.Error)
		}
		resp, err := t.cfg.Codec.DecodeResponse(f.Payload)
		if err != nil {
			return protocol.Response{}, err
		}
		if !resp.Answers(msg) {
			return protocol.Response{}, fmt.Errorf("%w: %s for %s", types.ErrUnexpectedMessage, resp.Type, msg.Type)
		}
		return resp, nil
	}
}

// Close disconnects every peer and stops the transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.Unlock()

	t.cancel()
	for _, pc := range peers {
		pc.close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Transport) currentHandler() protocol.Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *Transport) emit(ev protocol.PeerEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("dropped peer event, channel full", "peer", types.ShortID(ev.Peer), "event", ev.Type.String())
	}
}

func (t *Transport) readPump(pc *peerConn) {
	defer t.wg.Done()
	defer t.detach(pc)

	pc.ws.SetReadLimit(maxFrameSize)
	pc.ws.SetReadDeadline(time.Now().Add(pongWait))
	pc.ws.SetPongHandler(func(string) error {
		return pc.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := pc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("read failed", "peer", types.ShortID(pc.id), "err", err)
			}
			return
		}
		var f frame
		if err := types.UnmarshalCBOR(data, &f); err != nil {
			t.logger.Warn("undecodable frame", "peer", types.ShortID(pc.id), "err", err)
			continue
		}
		t.dispatch(pc, f)
	}
}

func (t *Transport) dispatch(pc *peerConn, f frame) {
	switch f.Kind {
	case kindMessage:
		msg, err := t.cfg.Codec.DecodeMessage(f.Payload)
		if err != nil {
			t.logger.Warn("malformed message", "peer", types.ShortID(pc.id), "err", err)
			return
		}
		if h := t.currentHandler(); h != nil {
			h.HandleMessage(t.ctx, pc.id, msg)
		}

	case kindRequest:
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveRequest(pc, f)
		}()

	case kindResponse, kindError:
		t.mu.Lock()
		p, ok := t.pending[f.ID]
		if ok && p.peer == pc.id {
			delete(t.pending, f.ID)
		}
		t.mu.Unlock()
		if ok && p.peer == pc.id {
			p.ch <- f
		}

	default:
		t.logger.Warn("unexpected frame", "peer", types.ShortID(pc.id), "kind", string(f.Kind))
	}
}

func (t *Transport) serveRequest(pc *peerConn, f frame) {
	reply := frame{Kind: kindResponse, ID: f.ID}

	msg, err := t.cfg.Codec.DecodeMessage(f.Payload)
	h := t.currentHandler()
	switch {
	case err != nil:
		reply = frame{Kind: kindError, ID: f.ID, Error: err.Error()}
	case h == nil:
		reply = frame{Kind: kindError, ID: f.ID, Error: "no handler"}
	default:
		resp, err := h.HandleRequest(t.ctx, pc.id, msg)
		if err == nil {
			reply.Payload, err = t.cfg.Codec.EncodeResponse(resp)
		}
		if err != nil {
			reply = frame{Kind: kindError, ID: f.ID, Error: err.Error(), Busy: errors.Is(err, types.ErrRateLimited)}
		}
	}

	data, err := types.MarshalCBOR(reply)
	if err != nil {
		t.logger.Error("encoding reply", "err", err)
		return
	}
	pc.enqueue(data)
}

func (t *Transport) writePump(pc *peerConn) {
	defer t.wg.Done()
	// Closing the socket unblocks the read pump
	defer pc.ws.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-pc.done:
			pc.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-pc.send:
			pc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.logger.Debug("write failed", "peer", types.ShortID(pc.id), "err", err)
				pc.close()
				return
			}
		case <-ticker.C:
			pc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				pc.close()
				return
			}
		}
	}
}

type peerConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (pc *peerConn) enqueue(data []byte) bool {
	select {
	case <-pc.done:
		return false
	default:
	}
	select {
	case pc.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump, which closes the socket on its way out
func (pc *peerConn) close() {
	pc.closeOnce.Do(func() { close(pc.done) })
}
