package protocol

import "context"

// PeerEventType says whether a peer came or went
type PeerEventType int

const (
	// PeerConnected is emitted when a peer becomes reachable
	PeerConnected PeerEventType = iota + 1
	// PeerDisconnected is emitted when a peer goes away
	PeerDisconnected
)

// String returns the event name
func (t PeerEventType) String() string {
	switch t {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerEvent reports a change in connectivity
type PeerEvent struct {
	Type PeerEventType
	Peer string
}

// Handler receives inbound traffic from a transport.
//
// HandleMessage is called for broadcasts (AnnounceCommit, SubmitVote) and
// must not block for long. HandleRequest answers RequestCommit and
// RequestLatestHash; it may be called concurrently.
type Handler interface {
	HandleMessage(ctx context.Context, from string, msg Message)
	HandleRequest(ctx context.Context, from string, msg Message) (Response, error)
}

// Transport is the peer network as the ledger sees it.
//
// Broadcast is fire and forget. Request is a round trip bounded by ctx; it
// fails with ErrPeerUnreachable when the peer is not connected and
// ErrRequestTimeout when ctx expires first.
type Transport interface {
	// LocalID identifies this node to its peers
	LocalID() string
	Broadcast(ctx context.Context, msg Message) error
	Request(ctx context.Context, peer string, msg Message) (Response, error)
	// Peers lists currently connected peers in ascending order
	Peers() []string
	Events() <-chan PeerEvent
	SetHandler(h Handler)
	Close() error
}
