package protocol

import (
	"fmt"

	"github.com/blockberries/ledgerberry/types"
)

// MessageType tags a peer message
type MessageType string

const (
	// TypeAnnounceCommit carries a newly created or newly admitted commit
	TypeAnnounceCommit MessageType = "AnnounceCommit"
	// TypeSubmitVote carries a validator vote
	TypeSubmitVote MessageType = "SubmitVote"
	// TypeRequestCommit asks a peer for one commit by hash
	TypeRequestCommit MessageType = "RequestCommit"
	// TypeRequestLatestHash asks a peer for its finalized head
	TypeRequestLatestHash MessageType = "RequestLatestHash"
)

// IsRequest reports whether messages of this type expect a Response
func (t MessageType) IsRequest() bool {
	return t == TypeRequestCommit || t == TypeRequestLatestHash
}

// Message is one self-contained peer message. Which fields are set depends
// on Type.
type Message struct {
	Type       MessageType   `json:"type" cbor:"type"`
	Commit     *types.Commit `json:"commit,omitempty" cbor:"commit,omitempty"`
	Vote       *types.Vote   `json:"vote,omitempty" cbor:"vote,omitempty"`
	CommitHash string        `json:"commit_hash,omitempty" cbor:"commit_hash,omitempty"`
}

// AnnounceCommit builds an announcement for c
func AnnounceCommit(c *types.Commit) Message {
	return Message{Type: TypeAnnounceCommit, Commit: c.Copy()}
}

// SubmitVote builds a vote message
func SubmitVote(v types.Vote) Message {
	vc := v.Copy()
	return Message{Type: TypeSubmitVote, Vote: &vc}
}

// RequestCommit builds a request for the commit with the given hash
func RequestCommit(hash string) Message {
	return Message{Type: TypeRequestCommit, CommitHash: hash}
}

// RequestLatestHash builds a request for the peer's head
func RequestLatestHash() Message {
	return Message{Type: TypeRequestLatestHash}
}

// Validate checks that exactly the fields for Type are set and well formed.
// Cryptographic checks are left to the receiver.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeAnnounceCommit:
		if m.Commit == nil || m.Vote != nil || m.CommitHash != "" {
			return fmt.Errorf("%w: %s needs only a commit", types.ErrMalformedMessage, m.Type)
		}
	case TypeSubmitVote:
		if m.Vote == nil || m.Commit != nil || m.CommitHash != "" {
			return fmt.Errorf("%w: %s needs only a vote", types.ErrMalformedMessage, m.Type)
		}
	case TypeRequestCommit:
		if !types.IsHashString(m.CommitHash) || m.Commit != nil || m.Vote != nil {
			return fmt.Errorf("%w: %s needs only a commit hash", types.ErrMalformedMessage, m.Type)
		}
	case TypeRequestLatestHash:
		if m.Commit != nil || m.Vote != nil || m.CommitHash != "" {
			return fmt.Errorf("%w: %s takes no fields", types.ErrMalformedMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", types.ErrMalformedMessage, m.Type)
	}
	return nil
}

// ResponseType tags a response
type ResponseType string

const (
	// TypeCommitFound answers RequestCommit with the commit and, when
	// finalized, its certificate
	TypeCommitFound ResponseType = "CommitFound"
	// TypeCommitNotFound answers RequestCommit for an unknown hash
	TypeCommitNotFound ResponseType = "CommitNotFound"
	// TypeLatestHash answers RequestLatestHash. An empty hash means the
	// peer has no chain yet.
	TypeLatestHash ResponseType = "LatestHash"
)

// Response answers a request message
type Response struct {
	Type   ResponseType  `json:"type" cbor:"type"`
	Commit *types.Commit `json:"commit,omitempty" cbor:"commit,omitempty"`
	Votes  []types.Vote  `json:"votes,omitempty" cbor:"votes,omitempty"`
	Hash   string        `json:"hash,omitempty" cbor:"hash,omitempty"`
}

// CommitFound builds a response carrying c and its certificate
func CommitFound(c *types.Commit, votes []types.Vote) Response {
	out := make([]types.Vote, len(votes))
	for i, v := range votes {
		out[i] = v.Copy()
	}
	if len(out) == 0 {
		out = nil
	}
	return Response{Type: TypeCommitFound, Commit: c.Copy(), Votes: out}
}

// CommitNotFound builds a negative answer for hash
func CommitNotFound(hash string) Response {
	return Response{Type: TypeCommitNotFound, Hash: hash}
}

// LatestHash builds a head answer
func LatestHash(hash string) Response {
	return Response{Type: TypeLatestHash, Hash: hash}
}

// Validate checks that the fields match Type
func (r *Response) Validate() error {
	switch r.Type {
	case TypeCommitFound:
		if r.Commit == nil || r.Hash != "" {
			return fmt.Errorf("%w: %s needs a commit", types.ErrMalformedMessage, r.Type)
		}
	case TypeCommitNotFound:
		if r.Commit != nil || len(r.Votes) > 0 || !types.IsHashString(r.Hash) {
			return fmt.Errorf("%w: %s needs only a hash", types.ErrMalformedMessage, r.Type)
		}
	case TypeLatestHash:
		if r.Commit != nil || len(r.Votes) > 0 || (r.Hash != "" && !types.IsHashString(r.Hash)) {
			return fmt.Errorf("%w: %s needs only a hash", types.ErrMalformedMessage, r.Type)
		}
	default:
		return fmt.Errorf("%w: unknown response type %q", types.ErrMalformedMessage, r.Type)
	}
	return nil
}

// Answers reports whether r is a valid kind of answer to request m
func (r *Response) Answers(m Message) bool {
	switch m.Type {
	case TypeRequestCommit:
		switch r.Type {
		case TypeCommitFound:
			return r.Commit != nil && r.Commit.ID == m.CommitHash
		case TypeCommitNotFound:
			return r.Hash == m.CommitHash
		}
	case TypeRequestLatestHash:
		return r.Type == TypeLatestHash
	}
	return false
}
