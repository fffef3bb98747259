package types

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

// commitVersion is mixed into every commit id preimage
const commitVersion = 1

// Commit is one signed, merkle-rooted batch of mutations linked to its parent
// by hash. A commit with an empty ParentHash is a genesis commit.
type Commit struct {
	ID         string     `json:"id" cbor:"id"`
	ParentHash string     `json:"parent_hash,omitempty" cbor:"parent_hash,omitempty"`
	Author     string     `json:"author" cbor:"author"`
	Timestamp  time.Time  `json:"timestamp" cbor:"timestamp"`
	Mutations  []Mutation `json:"mutations" cbor:"mutations"`
	MerkleRoot string     `json:"merkle_root" cbor:"merkle_root"`
	Signature  Signature  `json:"signature" cbor:"signature"`
}

// commitHeader is the id preimage. Mutations are bound through MerkleRoot.
type commitHeader struct {
	_          struct{} `cbor:",toarray"`
	Version    uint
	ParentHash string
	Author     string
	Timestamp  int64
	MerkleRoot string
}

// IsGenesis returns true if the commit has no parent
func (c *Commit) IsGenesis() bool {
	return c.ParentHash == ""
}

// ComputeID derives the commit id from the header fields
func (c *Commit) ComputeID() (string, error) {
	preimage, err := MarshalCBOR(commitHeader{
		Version:    commitVersion,
		ParentHash: c.ParentHash,
		Author:     c.Author,
		Timestamp:  c.Timestamp.UnixNano(),
		MerkleRoot: c.MerkleRoot,
	})
	if err != nil {
		return "", fmt.Errorf("encoding commit header: %w", err)
	}
	return Sum(CommitDomain, preimage).String(), nil
}

// ValidateBasic checks field formats without verifying any cryptography
func (c *Commit) ValidateBasic() error {
	if c == nil {
		return fmt.Errorf("%w: nil commit", ErrMalformedCommit)
	}
	if !IsHashString(c.ID) {
		return fmt.Errorf("%w: bad id %q", ErrMalformedCommit, c.ID)
	}
	if c.ParentHash != "" && !IsHashString(c.ParentHash) {
		return fmt.Errorf("%w: bad parent hash %q", ErrMalformedCommit, c.ParentHash)
	}
	if c.ParentHash == c.ID {
		return fmt.Errorf("%w: commit is its own parent", ErrMalformedCommit)
	}
	if _, err := PublicKeyFromID(c.Author); err != nil {
		return fmt.Errorf("%w: author: %v", ErrMalformedCommit, err)
	}
	if !IsHashString(c.MerkleRoot) {
		return fmt.Errorf("%w: bad merkle root %q", ErrMalformedCommit, c.MerkleRoot)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformedCommit)
	}
	if len(c.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrMalformedCommit, len(c.Signature))
	}
	return nil
}

// VerifyID recomputes the id and compares it with the claimed one
func (c *Commit) VerifyID() error {
	id, err := c.ComputeID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommit, err)
	}
	if id != c.ID {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrIDMismatch, c.ID, id)
	}
	return nil
}

// VerifySignature checks the author's signature over the commit id
func (c *Commit) VerifySignature() error {
	if !VerifySignature(c.Author, CommitSignBytes(c.ID), c.Signature) {
		return fmt.Errorf("%w: commit %s by %s", ErrInvalidSignature, c.ID, c.Author)
	}
	return nil
}

// Copy returns a deep copy of the commit
func (c *Commit) Copy() *Commit {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Mutations = CopyMutations(c.Mutations)
	cp.Signature = c.Signature.Copy()
	return &cp
}

// ShortID returns the first 12 characters of the id for logging
func (c *Commit) ShortID() string {
	return ShortID(c.ID)
}

// ShortID truncates a hash string for log output
func ShortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
