package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/ledgerberry/merkle"
	"github.com/blockberries/ledgerberry/types"
)

// Errors
var (
	ErrDoubleSign    = errors.New("double sign attempt")
	ErrInvalidKey    = errors.New("invalid key material")
	ErrSignerClosed  = errors.New("signer closed")
	ErrKeyGeneration = errors.New("key generation failed")
)

// Signer holds a private key and signs on behalf of one identity.
type Signer interface {
	// PublicKeyID returns the hex-encoded public key
	PublicKeyID() string

	// Sign signs msg with the private key
	Sign(msg []byte) ([]byte, error)
}

// KeyPair is an in-memory ed25519 identity
type KeyPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	id   string
}

// Generate creates a new key pair from the system CSPRNG
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return newKeyPair(pub, priv), nil
}

// MustGenerate creates a key pair, panicking on failure.
// Use only in tests and tooling.
func MustGenerate() *KeyPair {
	kp, err := Generate()
	if err != nil {
		panic(err)
	}
	return kp
}

// KeyPairFromSeed derives a key pair from a 32-byte seed
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newKeyPair(priv.Public().(ed25519.PublicKey), priv), nil
}

func newKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) *KeyPair {
	return &KeyPair{pub: pub, priv: priv, id: types.PublicKeyID(pub)}
}

// PublicKeyID returns the hex-encoded public key
func (kp *KeyPair) PublicKeyID() string {
	return kp.id
}

// PublicKey returns a copy of the raw public key
func (kp *KeyPair) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(kp.pub))
	copy(out, kp.pub)
	return out
}

// Sign signs msg. It never fails for an in-memory key.
func (kp *KeyPair) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(kp.priv, msg), nil
}

// Verify checks sig over msg against a hex public key id.
// Malformed input verifies as false.
func Verify(pubID string, msg, sig []byte) bool {
	return types.VerifySignature(pubID, msg, sig)
}

// NewCommit builds a commit over mutations on top of parent ("" for genesis),
// computes its merkle root and id, and signs it.
func NewCommit(s Signer, parent string, mutations []types.Mutation, ts time.Time) (*types.Commit, error) {
	root, err := merkle.RootOfMutations(mutations)
	if err != nil {
		return nil, err
	}
	c := &types.Commit{
		ParentHash: parent,
		Author:     s.PublicKeyID(),
		Timestamp:  ts.UTC(),
		Mutations:  types.CopyMutations(mutations),
		MerkleRoot: root.String(),
	}
	if err := SignCommit(s, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CommitSigner is implemented by signers that guard commit authorship,
// such as FilePV.
type CommitSigner interface {
	SignCommit(c *types.Commit) error
}

// SignCommit fills in the commit id and the author's signature.
// The commit author must be the signer.
func SignCommit(s Signer, c *types.Commit) error {
	if cs, ok := s.(CommitSigner); ok {
		return cs.SignCommit(c)
	}
	return signCommit(s, c)
}

func signCommit(s Signer, c *types.Commit) error {
	if c.Author != s.PublicKeyID() {
		return fmt.Errorf("%w: commit author %s is not signer %s", ErrInvalidKey,
			types.ShortID(c.Author), types.ShortID(s.PublicKeyID()))
	}
	id, err := c.ComputeID()
	if err != nil {
		return err
	}
	sig, err := s.Sign(types.CommitSignBytes(id))
	if err != nil {
		return err
	}
	c.ID = id
	c.Signature = sig
	return nil
}

// SignVote produces this signer's vote for a commit id
func SignVote(s Signer, commitID string) (types.Vote, error) {
	sig, err := s.Sign(types.VoteSignBytes(commitID))
	if err != nil {
		return types.Vote{}, err
	}
	return types.Vote{
		CommitID:     commitID,
		ValidatorKey: s.PublicKeyID(),
		Signature:    sig,
	}, nil
}

// Ensure KeyPair implements Signer
var _ Signer = (*KeyPair)(nil)
