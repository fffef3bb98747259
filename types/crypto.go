package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PublicKeyIDSize is the length of a hex-encoded ed25519 public key
const PublicKeyIDSize = ed25519.PublicKeySize * 2

// Sign-bytes domain prefixes. A commit signature and a vote signature over the
// same id are never interchangeable.
const (
	commitSignPrefix = "ledgerberry/commit/v1:"
	voteSignPrefix   = "ledgerberry/vote/v1:"
)

// PublicKeyFromID decodes a hex public key identifier
func PublicKeyFromID(id string) (ed25519.PublicKey, error) {
	if len(id) != PublicKeyIDSize {
		return nil, fmt.Errorf("%w: id is %d chars, want %d", ErrInvalidPublicKey, len(id), PublicKeyIDSize)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ed25519.PublicKey(raw), nil
}

// PublicKeyID returns the hex identifier of a public key
func PublicKeyID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// VerifySignature checks sig over msg against the hex public key id.
// Malformed keys or signatures verify as false.
func VerifySignature(pubID string, msg, sig []byte) bool {
	pub, err := PublicKeyFromID(pubID)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// CommitSignBytes returns the bytes an author signs for a commit id
func CommitSignBytes(commitID string) []byte {
	return append([]byte(commitSignPrefix), commitID...)
}

// VoteSignBytes returns the bytes a validator signs when voting for a commit id
func VoteSignBytes(commitID string) []byte {
	return append([]byte(voteSignPrefix), commitID...)
}
