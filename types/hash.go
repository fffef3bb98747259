package types

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of every ledger hash in bytes
const HashSize = 32

// Hash is a 32-byte BLAKE3 keyed digest. Its string form (lowercase hex) is
// what appears in commit ids, parent links and merkle roots.
type Hash [HashSize]byte

// DomainKey is a BLAKE3 key separating one hashing context from another.
// The same bytes hashed under different domains never collide.
type DomainKey [32]byte

// NewDomainKey builds a domain key from an ASCII name, zero-padded to 32 bytes.
// Panics if the name does not fit; domain names are compile-time constants.
func NewDomainKey(name string) DomainKey {
	var key DomainKey
	if len(name) > len(key) {
		panic(fmt.Sprintf("types: domain name %q longer than %d bytes", name, len(key)))
	}
	copy(key[:], name)
	return key
}

// CommitDomain keys the hash that produces commit ids. Changing it
// invalidates every existing commit id.
var CommitDomain = NewDomainKey("ledgerberry.commit.v1")

// Sum computes the keyed BLAKE3 hash of the concatenation of parts.
func Sum(key DomainKey, parts ...[]byte) Hash {
	// NewKeyed only fails for a key that is not 32 bytes, which DomainKey rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("types: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		hasher.Write(p)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// String returns the lowercase hex encoding
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if every byte is zero
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string.
// Use for untrusted input (network, files).
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != HashSize {
		return h, fmt.Errorf("hash is %d bytes, want %d", len(decoded), HashSize)
	}
	copy(h[:], decoded)
	return h, nil
}

// MustParseHash parses a hash, panicking if invalid.
// Use only for trusted internal data.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// IsHashString reports whether s is a well-formed hash string
func IsHashString(s string) bool {
	_, err := ParseHash(s)
	return err == nil
}

// Signature is a raw ed25519 signature that serializes as hex.
type Signature []byte

// MarshalText implements encoding.TextMarshaler
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Signature) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	*s = decoded
	return nil
}

// Copy returns an independent copy of the signature
func (s Signature) Copy() Signature {
	if s == nil {
		return nil
	}
	c := make(Signature, len(s))
	copy(c, s)
	return c
}
