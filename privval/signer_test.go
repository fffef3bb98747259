package privval

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/blockberries/ledgerberry/merkle"
	"github.com/blockberries/ledgerberry/types"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp := MustGenerate()
	msg := []byte("ledger entry")

	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(kp.PublicKeyID(), msg, sig) {
		t.Error("signature should verify")
	}
	if Verify(kp.PublicKeyID(), []byte("other entry"), sig) {
		t.Error("signature over a different message must not verify")
	}
	if Verify(MustGenerate().PublicKeyID(), msg, sig) {
		t.Error("signature must not verify under a different key")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	kp := MustGenerate()
	sig, _ := kp.Sign([]byte("m"))

	cases := []struct {
		name string
		key  string
		sig  []byte
	}{
		{"empty key", "", sig},
		{"non-hex key", "zz", sig},
		{"short key", kp.PublicKeyID()[:10], sig},
		{"nil sig", kp.PublicKeyID(), nil},
		{"short sig", kp.PublicKeyID(), sig[:5]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Verify(tc.key, []byte("m"), tc.sig) {
				t.Error("malformed input must verify as false")
			}
		})
	}
}

func TestKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeyPairFromSeed failed: %v", err)
	}
	b, _ := KeyPairFromSeed(seed)
	if a.PublicKeyID() != b.PublicKeyID() {
		t.Error("same seed should give same identity")
	}
	if _, err := KeyPairFromSeed([]byte{1}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	pub := a.PublicKey()
	pub[0] ^= 1
	if types.PublicKeyID(a.PublicKey()) != a.PublicKeyID() {
		t.Error("PublicKey should return a copy")
	}
}

func TestNewCommit(t *testing.T) {
	kp := MustGenerate()
	ts := time.Date(2026, 5, 5, 5, 5, 5, 5, time.FixedZone("X", 3600))

	c, err := NewCommit(kp, "", testMutations(), ts)
	if err != nil {
		t.Fatalf("NewCommit failed: %v", err)
	}
	if c.Timestamp.Location() != time.UTC {
		t.Error("timestamp should be normalized to UTC")
	}
	if err := c.ValidateBasic(); err != nil {
		t.Errorf("ValidateBasic failed: %v", err)
	}
	if err := merkle.VerifyCommit(c); err != nil {
		t.Errorf("merkle root should verify: %v", err)
	}
	if err := c.VerifySignature(); err != nil {
		t.Errorf("signature should verify: %v", err)
	}

	empty, err := NewCommit(kp, c.ID, nil, ts)
	if err != nil {
		t.Fatalf("NewCommit with no mutations failed: %v", err)
	}
	if empty.MerkleRoot != merkle.EmptyRoot.String() {
		t.Error("commit without mutations should carry the empty root")
	}

	if _, err := NewCommit(kp, "", []types.Mutation{{ElementID: ""}}, ts); err == nil {
		t.Error("expected error for malformed mutation")
	}
}

func TestSignCommitRejectsForeignAuthor(t *testing.T) {
	kp := MustGenerate()
	c := &types.Commit{Author: MustGenerate().PublicKeyID(), Timestamp: time.Now()}
	if err := SignCommit(kp, c); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSignVote(t *testing.T) {
	kp := MustGenerate()
	id := types.Sum(types.CommitDomain, []byte("c")).String()

	v, err := SignVote(kp, id)
	if err != nil {
		t.Fatalf("SignVote failed: %v", err)
	}
	if v.ValidatorKey != kp.PublicKeyID() || v.CommitID != id {
		t.Errorf("unexpected vote %+v", v)
	}
	if err := v.VerifySignature(); err != nil {
		t.Errorf("vote should verify: %v", err)
	}
}
