package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func signedCommit(t *testing.T, parent string) (*Commit, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	c := &Commit{
		ParentHash: parent,
		Author:     PublicKeyID(pub),
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Mutations: []Mutation{
			{ElementID: "wall-1", Operation: MutationCreate, Payload: json.RawMessage(`{"height":3}`)},
		},
		MerkleRoot: Sum(NewDomainKey("test.root"), []byte("root")).String(),
	}
	id, err := c.ComputeID()
	if err != nil {
		t.Fatalf("ComputeID failed: %v", err)
	}
	c.ID = id
	c.Signature = ed25519.Sign(priv, CommitSignBytes(id))
	return c, priv
}

func TestCommitID(t *testing.T) {
	c, _ := signedCommit(t, "")
	if !c.IsGenesis() {
		t.Error("commit without parent should be genesis")
	}
	if err := c.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic failed: %v", err)
	}
	if err := c.VerifyID(); err != nil {
		t.Fatalf("VerifyID failed: %v", err)
	}

	// Every header field is bound into the id
	mutations := []func(*Commit){
		func(c *Commit) { c.ParentHash = Sum(CommitDomain, []byte("p")).String() },
		func(c *Commit) { c.Timestamp = c.Timestamp.Add(time.Nanosecond) },
		func(c *Commit) { c.MerkleRoot = Sum(CommitDomain, []byte("r")).String() },
		func(c *Commit) { c.Author = PublicKeyID(make(ed25519.PublicKey, ed25519.PublicKeySize)) },
	}
	for i, mutate := range mutations {
		cp := c.Copy()
		mutate(cp)
		if err := cp.VerifyID(); !errors.Is(err, ErrIDMismatch) {
			t.Errorf("mutation %d: expected ErrIDMismatch, got %v", i, err)
		}
	}
}

func TestCommitSignature(t *testing.T) {
	c, _ := signedCommit(t, "")
	if err := c.VerifySignature(); err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}

	tampered := c.Copy()
	tampered.Signature[0] ^= 0xff
	if err := tampered.VerifySignature(); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if !errors.Is(tampered.VerifySignature(), ErrVerification) {
		t.Error("signature failure should be a verification error")
	}

	// A commit signature is not a valid vote signature for the same id
	vote := Vote{CommitID: c.ID, ValidatorKey: c.Author, Signature: c.Signature}
	if err := vote.VerifySignature(); err == nil {
		t.Error("commit signature must not verify as a vote")
	}
}

func TestCommitValidateBasic(t *testing.T) {
	base, _ := signedCommit(t, "")

	tests := []struct {
		name   string
		mutate func(*Commit)
	}{
		{"bad id", func(c *Commit) { c.ID = "xyz" }},
		{"bad parent", func(c *Commit) { c.ParentHash = "xyz" }},
		{"self parent", func(c *Commit) { c.ParentHash = c.ID }},
		{"bad author", func(c *Commit) { c.Author = "abc" }},
		{"bad root", func(c *Commit) { c.MerkleRoot = "" }},
		{"zero time", func(c *Commit) { c.Timestamp = time.Time{} }},
		{"short sig", func(c *Commit) { c.Signature = c.Signature[:10] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base.Copy()
			tc.mutate(c)
			if err := c.ValidateBasic(); !errors.Is(err, ErrMalformedCommit) {
				t.Errorf("expected ErrMalformedCommit, got %v", err)
			}
		})
	}

	var nilCommit *Commit
	if err := nilCommit.ValidateBasic(); err == nil {
		t.Error("expected error for nil commit")
	}
}

func TestCommitCopyIsDeep(t *testing.T) {
	c, _ := signedCommit(t, "")
	cp := c.Copy()
	cp.Mutations[0].Payload[0] = '['
	cp.Signature[0] ^= 1
	if c.Mutations[0].Payload[0] != '{' {
		t.Error("Copy should deep copy payloads")
	}
	if err := c.VerifySignature(); err != nil {
		t.Error("Copy should deep copy signature")
	}
}

func TestCommitCBORPreservesID(t *testing.T) {
	c, _ := signedCommit(t, "")
	data, err := MarshalCBOR(c)
	if err != nil {
		t.Fatalf("MarshalCBOR failed: %v", err)
	}
	var decoded Commit
	if err := UnmarshalCBOR(data, &decoded); err != nil {
		t.Fatalf("UnmarshalCBOR failed: %v", err)
	}
	if err := decoded.VerifyID(); err != nil {
		t.Errorf("decoded commit id should still verify: %v", err)
	}
	if err := decoded.VerifySignature(); err != nil {
		t.Errorf("decoded commit signature should still verify: %v", err)
	}
	if decoded.Mutations[0].Operation != MutationCreate {
		t.Errorf("operation lost: %v", decoded.Mutations[0].Operation)
	}
}

func TestMutationLeafBytes(t *testing.T) {
	a := Mutation{ElementID: "e", Operation: MutationUpdate, Payload: json.RawMessage(`{"b":2,"a":1}`)}
	b := Mutation{ElementID: "e", Operation: MutationUpdate, Payload: json.RawMessage(`{ "a": 1, "b": 2 }`)}

	la, err := a.LeafBytes()
	if err != nil {
		t.Fatalf("LeafBytes failed: %v", err)
	}
	lb, err := b.LeafBytes()
	if err != nil {
		t.Fatalf("LeafBytes failed: %v", err)
	}
	if string(la) != string(lb) {
		t.Error("key order should not change the leaf")
	}

	c := a
	c.Operation = MutationDelete
	lc, _ := c.LeafBytes()
	if string(la) == string(lc) {
		t.Error("operation should change the leaf")
	}

	if _, err := (&Mutation{Operation: MutationCreate}).LeafBytes(); !errors.Is(err, ErrMalformedCommit) {
		t.Errorf("expected error for empty element id, got %v", err)
	}
	if _, err := (&Mutation{ElementID: "e"}).LeafBytes(); !errors.Is(err, ErrMalformedCommit) {
		t.Errorf("expected error for missing operation, got %v", err)
	}
}

func TestMutationOpText(t *testing.T) {
	for _, op := range []MutationOp{MutationCreate, MutationUpdate, MutationDelete} {
		text, err := op.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText failed: %v", err)
		}
		var back MutationOp
		if err := back.UnmarshalText(text); err != nil || back != op {
			t.Errorf("op %v did not survive text encoding", op)
		}
	}
	var bad MutationOp
	if err := bad.UnmarshalText([]byte("Rename")); err == nil {
		t.Error("expected error for unknown operation")
	}
	if _, err := MutationOp(0).MarshalText(); err == nil {
		t.Error("expected error for zero operation")
	}
}

func TestDelta(t *testing.T) {
	d := NewDelta("a", "b")
	if !d.IsEmpty() {
		t.Error("new delta should be empty")
	}
	d.Add(Mutation{ElementID: "x", Operation: MutationCreate}, Mutation{ElementID: "y", Operation: MutationDelete})
	if d.Len() != 2 || d.IsEmpty() {
		t.Errorf("expected 2 mutations, got %d", d.Len())
	}
	if d.Patch[0].ElementID != "x" || d.Patch[1].ElementID != "y" {
		t.Error("delta should keep insertion order")
	}
}
