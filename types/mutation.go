package types

import (
	"encoding/json"
	"fmt"
)

// MutationOp is the kind of change a mutation applies to an element
type MutationOp uint8

const (
	MutationCreate MutationOp = iota + 1
	MutationUpdate
	MutationDelete
)

var mutationOpNames = map[MutationOp]string{
	MutationCreate: "Create",
	MutationUpdate: "Update",
	MutationDelete: "Delete",
}

// String returns the wire name of the operation
func (op MutationOp) String() string {
	if name, ok := mutationOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("MutationOp(%d)", uint8(op))
}

// IsValid returns true for the three defined operations
func (op MutationOp) IsValid() bool {
	_, ok := mutationOpNames[op]
	return ok
}

// MarshalText implements encoding.TextMarshaler
func (op MutationOp) MarshalText() ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("invalid mutation operation %d", uint8(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (op *MutationOp) UnmarshalText(text []byte) error {
	for k, name := range mutationOpNames {
		if name == string(text) {
			*op = k
			return nil
		}
	}
	return fmt.Errorf("unknown mutation operation %q", string(text))
}

// Mutation is a single change to one element of the shared data model.
// Payload is opaque to the ledger; it is only canonicalized for hashing.
type Mutation struct {
	ElementID string          `json:"element_id" cbor:"element_id"`
	Operation MutationOp      `json:"operation" cbor:"operation"`
	Payload   json.RawMessage `json:"payload" cbor:"payload"`
}

// leafPreimage is the fixed-shape encoding of a mutation fed to the merkle tree
type leafPreimage struct {
	_         struct{} `cbor:",toarray"`
	ElementID string
	Operation string
	Payload   []byte
}

// LeafBytes returns the deterministic byte encoding of the mutation used as a
// merkle leaf. Payloads that differ only in key order or whitespace produce
// the same leaf.
func (m *Mutation) LeafBytes() ([]byte, error) {
	if m.ElementID == "" {
		return nil, fmt.Errorf("%w: mutation has empty element id", ErrMalformedCommit)
	}
	if !m.Operation.IsValid() {
		return nil, fmt.Errorf("%w: mutation %s has invalid operation", ErrMalformedCommit, m.ElementID)
	}
	payload, err := CanonicalJSON(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: mutation %s: %v", ErrMalformedCommit, m.ElementID, err)
	}
	return MarshalCBOR(leafPreimage{
		ElementID: m.ElementID,
		Operation: m.Operation.String(),
		Payload:   payload,
	})
}

// Copy returns a deep copy of the mutation
func (m Mutation) Copy() Mutation {
	c := m
	if m.Payload != nil {
		c.Payload = make(json.RawMessage, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return c
}

// CopyMutations deep copies a mutation list
func CopyMutations(ms []Mutation) []Mutation {
	if ms == nil {
		return nil
	}
	out := make([]Mutation, len(ms))
	for i, m := range ms {
		out[i] = m.Copy()
	}
	return out
}
