package merkle

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/blockberries/ledgerberry/types"
)

func leaves(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("leaf-%d", i))
	}
	return out
}

func TestComputeRootDeterministic(t *testing.T) {
	for n := 0; n <= 9; n++ {
		a := ComputeRoot(leaves(n))
		b := ComputeRoot(leaves(n))
		if a != b {
			t.Errorf("n=%d: root not deterministic", n)
		}
		if !VerifyRoot(leaves(n), a) {
			t.Errorf("n=%d: VerifyRoot rejected its own root", n)
		}
	}
}

func TestComputeRootEmpty(t *testing.T) {
	if ComputeRoot(nil) != EmptyRoot {
		t.Error("empty list should produce EmptyRoot")
	}
	if ComputeRoot([][]byte{}) != EmptyRoot {
		t.Error("empty slice should produce EmptyRoot")
	}
	if EmptyRoot.IsZero() {
		t.Error("EmptyRoot should not be the zero hash")
	}
	if ComputeRoot([][]byte{{}}) == EmptyRoot {
		t.Error("a single empty leaf is not an empty list")
	}
}

func TestComputeRootSingleLeaf(t *testing.T) {
	l := []byte("only")
	if ComputeRoot([][]byte{l}) != HashLeaf(l) {
		t.Error("single-leaf root should be the leaf hash")
	}
}

func TestComputeRootOrderMatters(t *testing.T) {
	base := leaves(5)
	root := ComputeRoot(base)

	for i := 0; i < len(base); i++ {
		for j := i + 1; j < len(base); j++ {
			swapped := make([][]byte, len(base))
			copy(swapped, base)
			swapped[i], swapped[j] = swapped[j], swapped[i]
			if ComputeRoot(swapped) == root {
				t.Errorf("swapping %d and %d did not change the root", i, j)
			}
		}
	}
}

func TestComputeRootNoDuplicationCollision(t *testing.T) {
	three := leaves(3)
	four := append(leaves(3), three[2])
	if ComputeRoot(three) == ComputeRoot(four) {
		t.Error("duplicating the last leaf must change the root")
	}
}

func TestComputeRootLeafNodeSeparation(t *testing.T) {
	// A single leaf whose bytes equal two concatenated leaf hashes must not
	// collide with the two-leaf tree.
	a, b := HashLeaf([]byte("a")), HashLeaf([]byte("b"))
	forged := append(append([]byte{}, a[:]...), b[:]...)
	if ComputeRoot([][]byte{forged}) == ComputeRoot([][]byte{[]byte("a"), []byte("b")}) {
		t.Error("leaf and node domains must be separate")
	}
}

func TestVerifyRootRejectsTampering(t *testing.T) {
	ls := leaves(4)
	root := ComputeRoot(ls)
	ls[2] = []byte("tampered")
	if VerifyRoot(ls, root) {
		t.Error("tampered leaves should not verify")
	}
}

func TestRootOfMutations(t *testing.T) {
	ms := []types.Mutation{
		{ElementID: "a", Operation: types.MutationCreate, Payload: json.RawMessage(`{"x":1,"y":2}`)},
		{ElementID: "b", Operation: types.MutationDelete},
	}
	root, err := RootOfMutations(ms)
	if err != nil {
		t.Fatalf("RootOfMutations failed: %v", err)
	}

	reordered := []types.Mutation{ms[1], ms[0]}
	other, err := RootOfMutations(reordered)
	if err != nil {
		t.Fatalf("RootOfMutations failed: %v", err)
	}
	if root == other {
		t.Error("mutation order should change the root")
	}

	respaced := []types.Mutation{
		{ElementID: "a", Operation: types.MutationCreate, Payload: json.RawMessage(`{ "y": 2, "x": 1 }`)},
		ms[1],
	}
	same, err := RootOfMutations(respaced)
	if err != nil {
		t.Fatalf("RootOfMutations failed: %v", err)
	}
	if root != same {
		t.Error("payload formatting should not change the root")
	}

	if _, err := RootOfMutations([]types.Mutation{{Operation: types.MutationCreate}}); err == nil {
		t.Error("expected error for mutation without element id")
	}
}

func TestVerifyCommit(t *testing.T) {
	ms := []types.Mutation{{ElementID: "a", Operation: types.MutationCreate, Payload: json.RawMessage(`1`)}}
	root, err := RootOfMutations(ms)
	if err != nil {
		t.Fatalf("RootOfMutations failed: %v", err)
	}

	c := &types.Commit{ID: root.String(), Mutations: ms, MerkleRoot: root.String()}
	if err := VerifyCommit(c); err != nil {
		t.Fatalf("VerifyCommit failed: %v", err)
	}

	c.Mutations[0].Payload = json.RawMessage(`2`)
	if err := VerifyCommit(c); !errors.Is(err, types.ErrMerkleMismatch) {
		t.Errorf("expected ErrMerkleMismatch, got %v", err)
	}
	if !errors.Is(VerifyCommit(c), types.ErrVerification) {
		t.Error("merkle mismatch should be a verification error")
	}

	c.MerkleRoot = "garbage"
	if err := VerifyCommit(c); !errors.Is(err, types.ErrMalformedCommit) {
		t.Errorf("expected ErrMalformedCommit, got %v", err)
	}
}

func TestRootOfMutationsRejectsAmbiguousPayloads(t *testing.T) {
	payloads := []json.RawMessage{
		json.RawMessage("{\"x\":\"\xff\"}"),
		json.RawMessage("{\"x\":\"\xfe\"}"),
		json.RawMessage(`{"x":"\udfff"}`),
		json.RawMessage(`{"x":1,"x":2}`),
	}
	for _, p := range payloads {
		ms := []types.Mutation{{ElementID: "e1", Operation: types.MutationUpdate, Payload: p}}
		if root, err := RootOfMutations(ms); !errors.Is(err, types.ErrMalformedCommit) {
			t.Errorf("payload %q: expected ErrMalformedCommit, got root %s err %v", p, root, err)
		}
	}
}
