// Package merkle computes the binary Merkle root that binds a commit's
// mutation list to its id.
//
// Leaves and interior nodes are hashed under separate BLAKE3 keys, so a leaf
// can never be confused with an interior node. When a level has an odd number
// of nodes, the last one is promoted to the next level unchanged rather than
// duplicated; duplication would let [a, b, c] and [a, b, c, c] share a root.
package merkle

import (
	"fmt"

	"github.com/blockberries/ledgerberry/types"
)

var (
	leafDomain  = types.NewDomainKey("ledgerberry.merkle.leaf.v1")
	nodeDomain  = types.NewDomainKey("ledgerberry.merkle.node.v1")
	emptyDomain = types.NewDomainKey("ledgerberry.merkle.empty.v1")
)

// EmptyRoot is the root of an empty leaf list
var EmptyRoot = types.Sum(emptyDomain)

// HashLeaf hashes one leaf's bytes
func HashLeaf(data []byte) types.Hash {
	return types.Sum(leafDomain, data)
}

// hashNode hashes two child nodes
func hashNode(left, right types.Hash) types.Hash {
	return types.Sum(nodeDomain, left[:], right[:])
}

// ComputeRoot returns the Merkle root of the leaves in order.
// The result depends on leaf order; any permutation of distinct leaves yields
// a different root.
func ComputeRoot(leaves [][]byte) types.Hash {
	if len(leaves) == 0 {
		return EmptyRoot
	}

	level := make([]types.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = HashLeaf(l)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next[i/2] = hashNode(level[i], level[i+1])
		}
		// Odd node: promote without hashing
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}

// VerifyRoot recomputes the root and compares it with claimed
func VerifyRoot(leaves [][]byte, claimed types.Hash) bool {
	return ComputeRoot(leaves) == claimed
}

// MutationLeaves returns the canonical leaf encoding of each mutation
func MutationLeaves(mutations []types.Mutation) ([][]byte, error) {
	leaves := make([][]byte, len(mutations))
	for i := range mutations {
		leaf, err := mutations[i].LeafBytes()
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

// RootOfMutations computes the Merkle root of a mutation list
func RootOfMutations(mutations []types.Mutation) (types.Hash, error) {
	leaves, err := MutationLeaves(mutations)
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeRoot(leaves), nil
}

// VerifyCommit checks that the commit's merkle root matches its mutations
func VerifyCommit(c *types.Commit) error {
	claimed, err := types.ParseHash(c.MerkleRoot)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedCommit, err)
	}
	root, err := RootOfMutations(c.Mutations)
	if err != nil {
		return err
	}
	if root != claimed {
		return fmt.Errorf("%w: commit %s claims %s, mutations hash to %s",
			types.ErrMerkleMismatch, c.ShortID(), types.ShortID(c.MerkleRoot), types.ShortID(root.String()))
	}
	return nil
}
