package consensus

import "github.com/blockberries/ledgerberry/types"

// ProposerFor returns the validator expected to author the commit at height.
// Validators take turns in ascending key order, so every node with the same
// set agrees without coordination.
func ProposerFor(valSet *types.ValidatorSet, height uint64) string {
	if valSet == nil || valSet.Size() == 0 {
		return ""
	}
	return valSet.KeyAt(int(height % uint64(valSet.Size())))
}

// IsProposer reports whether key is the proposer for height
func IsProposer(valSet *types.ValidatorSet, height uint64, key string) bool {
	return key != "" && ProposerFor(valSet, height) == key
}
