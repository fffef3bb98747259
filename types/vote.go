package types

import (
	"crypto/ed25519"
	"fmt"
	"sort"
)

// Vote is a validator's signed endorsement of a commit id
type Vote struct {
	CommitID     string    `json:"commit_id" cbor:"commit_id"`
	ValidatorKey string    `json:"validator_key" cbor:"validator_key"`
	Signature    Signature `json:"signature" cbor:"signature"`
}

// ValidateBasic checks field formats
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrMalformedVote)
	}
	if !IsHashString(v.CommitID) {
		return fmt.Errorf("%w: bad commit id %q", ErrMalformedVote, v.CommitID)
	}
	if _, err := PublicKeyFromID(v.ValidatorKey); err != nil {
		return fmt.Errorf("%w: validator key: %v", ErrMalformedVote, err)
	}
	if len(v.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes", ErrMalformedVote, len(v.Signature))
	}
	return nil
}

// VerifySignature checks the validator's signature over the commit id
func (v *Vote) VerifySignature() error {
	if !VerifySignature(v.ValidatorKey, VoteSignBytes(v.CommitID), v.Signature) {
		return fmt.Errorf("%w: vote for %s by %s", ErrInvalidSignature, ShortID(v.CommitID), ShortID(v.ValidatorKey))
	}
	return nil
}

// Copy returns a deep copy of the vote
func (v Vote) Copy() Vote {
	v.Signature = v.Signature.Copy()
	return v
}

// SortVotes orders votes by validator key
func SortVotes(votes []Vote) {
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].ValidatorKey < votes[j].ValidatorKey
	})
}

// VerifyCertificate verifies a finality certificate for a commit.
// It checks that:
// - every vote is for commitID
// - every signer is in the validator set and appears once
// - every signature is valid
// - the signers form a quorum
func VerifyCertificate(valSet *ValidatorSet, commitID string, votes []Vote) error {
	if valSet == nil {
		return ErrEmptyValidatorSet
	}
	if len(votes) == 0 {
		return fmt.Errorf("%w: empty certificate", ErrInsufficientVotes)
	}

	seen := make(map[string]bool, len(votes))
	for i := range votes {
		v := &votes[i]
		if v.CommitID != commitID {
			return fmt.Errorf("%w: vote %d is for %s, want %s", ErrMalformedVote, i, ShortID(v.CommitID), ShortID(commitID))
		}
		if seen[v.ValidatorKey] {
			return fmt.Errorf("%w: %s", ErrDuplicateVote, ShortID(v.ValidatorKey))
		}
		seen[v.ValidatorKey] = true

		if !valSet.Has(v.ValidatorKey) {
			return fmt.Errorf("%w: %s", ErrUnknownValidator, ShortID(v.ValidatorKey))
		}
		if err := v.VerifySignature(); err != nil {
			return err
		}
	}

	if !valSet.HasQuorum(len(seen)) {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientVotes, len(seen), valSet.QuorumSize())
	}
	return nil
}
