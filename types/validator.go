package types

import (
	"fmt"
	"sort"
	"strings"
)

// MaxValidators bounds the validator set size
const MaxValidators = 65535

// Quorum is the fraction of the validator set that must vote for a commit.
// A commit reaches quorum when votes/size is strictly greater than
// Numerator/Denominator.
type Quorum struct {
	Numerator   int `json:"numerator" yaml:"numerator"`
	Denominator int `json:"denominator" yaml:"denominator"`
}

// DefaultQuorum requires strictly more than two thirds
var DefaultQuorum = Quorum{Numerator: 2, Denominator: 3}

// Validate checks that the fraction is in [0, 1)
func (q Quorum) Validate() error {
	if q.Denominator <= 0 || q.Numerator < 0 {
		return fmt.Errorf("%w: invalid fraction %d/%d", ErrUnreachableQuorum, q.Numerator, q.Denominator)
	}
	// votes <= size, so votes*den > size*num needs num < den
	if q.Numerator >= q.Denominator {
		return fmt.Errorf("%w: fraction %d/%d is not below one", ErrUnreachableQuorum, q.Numerator, q.Denominator)
	}
	return nil
}

// String renders the fraction
func (q Quorum) String() string {
	return fmt.Sprintf("%d/%d", q.Numerator, q.Denominator)
}

// ValidatorSet is an immutable set of validator public key ids, kept sorted.
type ValidatorSet struct {
	keys   []string
	index  map[string]int
	quorum Quorum
}

// NewValidatorSet creates a ValidatorSet from hex public key ids
func NewValidatorSet(keys []string, quorum Quorum) (*ValidatorSet, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(keys) > MaxValidators {
		return nil, fmt.Errorf("%w: %d validators (max %d)", ErrUnreachableQuorum, len(keys), MaxValidators)
	}
	if err := quorum.Validate(); err != nil {
		return nil, err
	}

	vs := &ValidatorSet{
		keys:   make([]string, 0, len(keys)),
		index:  make(map[string]int, len(keys)),
		quorum: quorum,
	}
	seen := make(map[string]bool, len(keys))
	for i, k := range keys {
		k = strings.ToLower(k)
		if _, err := PublicKeyFromID(k); err != nil {
			return nil, fmt.Errorf("validator %d: %w", i, err)
		}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, ShortID(k))
		}
		seen[k] = true
		vs.keys = append(vs.keys, k)
	}

	sort.Strings(vs.keys)
	for i, k := range vs.keys {
		vs.index[k] = i
	}
	return vs, nil
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.keys)
}

// Has reports whether key is a member
func (vs *ValidatorSet) Has(key string) bool {
	_, ok := vs.index[key]
	return ok
}

// Index returns the position of key in sorted order, or -1
func (vs *ValidatorSet) Index(key string) int {
	if i, ok := vs.index[key]; ok {
		return i
	}
	return -1
}

// Keys returns a copy of the sorted key list
func (vs *ValidatorSet) Keys() []string {
	out := make([]string, len(vs.keys))
	copy(out, vs.keys)
	return out
}

// KeyAt returns the key at sorted position i
func (vs *ValidatorSet) KeyAt(i int) string {
	return vs.keys[i]
}

// Quorum returns the configured threshold
func (vs *ValidatorSet) Quorum() Quorum {
	return vs.quorum
}

// HasQuorum reports whether votes distinct validator votes meet the threshold.
// Integer arithmetic only: votes*den > size*num.
func (vs *ValidatorSet) HasQuorum(votes int) bool {
	return int64(votes)*int64(vs.quorum.Denominator) > int64(len(vs.keys))*int64(vs.quorum.Numerator)
}

// QuorumSize returns the smallest vote count that reaches quorum
func (vs *ValidatorSet) QuorumSize() int {
	return int(int64(len(vs.keys))*int64(vs.quorum.Numerator)/int64(vs.quorum.Denominator)) + 1
}
