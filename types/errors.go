package types

import (
	"errors"
	"fmt"
)

// Error categories. Every error produced by the ledger wraps exactly one of
// these so callers can branch with errors.Is without matching on text.
var (
	ErrVerification = errors.New("verification error")
	ErrChainLink    = errors.New("chain link error")
	ErrQuorum       = errors.New("quorum error")
	ErrNetwork      = errors.New("network error")
	ErrSync         = errors.New("sync error")
)

// Verification errors
var (
	ErrMerkleMismatch   = fmt.Errorf("%w: merkle root mismatch", ErrVerification)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrVerification)
	ErrIDMismatch       = fmt.Errorf("%w: commit id does not match content", ErrVerification)
	ErrMalformedCommit  = fmt.Errorf("%w: malformed commit", ErrVerification)
	ErrMalformedVote    = fmt.Errorf("%w: malformed vote", ErrVerification)
	ErrInvalidPublicKey = fmt.Errorf("%w: invalid public key", ErrVerification)

	ErrUnauthorizedAuthor = fmt.Errorf("%w: author is not an authorized validator", ErrVerification)
)

// Chain link errors
var (
	ErrMissingParent      = fmt.Errorf("%w: parent commit unknown", ErrChainLink)
	ErrConflictingGenesis = fmt.Errorf("%w: conflicting genesis commit", ErrChainLink)
	ErrNotExtendingHead   = fmt.Errorf("%w: commit does not extend the finalized head", ErrChainLink)
	ErrUnknownCommit      = fmt.Errorf("%w: unknown commit", ErrChainLink)
)

// Quorum errors
var (
	ErrUnknownValidator   = fmt.Errorf("%w: unknown validator", ErrQuorum)
	ErrEmptyValidatorSet  = fmt.Errorf("%w: empty validator set", ErrQuorum)
	ErrDuplicateValidator = fmt.Errorf("%w: duplicate validator", ErrQuorum)
	ErrUnreachableQuorum  = fmt.Errorf("%w: quorum threshold can never be met", ErrQuorum)
	ErrInsufficientVotes  = fmt.Errorf("%w: insufficient votes", ErrQuorum)
	ErrDuplicateVote      = fmt.Errorf("%w: validator appears twice in certificate", ErrQuorum)
)

// Network errors
var (
	ErrPeerUnreachable   = fmt.Errorf("%w: peer unreachable", ErrNetwork)
	ErrRequestTimeout    = fmt.Errorf("%w: request timed out", ErrNetwork)
	ErrMalformedMessage  = fmt.Errorf("%w: malformed message", ErrNetwork)
	ErrUnexpectedMessage = fmt.Errorf("%w: unexpected response type", ErrNetwork)
	ErrRateLimited       = fmt.Errorf("%w: peer exceeded request rate", ErrNetwork)
)

// Sync errors
var (
	ErrNoCommonAncestor = fmt.Errorf("%w: no common ancestor with peer chain", ErrSync)
	ErrSyncDepth        = fmt.Errorf("%w: walk exceeded maximum depth", ErrSync)
	ErrNotFinalized     = fmt.Errorf("%w: synced commit did not finalize", ErrSync)
	ErrNoPeers          = fmt.Errorf("%w: no reachable peers", ErrSync)

	// ErrIrreconcilableFork means the peer finalized a commit on a branch
	// that forked off below our head's parent. Neither side can adopt the
	// other's branch, since only the head level can still be replaced.
	ErrIrreconcilableFork = fmt.Errorf("%w: peer finalized a different branch below our head", ErrNoCommonAncestor)
)
