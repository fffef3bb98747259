package engine

import (
	"errors"

	"github.com/blockberries/ledgerberry/types"
)

// Node errors
var (
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
	ErrNoSigner       = errors.New("no signer configured")
	ErrNotProposer    = errors.New("not the proposer for this height")

	ErrRateLimited = types.ErrRateLimited
)
