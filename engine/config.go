package engine

import (
	"fmt"
	"time"
)

// Config holds configuration for a ledger node
type Config struct {
	// RequestTimeout bounds one peer request round trip
	RequestTimeout time.Duration

	// RequestRetries is how many times a timed out request is retried
	// before the peer counts as unreachable for this cycle
	RequestRetries int

	// SyncInterval is how often the sync engine polls peers
	SyncInterval time.Duration

	// UnreachableWindow is how long every peer may fail to answer before
	// the sync engine reports an error
	UnreachableWindow time.Duration

	// MaxSyncDepth bounds how many commits one sync cycle requests while
	// walking back. A longer walk is kept and resumed by the next cycle.
	MaxSyncDepth int

	// RateLimitBackoff is the first wait after a peer rejects a request
	// for exceeding its rate. It doubles per rejection, up to
	// RequestTimeout, for at most RateLimitRetries waits per request.
	RateLimitBackoff time.Duration
	RateLimitRetries int

	// MaxSyncRounds bounds how many back-to-back cycles one trigger runs
	// while it keeps making progress
	MaxSyncRounds int

	// PollConcurrency bounds parallel head polls
	PollConcurrency int

	// InboxSize is the capacity of the single writer's queue
	InboxSize int

	// OrphanTTL is how long an orphan may wait for its parent
	OrphanTTL time.Duration

	// ProposerRotation makes validators only vote for commits authored by
	// the round-robin proposer of their height
	ProposerRotation bool

	// PeerRequestRate and PeerRequestBurst limit inbound requests per peer
	PeerRequestRate  float64
	PeerRequestBurst int
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    5 * time.Second,
		RequestRetries:    2,
		SyncInterval:      2 * time.Second,
		UnreachableWindow: 30 * time.Second,
		MaxSyncDepth:      10000,
		RateLimitBackoff:  50 * time.Millisecond,
		RateLimitRetries:  8,
		MaxSyncRounds:     16,
		PollConcurrency:   8,
		InboxSize:         1024,
		OrphanTTL:         10 * time.Minute,
		ProposerRotation:  false,
		PeerRequestRate:   100,
		PeerRequestBurst:  200,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	switch {
	case cfg.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	case cfg.RequestRetries < 0:
		return fmt.Errorf("%w: request retries must not be negative", ErrInvalidConfig)
	case cfg.SyncInterval <= 0:
		return fmt.Errorf("%w: sync interval must be positive", ErrInvalidConfig)
	case cfg.UnreachableWindow < cfg.SyncInterval:
		return fmt.Errorf("%w: unreachable window shorter than sync interval", ErrInvalidConfig)
	case cfg.MaxSyncDepth <= 0:
		return fmt.Errorf("%w: max sync depth must be positive", ErrInvalidConfig)
	case cfg.RateLimitBackoff <= 0:
		return fmt.Errorf("%w: rate limit backoff must be positive", ErrInvalidConfig)
	case cfg.RateLimitRetries < 0:
		return fmt.Errorf("%w: rate limit retries must not be negative", ErrInvalidConfig)
	case cfg.MaxSyncRounds <= 0:
		return fmt.Errorf("%w: max sync rounds must be positive", ErrInvalidConfig)
	case cfg.PollConcurrency <= 0:
		return fmt.Errorf("%w: poll concurrency must be positive", ErrInvalidConfig)
	case cfg.InboxSize <= 0:
		return fmt.Errorf("%w: inbox size must be positive", ErrInvalidConfig)
	case cfg.OrphanTTL <= 0:
		return fmt.Errorf("%w: orphan ttl must be positive", ErrInvalidConfig)
	case cfg.PeerRequestRate <= 0 || cfg.PeerRequestBurst <= 0:
		return fmt.Errorf("%w: peer request rate and burst must be positive", ErrInvalidConfig)
	}
	return nil
}
