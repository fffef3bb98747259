package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
)

// Options selects and configures a backend
type Options struct {
	Backend    string
	Dir        string
	SyncWrites bool
	Logger     *slog.Logger
}

// Open creates the backend named in opts. Persistent backends live under
// opts.Dir.
func Open(opts Options) (LedgerStore, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemStore(), nil
	case BackendBadger:
		cfg := DefaultBadgerConfig(filepath.Join(opts.Dir, "badger"))
		cfg.SyncWrites = opts.SyncWrites
		cfg.Logger = opts.Logger
		return OpenBadger(cfg)
	case BackendBolt:
		return OpenBolt(BoltConfig{
			Path:   filepath.Join(opts.Dir, "ledger.db"),
			NoSync: !opts.SyncWrites,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
