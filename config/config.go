// Package config loads a ledger node's configuration from YAML.
//
// Every field except the validator keys has a default. Durations are
// written as Go duration strings ("5s", "10m"). Relative paths are resolved
// against Home.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockberries/ledgerberry/chain"
	"github.com/blockberries/ledgerberry/engine"
	"github.com/blockberries/ledgerberry/protocol"
	"github.com/blockberries/ledgerberry/store"
	"github.com/blockberries/ledgerberry/transport/wsnet"
	"github.com/blockberries/ledgerberry/types"
	"github.com/blockberries/ledgerberry/wal"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration that reads and writes as a string in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the node configuration file
type File struct {
	// Home is the base directory for keys and data
	Home string `yaml:"home"`

	Node       NodeConfig       `yaml:"node"`
	Validators ValidatorsConfig `yaml:"validators"`
	Storage    StorageConfig    `yaml:"storage"`
	Network    NetworkConfig    `yaml:"network"`
	Sync       SyncConfig       `yaml:"sync"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig configures identity and chain admission
type NodeConfig struct {
	// KeyFile and StateFile hold the FilePV key and double-sign state.
	// Without a key file the node follows the chain without voting.
	KeyFile   string `yaml:"key_file"`
	StateFile string `yaml:"state_file"`

	// GenesisID pins the genesis commit. Empty adopts the first one seen.
	GenesisID string `yaml:"genesis_id"`

	// RestrictAuthors only admits commits authored by validators
	RestrictAuthors bool `yaml:"restrict_authors"`

	// ProposerRotation only votes for the round-robin proposer's commits
	ProposerRotation bool `yaml:"proposer_rotation"`

	MaxOrphans int      `yaml:"max_orphans"`
	OrphanTTL  Duration `yaml:"orphan_ttl"`
	InboxSize  int      `yaml:"inbox_size"`
}

// ValidatorsConfig lists the validator set
type ValidatorsConfig struct {
	// Keys are hex ed25519 public keys
	Keys   []string     `yaml:"keys"`
	Quorum types.Quorum `yaml:"quorum"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	// Backend is memory, badger or bolt
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// VoteLog is the vote log directory; empty keeps votes in memory only
	VoteLog string `yaml:"vote_log"`
}

// NetworkConfig configures the WebSocket transport
type NetworkConfig struct {
	// ListenAddr serves peer connections on /ws
	ListenAddr string `yaml:"listen_addr"`

	// Peers are ws:// URLs dialed at startup
	Peers []string `yaml:"peers"`

	// Codec is json or cbor; every peer must agree
	Codec string `yaml:"codec"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	DialRetry        Duration `yaml:"dial_retry"`

	// RequestRate and RequestBurst limit requests served per peer
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`
}

// SyncConfig configures the sync engine
type SyncConfig struct {
	Interval          Duration `yaml:"interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	RequestRetries    int      `yaml:"request_retries"`
	UnreachableWindow Duration `yaml:"unreachable_window"`
	MaxDepth          int      `yaml:"max_depth"`
	MaxRounds         int      `yaml:"max_rounds"`
	PollConcurrency   int      `yaml:"poll_concurrency"`

	// RateLimitBackoff and RateLimitRetries pace requests to a peer that
	// answered ErrRateLimited
	RateLimitBackoff Duration `yaml:"rate_limit_backoff"`
	RateLimitRetries int      `yaml:"rate_limit_retries"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr serves /metrics. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// Default returns the default configuration rooted at home
func Default(home string) *File {
	eng := engine.DefaultConfig()
	return &File{
		Home: home,
		Node: NodeConfig{
			KeyFile:    "keys/node_key.json",
			StateFile:  "data/sign_state.json",
			MaxOrphans: chain.DefaultConfig().MaxOrphans,
			OrphanTTL:  Duration(eng.OrphanTTL),
			InboxSize:  eng.InboxSize,
		},
		Validators: ValidatorsConfig{
			Quorum: types.DefaultQuorum,
		},
		Storage: StorageConfig{
			Backend:    store.BackendBadger,
			Dir:        "data",
			SyncWrites: true,
			VoteLog:    "votes",
		},
		Network: NetworkConfig{
			ListenAddr:       ":26656",
			Codec:            protocol.CBOR.Name(),
			HandshakeTimeout: Duration(10 * time.Second),
			DialRetry:        Duration(5 * time.Second),
			RequestRate:      eng.PeerRequestRate,
			RequestBurst:     eng.PeerRequestBurst,
		},
		Sync: SyncConfig{
			Interval:          Duration(eng.SyncInterval),
			RequestTimeout:    Duration(eng.RequestTimeout),
			RequestRetries:    eng.RequestRetries,
			UnreachableWindow: Duration(eng.UnreachableWindow),
			MaxDepth:          eng.MaxSyncDepth,
			MaxRounds:         eng.MaxSyncRounds,
			PollConcurrency:   eng.PollConcurrency,
			RateLimitBackoff:  Duration(eng.RateLimitBackoff),
			RateLimitRetries:  eng.RateLimitRetries,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. Home defaults to the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML over the defaults rooted at home. Unknown keys are
// rejected.
func Parse(data []byte, home string) (*File, error) {
	f := Default(home)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Write saves f as YAML
func (f *File) Write(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// Validate checks the configuration and reports every problem found
func (f *File) Validate() error {
	var errs []error

	if _, err := f.ValidatorSet(); err != nil {
		errs = append(errs, fmt.Errorf("validators: %w", err))
	}
	if f.Node.GenesisID != "" && !types.IsHashString(f.Node.GenesisID) {
		errs = append(errs, fmt.Errorf("node.genesis_id: not a hash: %q", f.Node.GenesisID))
	}
	if f.Node.MaxOrphans <= 0 {
		errs = append(errs, errors.New("node.max_orphans must be positive"))
	}

	switch f.Storage.Backend {
	case store.BackendMemory, store.BackendBadger, store.BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", f.Storage.Backend))
	}
	if _, err := protocol.CodecByName(f.Network.Codec); err != nil {
		errs = append(errs, fmt.Errorf("network.codec: %w", err))
	}
	for _, p := range f.Network.Peers {
		if !strings.HasPrefix(p, "ws://") && !strings.HasPrefix(p, "wss://") {
			errs = append(errs, fmt.Errorf("network.peers: %q is not a ws:// url", p))
		}
	}
	if _, err := parseLevel(f.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if f.Logging.Format != "text" && f.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", f.Logging.Format))
	}
	if err := f.EngineConfig().ValidateBasic(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Path resolves p against Home
func (f *File) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.Home, p)
}

// ValidatorSet builds the configured validator set
func (f *File) ValidatorSet() (*types.ValidatorSet, error) {
	return types.NewValidatorSet(f.Validators.Keys, f.Validators.Quorum)
}

// EngineConfig converts the file into the node runtime config
func (f *File) EngineConfig() *engine.Config {
	return &engine.Config{
		RequestTimeout:    f.Sync.RequestTimeout.Std(),
		RequestRetries:    f.Sync.RequestRetries,
		SyncInterval:      f.Sync.Interval.Std(),
		UnreachableWindow: f.Sync.UnreachableWindow.Std(),
		MaxSyncDepth:      f.Sync.MaxDepth,
		RateLimitBackoff:  f.Sync.RateLimitBackoff.Std(),
		RateLimitRetries:  f.Sync.RateLimitRetries,
		MaxSyncRounds:     f.Sync.MaxRounds,
		PollConcurrency:   f.Sync.PollConcurrency,
		InboxSize:         f.Node.InboxSize,
		OrphanTTL:         f.Node.OrphanTTL.Std(),
		ProposerRotation:  f.Node.ProposerRotation,
		PeerRequestRate:   f.Network.RequestRate,
		PeerRequestBurst:  f.Network.RequestBurst,
	}
}

// ChainConfig returns the chain admission settings
func (f *File) ChainConfig(vs *types.ValidatorSet, logger *slog.Logger) chain.Config {
	return chain.Config{
		GenesisID:       f.Node.GenesisID,
		MaxOrphans:      f.Node.MaxOrphans,
		RestrictAuthors: f.Node.RestrictAuthors,
		Validators:      vs,
		Logger:          logger,
	}
}

// VoteLog opens the configured vote log, or a no-op log when none is set
func (f *File) VoteLog(logger *slog.Logger) (wal.WAL, error) {
	if f.Storage.VoteLog == "" {
		return wal.NopWAL{}, nil
	}
	return wal.NewFileWAL(f.Path(f.Storage.VoteLog), logger)
}

// StoreOptions returns the storage backend options
func (f *File) StoreOptions(logger *slog.Logger) store.Options {
	return store.Options{
		Backend:    f.Storage.Backend,
		Dir:        f.Path(f.Storage.Dir),
		SyncWrites: f.Storage.SyncWrites,
		Logger:     logger,
	}
}

// TransportConfig returns the WebSocket transport settings for localID
func (f *File) TransportConfig(localID string, logger *slog.Logger) (wsnet.Config, error) {
	codec, err := protocol.CodecByName(f.Network.Codec)
	if err != nil {
		return wsnet.Config{}, err
	}
	return wsnet.Config{
		LocalID:          localID,
		Codec:            codec,
		HandshakeTimeout: f.Network.HandshakeTimeout.Std(),
		Logger:           logger,
	}, nil
}

// Logger builds the configured logger writing to w
func (f *File) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(f.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if f.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
