package privval

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/ledgerberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-backed validator identity. Besides holding the key it
// refuses to author two different commits on the same parent, which would
// show up to the rest of the network as equivocation.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	kp     *KeyPair
	closed bool

	lastSignState LastSignState
}

// LastSignState records the most recent commit this identity authored
type LastSignState struct {
	ParentHash string `json:"parent_hash"`
	CommitID   string `json:"commit_id"`
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	PubKey  string `json:"pub_key"`
	PrivKey string `json:"priv_key"`
}

// NewFilePV loads the key and state files, generating a key if none exists
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}

	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key, overwriting any existing files
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	kp, err := Generate()
	if err != nil {
		return nil, err
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		kp:            kp,
	}
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// loadKey loads the key from file, generating if it doesn't exist
func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		kp, err := Generate()
		if err != nil {
			return err
		}
		pv.kp = kp
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}

	priv, err := hex.DecodeString(key.PrivKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private key in %s", ErrInvalidKey, pv.keyFilePath)
	}
	kp := newKeyPair(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey), ed25519.PrivateKey(priv))
	if key.PubKey != "" && key.PubKey != kp.PublicKeyID() {
		return fmt.Errorf("%w: public key does not match private key in %s", ErrInvalidKey, pv.keyFilePath)
	}

	pv.kp = kp
	return nil
}

// saveKey saves the key to file
func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		PubKey:  pv.kp.PublicKeyID(),
		PrivKey: hex.EncodeToString(pv.kp.priv),
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

// loadState loads the state from file
func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state LastSignState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	pv.lastSignState = state
	return nil
}

// saveState saves the state to file
func (pv *FilePV) saveState() error {
	data, err := json.MarshalIndent(pv.lastSignState, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// PublicKeyID returns the hex-encoded public key
func (pv *FilePV) PublicKeyID() string {
	return pv.kp.PublicKeyID()
}

// Sign signs arbitrary bytes. It applies no double-sign check; commits must
// go through SignCommit.
func (pv *FilePV) Sign(msg []byte) ([]byte, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if pv.closed {
		return nil, ErrSignerClosed
	}
	return pv.kp.Sign(msg)
}

// SignCommit signs a commit, refusing to author a second distinct commit on
// a parent that already has one from this identity. Re-signing the same
// commit returns the same id. State is persisted before the signature is
// released.
func (pv *FilePV) SignCommit(c *types.Commit) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if pv.closed {
		return ErrSignerClosed
	}
	if c.Author != pv.kp.PublicKeyID() {
		return fmt.Errorf("%w: commit author %s is not this validator", ErrInvalidKey, types.ShortID(c.Author))
	}

	id, err := c.ComputeID()
	if err != nil {
		return err
	}
	last := pv.lastSignState
	if last.CommitID != "" && last.ParentHash == c.ParentHash && last.CommitID != id {
		return fmt.Errorf("%w: already authored %s on parent %s",
			ErrDoubleSign, types.ShortID(last.CommitID), types.ShortID(c.ParentHash))
	}

	pv.lastSignState = LastSignState{ParentHash: c.ParentHash, CommitID: id}
	if err := pv.saveState(); err != nil {
		pv.lastSignState = last
		return err
	}
	return signCommit(pv.kp, c)
}

// LastSignState returns the most recent authored commit
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.lastSignState
}

// Reset resets the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

// Close wipes the in-memory private key. Further signing fails.
func (pv *FilePV) Close() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if pv.closed {
		return nil
	}
	for i := range pv.kp.priv {
		pv.kp.priv[i] = 0
	}
	pv.closed = true
	return nil
}

// writeFileAtomic writes data to path via tempfile, fsync and rename so a
// crash never leaves a truncated key or state file behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Ensure FilePV implements Signer and CommitSigner
var (
	_ Signer       = (*FilePV)(nil)
	_ CommitSigner = (*FilePV)(nil)
)
