package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	stateKeyName = "state.key"
	stateKeySize = 32 // SQLCipher raw key
)

var errNoStateKey = errors.New("state key does not exist")

// stateKey is the SQLCipher key of the state database. It lives beside the
// database, hex-encoded the way PRAGMA key takes a raw key, so a user can
// open state.db with the sqlcipher shell.
type stateKey struct {
	path string
}

func newStateKey(dataDir string) stateKey {
	return stateKey{path: filepath.Join(dataDir, stateKeyName)}
}

func (k stateKey) load() ([]byte, error) {
	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil, errNoStateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode state key: %w", err)
	}
	if len(key) != stateKeySize {
		return nil, fmt.Errorf("invalid state key size: got %d, want %d", len(key), stateKeySize)
	}
	return key, nil
}

// store writes key 0600 through a temp file, so a crash never leaves a
// truncated key next to a database encrypted with the old one.
func (k stateKey) store(key []byte) error {
	if len(key) != stateKeySize {
		return fmt.Errorf("invalid state key size: got %d, want %d", len(key), stateKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("failed to write state key: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write state key: %w", err)
	}
	return nil
}

// ensure returns the stored key. A missing key is generated; an
// unreadable one is an error, never silently replaced, since the database
// may still need it.
func (k stateKey) ensure() ([]byte, error) {
	key, err := k.load()
	if !errors.Is(err, errNoStateKey) {
		return key, err
	}
	if key, err = newKeyBytes(); err != nil {
		return nil, err
	}
	if err := k.store(key); err != nil {
		return nil, err
	}
	return key, nil
}

func newKeyBytes() ([]byte, error) {
	key := make([]byte, stateKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate state key: %w", err)
	}
	return key, nil
}
