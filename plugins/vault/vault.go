// Package vault is the encrypted secret store capability.
//
// Secrets are grouped by client and key and held in memory while the vault
// is unlocked. Save seals a msgpack snapshot with XChaCha20-Poly1305 under a
// key derived from the password with argon2id. The file layout is
//
//	"PDV1" | nonce (24 bytes) | ciphertext+tag
//
// with the magic bound as additional authenticated data.
package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"posdesk/host"
)

var (
	ErrLocked          = host.NewKindError("locked", "vault is locked")
	ErrInvalidPassword = host.NewKindError("invalid_password", "invalid vault password")
	ErrNotFound        = host.NewKindError("not_found", "secret not found")
	ErrCorrupt         = host.NewKindError("corrupt", "vault file is corrupt")
)

var fileMagic = []byte("PDV1")

const snapshotVersion = 1

type snapshot struct {
	Version int                          `msgpack:"version"`
	Clients map[string]map[string][]byte `msgpack:"clients"`
}

// Options configures a Vault
type Options struct {
	Path   string
	Salt   []byte
	Params Params
}

// Status describes the vault without revealing contents
type Status struct {
	Unlocked bool     `json:"unlocked"`
	Exists   bool     `json:"exists"`
	Dirty    bool     `json:"dirty"`
	Clients  []string `json:"clients,omitempty"`
}

// Vault is safe for concurrent use
type Vault struct {
	path   string
	salt   []byte
	params Params
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	key   []byte
	data  *snapshot
	dirty bool
}

// New creates a locked vault backed by opts.Path
func New(opts Options, logger *zap.SugaredLogger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Path == "" {
		return nil, errors.New("vault path cannot be empty")
	}
	if len(opts.Salt) < SaltSize {
		return nil, fmt.Errorf("vault salt must be at least %d bytes", SaltSize)
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	return &Vault{
		path:   opts.Path,
		salt:   append([]byte(nil), opts.Salt...),
		params: opts.Params,
		logger: logger,
	}, nil
}

// Unlock derives the key and decrypts the vault file. When no file exists
// yet the password initializes a new, empty vault.
func (v *Vault) Unlock(password string) error {
	if password == "" {
		return ErrInvalidPassword
	}
	key := DeriveKey([]byte(password), v.salt, v.params)

	data, err := v.readFile(key)
	if err != nil {
		wipe(key)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	wipe(v.key)
	v.key = key
	v.data = data
	v.dirty = false
	v.logger.Infow("Vault unlocked", "clients", len(data.Clients))
	return nil
}

func (v *Vault) readFile(key []byte) (*snapshot, error) {
	raw, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return &snapshot{Version: snapshotVersion, Clients: map[string]map[string][]byte{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	plaintext, err := open(key, raw)
	if err != nil {
		return nil, err
	}

	var data snapshot
	if err := msgpack.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	wipe(plaintext)
	if data.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorrupt, data.Version)
	}
	if data.Clients == nil {
		data.Clients = map[string]map[string][]byte{}
	}
	return &data, nil
}

// Lock persists pending changes and forgets the key. When the save fails
// the vault stays unlocked with its changes pending.
func (v *Vault) Lock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil
	}
	if v.dirty {
		if err := v.saveLocked(); err != nil {
			v.logger.Errorw("Vault lock aborted, pending changes could not be saved",
				"path", v.path,
				"error", err)
			return fmt.Errorf("vault not locked: %w", err)
		}
	}
	wipe(v.key)
	v.key = nil
	v.data = nil
	v.dirty = false
	v.logger.Info("Vault locked")
	return nil
}

// Status reports lock state and client names
func (v *Vault) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, statErr := os.Stat(v.path)
	st := Status{Unlocked: v.key != nil, Exists: statErr == nil, Dirty: v.dirty}
	if v.data != nil {
		for client := range v.data.Clients {
			st.Clients = append(st.Clients, client)
		}
		sort.Strings(st.Clients)
	}
	return st
}

// Insert stores value under (client, key) in memory. Call Save to persist.
func (v *Vault) Insert(client, key string, value []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	records, ok := v.data.Clients[client]
	if !ok {
		records = map[string][]byte{}
		v.data.Clients[client] = records
	}
	records[key] = append([]byte(nil), value...)
	v.dirty = true
	return nil
}

// Get returns a copy of the secret at (client, key)
func (v *Vault) Get(client, key string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	value, ok := v.data.Clients[client][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Remove deletes (client, key) and reports whether it existed
func (v *Vault) Remove(client, key string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return false, ErrLocked
	}
	records, ok := v.data.Clients[client]
	if !ok {
		return false, nil
	}
	if _, ok := records[key]; !ok {
		return false, nil
	}
	delete(records, key)
	if len(records) == 0 {
		delete(v.data.Clients, client)
	}
	v.dirty = true
	return true, nil
}

// Save seals the snapshot and atomically replaces the vault file
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	return v.saveLocked()
}

func (v *Vault) saveLocked() error {
	plaintext, err := msgpack.Marshal(v.data)
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}
	sealed, err := seal(v.key, plaintext)
	wipe(plaintext)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("failed to create vault temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set vault permissions: %w", err)
	}
	if err := os.Rename(tmpName, v.path); err != nil {
		return fmt.Errorf("failed to replace vault: %w", err)
	}

	v.dirty = false
	v.logger.Debugw("Vault saved", "path", v.path, "clients", len(v.data.Clients))
	return nil
}

// Close locks the vault, saving pending changes
func (v *Vault) Close() error {
	return v.Lock()
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(fileMagic)+chacha20poly1305.NonceSizeX, len(fileMagic)+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	copy(out, fileMagic)
	nonce := out[len(fileMagic):]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, fileMagic), nil
}

func open(key, sealed []byte) ([]byte, error) {
	header := len(fileMagic) + chacha20poly1305.NonceSizeX
	if len(sealed) < header+chacha20poly1305.Overhead || !bytes.Equal(sealed[:len(fileMagic)], fileMagic) {
		return nil, ErrCorrupt
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, sealed[len(fileMagic):header], sealed[header:], fileMagic)
	if err != nil {
		// authentication failure: wrong key or tampered file are indistinguishable
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
