package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of generated per-device salts
const SaltSize = 16

// Params are the argon2id parameters used to derive the vault key
type Params struct {
	Lanes     uint8
	MemoryKiB uint32
	Time      uint32
	KeyLength uint32
}

// DefaultParams favour unlock latency on POS terminals
func DefaultParams() Params {
	return Params{Lanes: 2, MemoryKiB: 4096, Time: 2, KeyLength: 32}
}

// Validate rejects parameters argon2 or XChaCha20-Poly1305 cannot use
func (p Params) Validate() error {
	if p.Lanes == 0 {
		return errors.New("argon2 lanes must be at least 1")
	}
	if p.Time == 0 {
		return errors.New("argon2 time must be at least 1")
	}
	if p.MemoryKiB < 8*uint32(p.Lanes) {
		return fmt.Errorf("argon2 memory must be at least %d KiB for %d lanes", 8*uint32(p.Lanes), p.Lanes)
	}
	if p.KeyLength != 32 {
		return fmt.Errorf("argon2 key length must be 32 bytes, got %d", p.KeyLength)
	}
	return nil
}

// DeriveKey runs argon2id over password and salt
func DeriveKey(password, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Lanes, p.KeyLength)
}

// LoadOrCreateSalt reads the salt stored at path, generating and persisting
// a random one on first use. The new salt is written to a temporary file and
// hard-linked into place, so a concurrent caller either loses the link and
// reads the winner's complete file or sees no file at all.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := readSalt(path)
	if !errors.Is(err, os.ErrNotExist) {
		return salt, err
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".salt-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create salt file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(salt); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync salt file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return nil, fmt.Errorf("failed to set salt permissions: %w", err)
	}

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return readSalt(path)
		}
		return nil, fmt.Errorf("failed to install salt file: %w", err)
	}
	return salt, nil
}

func readSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt file %s is truncated (%d bytes)", path, len(salt))
	}
	return salt, nil
}
