// Package cryptox derives per-user cache keys and seals payloads before they
// reach durable storage. Keys are stable across sessions and token
// refreshes: they depend only on the user identifier and a random per-user
// salt generated once and persisted unencrypted alongside the cache.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"vouchersync/internal/common"
)

const (
	saltSize  = 32
	nonceSize = 12
)

// KeyStore derives stable 256-bit keys, persisting one salt file per user
// under its directory.
type KeyStore struct {
	dir string
}

// NewKeyStore returns a key store rooted at dir, creating it if needed.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store dir %s: %w", dir, err)
	}
	return &KeyStore{dir: dir}, nil
}

// DeriveKey returns the user's symmetric cache key. The first call for a
// user generates and persists a random salt; later calls reuse it, so the
// key never changes for that user.
func (ks *KeyStore) DeriveKey(userID string) ([]byte, error) {
	salt, err := ks.loadOrCreateSalt(userID)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(userID), salt, 1, 64*1024, 4, 32), nil
}

func (ks *KeyStore) loadOrCreateSalt(userID string) ([]byte, error) {
	// The salt file name must not leak the raw user id.
	sum := sha256.Sum256([]byte(userID))
	path := filepath.Join(ks.dir, hex.EncodeToString(sum[:8])+".salt")

	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// Encrypt serializes v to JSON and seals it with AES-GCM under key. A fresh
// random nonce is generated per call and prepended to the ciphertext, so the
// returned blob is self-contained.
func Encrypt(v any, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt and unmarshals the plaintext JSON
// into v. Any failure (wrong key, truncated blob, tampering) is reported as
// common.ErrDecryptFailed: callers must treat it as a cache miss and evict
// the entry. A decryption failure usually means the cache belongs to a
// different user, and treating it as "absent" avoids leaking data across
// users while still allowing a graceful re-fetch.
func Decrypt(blob, key []byte, v any) error {
	if len(blob) < nonceSize {
		return fmt.Errorf("%w: blob too short", common.ErrDecryptFailed)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryptFailed, err)
	}

	plaintext, err := aesgcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryptFailed, err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryptFailed, err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
