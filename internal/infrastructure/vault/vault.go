// Package vault seals account secrets at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the master key length in bytes
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes
	NonceSize = 12
)

var (
	// ErrInvalidConfiguration is returned for a master key of the wrong length
	ErrInvalidConfiguration = errors.New("vault: invalid master key")
	// ErrDecryptionFailed is returned for malformed, tampered or foreign ciphertext
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

// Vault encrypts and decrypts strings with a single master key.
// It holds no mutable state and is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a raw 32-byte key
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidConfiguration, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	return &Vault{aead: aead}, nil
}

// NewFromHex creates a vault from a hex-encoded key
func NewFromHex(keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex", ErrInvalidConfiguration)
	}
	return New(key)
}

// GenerateKey returns a fresh random master key, hex-encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt returns base64(nonce || ciphertext || tag) under a fresh random nonce
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure yields ErrDecryptionFailed.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed encoding", ErrDecryptionFailed)
	}
	if len(raw) < NonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := v.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// EncryptMap encrypts every value of secrets
func (v *Vault) EncryptMap(secrets map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(secrets))
	for name, value := range secrets {
		sealed, err := v.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// DecryptMap decrypts every value of secrets, failing on the first bad entry
func (v *Vault) DecryptMap(secrets map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(secrets))
	for name, value := range secrets {
		plain, err := v.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}
