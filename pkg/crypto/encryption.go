// Package crypto seals broker secrets at rest with versioned AES-256-GCM keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// VersionPrefix is the prefix for encrypted data
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens values under one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor. Key must be 32 bytes.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Seal returns ENC[vN]:base64(nonce+ciphertext). aad binds the ciphertext to
// its owner (e.g. "alpaca|user-1"); the same aad must be given to Open.
func (e *Encryptor) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, aad)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(ciphertext string, aad []byte) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return nil, ErrInvalidCiphertext
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:ns], data[ns:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt seals a string with no associated data.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	return e.Seal([]byte(plaintext), nil)
}

// Decrypt opens a string sealed by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	b, err := e.Open(ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (e *Encryptor) Version() int { return e.version }

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
