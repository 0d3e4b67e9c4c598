package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultKeyEnv is the env var holding the version 1 master key.
const DefaultKeyEnv = "MASTER_ENCRYPTION_KEY"

const maxKeyVersion = 10

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// KeyManager holds every loaded key version and seals with the newest.
// Old versions stay loaded so rows written before a rotation still open.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads PREFIX (v1, required) and PREFIX_V2..PREFIX_V10 from the
// environment. An empty prefix means DefaultKeyEnv.
func NewKeyManager(prefix string) (*KeyManager, error) {
	if prefix == "" {
		prefix = DefaultKeyEnv
	}
	keys := map[int]string{}
	if v := os.Getenv(prefix); v != "" {
		keys[1] = v
	}
	for v := 2; v <= maxKeyVersion; v++ {
		if k := os.Getenv(fmt.Sprintf("%s_V%d", prefix, v)); k != "" {
			keys[v] = k
		}
	}
	if _, ok := keys[1]; !ok {
		return nil, fmt.Errorf("load primary key %s: %w", prefix, ErrKeyNotFound)
	}
	return NewKeyManagerFromKeys(keys)
}

// NewKeyManagerFromKeys builds a manager from base64 keys indexed by version.
func NewKeyManagerFromKeys(keys map[int]string) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	for version, b64 := range keys {
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", version, err)
		}
		enc, err := NewEncryptor(key, version)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", version, err)
		}
		km.encryptors[version] = enc
		if version > km.currentVer {
			km.currentVer = version
		}
	}
	if km.currentVer == 0 {
		return nil, ErrKeyNotFound
	}
	return km, nil
}

func (km *KeyManager) current() (*Encryptor, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return nil, ErrKeyNotLoaded
	}
	return enc, nil
}

func (km *KeyManager) forCiphertext(ciphertext string) (*Encryptor, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[version]
	if !ok {
		return nil, fmt.Errorf("key version %d not available", version)
	}
	return enc, nil
}

// SealJSON marshals v and seals it with the current key.
func (km *KeyManager) SealJSON(v any, aad string) (string, error) {
	enc, err := km.current()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal secret: %w", err)
	}
	return enc.Seal(b, []byte(aad))
}

// OpenJSON opens ciphertext with the version it names and unmarshals into v.
func (km *KeyManager) OpenJSON(ciphertext, aad string, v any) error {
	enc, err := km.forCiphertext(ciphertext)
	if err != nil {
		return err
	}
	b, err := enc.Open(ciphertext, []byte(aad))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal secret: %w", err)
	}
	return nil
}

// NeedsRotation reports whether ciphertext was sealed with an older key.
func (km *KeyManager) NeedsRotation(ciphertext string) bool {
	return ParseVersion(ciphertext) != km.CurrentVersion()
}

// CurrentVersion returns the version new values are sealed with.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
