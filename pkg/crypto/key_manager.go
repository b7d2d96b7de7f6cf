package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrKeyNotFound = errors.New("encryption key not found")

// EnvKeyPrefix names the key variables: MASTER_ENCRYPTION_KEY is version 1,
// MASTER_ENCRYPTION_KEY_V2 is version 2, and so on up to V10.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

// KeyManager holds every loaded key version. New values are sealed with the
// newest version; values sealed under older versions still open.
type KeyManager struct {
	mu      sync.RWMutex
	current int
	ciphers map[int]*Cipher
}

// NewKeyManager loads base64 keys through lookup (usually os.Getenv).
func NewKeyManager(lookup func(string) string) (*KeyManager, error) {
	km := &KeyManager{ciphers: make(map[int]*Cipher)}
	for v := 1; v <= 10; v++ {
		name := EnvKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		}
		encoded := lookup(name)
		if encoded == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key %s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		if err := km.add(key, v); err != nil {
			return nil, err
		}
	}
	return km, nil
}

// NewKeyManagerFromKeys builds a manager from raw keys by version.
func NewKeyManagerFromKeys(keys map[int][]byte) (*KeyManager, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	km := &KeyManager{ciphers: make(map[int]*Cipher)}
	for v, key := range keys {
		if err := km.add(key, v); err != nil {
			return nil, err
		}
	}
	return km, nil
}

func (km *KeyManager) add(key []byte, version int) error {
	c, err := NewCipher(key, version)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	km.ciphers[version] = c
	if version > km.current {
		km.current = version
	}
	return nil
}

// Seal encrypts plaintext for owner with the newest key.
func (km *KeyManager) Seal(owner, plaintext string) (string, error) {
	km.mu.RLock()
	c := km.ciphers[km.current]
	km.mu.RUnlock()
	if c == nil {
		return "", ErrKeyNotFound
	}
	return c.Seal(owner, plaintext)
}

// Open decrypts a value sealed for owner under any loaded key version.
func (km *KeyManager) Open(owner, sealed string) (string, error) {
	version, _, err := parseSealed(sealed)
	if err != nil {
		return "", err
	}
	km.mu.RLock()
	c := km.ciphers[version]
	km.mu.RUnlock()
	if c == nil {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return c.Open(owner, sealed)
}

// CurrentVersion returns the version used for new values.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
