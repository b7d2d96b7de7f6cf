// Package crypto seals exchange API secrets at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Cipher seals values under one key version. Sealed values look like
// ENC[v1]:base64(nonce|ciphertext) and are bound to an owner id so a secret
// copied onto another credential row will not open.
type Cipher struct {
	aead    cipher.AEAD
	version int
}

// NewCipher creates a Cipher for a 32-byte key.
func NewCipher(key []byte, version int) (*Cipher, error) {
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
	return &Cipher{aead: aead, version: version}, nil
}

// Version is the key version stamped on sealed values.
func (c *Cipher) Version() int { return c.version }

// Seal encrypts plaintext for owner.
func (c *Cipher) Seal(owner, plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(owner))
	return fmt.Sprintf("ENC[v%d]:%s", c.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a value sealed for owner.
func (c *Cipher) Open(owner, sealed string) (string, error) {
	version, data, err := parseSealed(sealed)
	if err != nil {
		return "", err
	}
	if version != c.version {
		return "", fmt.Errorf("%w: sealed with v%d, cipher is v%d", ErrInvalidCiphertext, version, c.version)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], []byte(owner))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// parseSealed splits ENC[vN]:payload into its version and decoded payload.
func parseSealed(s string) (int, []byte, error) {
	rest, ok := strings.CutPrefix(s, "ENC[v")
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	verStr, payload, ok := strings.Cut(rest, "]:")
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(verStr)
	if err != nil || version <= 0 {
		return 0, nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return version, data, nil
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool {
	_, _, err := parseSealed(s)
	return err == nil
}
