package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// ErrFrameAuthentication indicates a sealed frame failed verification.
var ErrFrameAuthentication = errors.New("crypto: frame authentication failed")

// FrameCipher seals transport frames with AES-256-GCM under a connection key.
// Each frame carries its own random IV as a prefix.
type FrameCipher struct {
	aead cipher.AEAD
}

// NewFrameCipher builds a frame cipher from a 32-byte connection key.
func NewFrameCipher(key []byte) (*FrameCipher, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid connection key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &FrameCipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns IV || ciphertext.
func (c *FrameCipher) Seal(plaintext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Open reverses Seal.
func (c *FrameCipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, ErrFrameAuthentication
	}
	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ErrFrameAuthentication
	}
	return plaintext, nil
}
