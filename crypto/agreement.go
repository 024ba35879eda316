package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const connectionKeyInfo = "pullsend connection key v1"

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKey creates a one-off X25519 key for a single handshake.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 ephemeral key: %w", err)
	}
	return privateKey, nil
}

// DeriveConnectionKey runs X25519 against the peer's ephemeral public key and
// expands the shared secret with HKDF-SHA256. Both sides must pass the
// transcript in the same order to agree on the key.
func DeriveConnectionKey(local *ecdh.PrivateKey, peerPublic []byte, transcript ...[]byte) ([]byte, error) {
	publicKey, err := x25519Curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	shared, err := local.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	var salt []byte
	for _, part := range transcript {
		salt = append(salt, part...)
	}

	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(connectionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("expand connection key: %w", err)
	}
	return key, nil
}
