package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SessionKeySize is the size of a per-session chunk key.
	SessionKeySize = chacha20poly1305.KeySize
	// ChunkNonceSize is the size of a derived chunk nonce (192 bits).
	ChunkNonceSize = chacha20poly1305.NonceSizeX
	// ChunkOverhead is the authentication tag length appended to every chunk.
	ChunkOverhead = chacha20poly1305.Overhead

	// chunkNonceContext keys the nonce hash so it cannot collide with any
	// other derivation in the system.
	chunkNonceContext = "pullsend chunk nonce v1"
)

// ErrChunkAuthentication indicates a chunk failed tag verification.
var ErrChunkAuthentication = errors.New("crypto: chunk authentication failed")

// GenerateSessionKey draws a fresh 256-bit session key from the OS random source.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// DeriveChunkNonce maps a chunk address to its nonce. The result depends only
// on its inputs, so concurrent and repeated encryptions need no coordination.
func DeriveChunkNonce(sessionID string, fileID uint32, chunkIndex uint64) [ChunkNonceSize]byte {
	h, err := blake2b.New(ChunkNonceSize, []byte(chunkNonceContext))
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	_, _ = h.Write(chunkAddress(sessionID, fileID, chunkIndex))

	var nonce [ChunkNonceSize]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}

// ChunkCipher encrypts and decrypts chunks of one session. It holds no
// mutable state and is safe for concurrent use.
type ChunkCipher struct {
	aead cipher.AEAD
}

// NewChunkCipher builds an XChaCha20-Poly1305 cipher over a session key.
func NewChunkCipher(key []byte) (*ChunkCipher, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(key), SessionKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	return &ChunkCipher{aead: aead}, nil
}

// EncryptChunk seals plaintext for the given chunk address. An empty plaintext
// yields a tag-only ciphertext.
func (c *ChunkCipher) EncryptChunk(sessionID string, fileID uint32, chunkIndex uint64, plaintext []byte) []byte {
	nonce := DeriveChunkNonce(sessionID, fileID, chunkIndex)
	ad := chunkAddress(sessionID, fileID, chunkIndex)
	return c.aead.Seal(make([]byte, 0, len(plaintext)+ChunkOverhead), nonce[:], plaintext, ad)
}

// DecryptChunk opens a ciphertext for the given chunk address. No plaintext
// is returned unless the tag verifies.
func (c *ChunkCipher) DecryptChunk(sessionID string, fileID uint32, chunkIndex uint64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < ChunkOverhead {
		return nil, ErrChunkAuthentication
	}
	nonce := DeriveChunkNonce(sessionID, fileID, chunkIndex)
	ad := chunkAddress(sessionID, fileID, chunkIndex)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrChunkAuthentication
	}
	return plaintext, nil
}

// chunkAddress is the length-prefixed concatenation of the addressing fields.
func chunkAddress(sessionID string, fileID uint32, chunkIndex uint64) []byte {
	buf := make([]byte, 0, 4+len(sessionID)+4+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sessionID)))
	buf = append(buf, sessionID...)
	buf = binary.BigEndian.AppendUint32(buf, fileID)
	buf = binary.BigEndian.AppendUint64(buf, chunkIndex)
	return buf
}
