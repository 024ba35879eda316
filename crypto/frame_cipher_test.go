package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestFrameCipherRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	c, err := NewFrameCipher(key)
	if err != nil {
		t.Fatalf("NewFrameCipher() error = %v", err)
	}

	sealedA, err := c.Seal([]byte("frame body"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	sealedB, err := c.Seal([]byte("frame body"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(sealedA, sealedB) {
		t.Fatalf("sealing the same frame twice produced identical output")
	}

	opened, err := c.Open(sealedA)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != "frame body" {
		t.Fatalf("Open() = %q", opened)
	}

	sealedA[len(sealedA)-1] ^= 0xFF
	if _, err := c.Open(sealedA); !errors.Is(err, ErrFrameAuthentication) {
		t.Fatalf("tampered Open() error = %v", err)
	}
	if _, err := c.Open([]byte{1, 2, 3}); !errors.Is(err, ErrFrameAuthentication) {
		t.Fatalf("short Open() error = %v", err)
	}
}

func TestNewFrameCipherRejectsBadKey(t *testing.T) {
	if _, err := NewFrameCipher(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestDeriveConnectionKeyAgrees(t *testing.T) {
	a, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey() error = %v", err)
	}
	b, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("GenerateEphemeralKey() error = %v", err)
	}

	transcript := [][]byte{[]byte("nonce-a"), []byte("nonce-b")}
	keyA, err := DeriveConnectionKey(a, b.PublicKey().Bytes(), transcript...)
	if err != nil {
		t.Fatalf("DeriveConnectionKey(a) error = %v", err)
	}
	keyB, err := DeriveConnectionKey(b, a.PublicKey().Bytes(), transcript...)
	if err != nil {
		t.Fatalf("DeriveConnectionKey(b) error = %v", err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("derived keys differ")
	}

	other, err := DeriveConnectionKey(a, b.PublicKey().Bytes(), []byte("different"))
	if err != nil {
		t.Fatalf("DeriveConnectionKey() error = %v", err)
	}
	if bytes.Equal(other, keyA) {
		t.Fatalf("transcript did not affect derived key")
	}

	if _, err := DeriveConnectionKey(a, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for malformed peer key")
	}
}
