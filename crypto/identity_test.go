package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ed25519_private.pem")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() second call error = %v", err)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatalf("identity changed between loads")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(path, []byte("not a pem"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadIdentity(path); err == nil {
		t.Fatalf("expected error for garbage key file")
	}
}

func TestSignAndVerify(t *testing.T) {
	identity, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "id.pem"))
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}

	sig, err := identity.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !Verify(identity.PublicKey, []byte("hello"), sig) {
		t.Fatalf("valid signature did not verify")
	}
	if Verify(identity.PublicKey, []byte("hellO"), sig) {
		t.Fatalf("signature verified for different data")
	}
	if Verify(identity.PublicKey[:10], []byte("hello"), sig) {
		t.Fatalf("signature verified with truncated key")
	}
	if _, err := identity.Sign(nil); err == nil {
		t.Fatalf("expected error when signing empty data")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcdef0123456789")
	if got != "ABCD EF01 2345 6789" {
		t.Fatalf("FormatFingerprint() = %q", got)
	}
	if len(Fingerprint(make([]byte, 32))) != 32 {
		t.Fatalf("fingerprint should be 32 hex chars")
	}
}
