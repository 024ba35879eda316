package storage

import (
	"errors"
	"testing"
)

func TestRememberPeerPinsKey(t *testing.T) {
	store := newTestStore(t)
	addr := "192.168.1.5:7350"

	peer := KnownPeer{
		DeviceID:         "device-a",
		DeviceName:       "Laptop",
		Ed25519PublicKey: "key-1",
		KeyFingerprint:   "fp-1",
		LastAddress:      &addr,
	}
	if err := store.RememberPeer(peer); err != nil {
		t.Fatalf("RememberPeer failed: %v", err)
	}

	peer.DeviceName = "Renamed Laptop"
	peer.LastAddress = nil
	if err := store.RememberPeer(peer); err != nil {
		t.Fatalf("RememberPeer refresh failed: %v", err)
	}

	got, err := store.GetPeer("device-a")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DeviceName != "Renamed Laptop" {
		t.Fatalf("device name = %q", got.DeviceName)
	}
	if got.LastAddress == nil || *got.LastAddress != addr {
		t.Fatalf("last address lost: %v", got.LastAddress)
	}

	peer.Ed25519PublicKey = "key-2"
	if err := store.RememberPeer(peer); !errors.Is(err, ErrPeerKeyChanged) {
		t.Fatalf("RememberPeer with new key err = %v, want ErrPeerKeyChanged", err)
	}
}

func TestForgetPeer(t *testing.T) {
	store := newTestStore(t)
	if err := store.RememberPeer(KnownPeer{DeviceID: "d", DeviceName: "D", Ed25519PublicKey: "k", KeyFingerprint: "f"}); err != nil {
		t.Fatalf("RememberPeer failed: %v", err)
	}
	peers, err := store.ListPeers()
	if err != nil || len(peers) != 1 {
		t.Fatalf("ListPeers = %v, %v", peers, err)
	}
	if err := store.ForgetPeer("d"); err != nil {
		t.Fatalf("ForgetPeer failed: %v", err)
	}
	if _, err := store.GetPeer("d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPeer after forget err = %v", err)
	}
	if err := store.ForgetPeer("d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second ForgetPeer err = %v", err)
	}
}
