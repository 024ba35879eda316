package commands

import (
	"bytes"
	"strings"
	"testing"

	"pullsend/discovery"
	"pullsend/storage"
)

func TestPinnedLookupReadsStore(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	defer store.Close()

	if err := store.RememberPeer(storage.KnownPeer{
		DeviceID:         "peer-1",
		DeviceName:       "Bob",
		Ed25519PublicKey: "key",
		KeyFingerprint:   "abcd1234",
	}); err != nil {
		t.Fatalf("RememberPeer() error = %v", err)
	}

	lookup := pinnedLookup(store)
	if fingerprint, ok := lookup("peer-1"); !ok || fingerprint != "abcd1234" {
		t.Fatalf("lookup(peer-1) = %q, %v", fingerprint, ok)
	}
	if _, ok := lookup("stranger"); ok {
		t.Fatalf("lookup(stranger) found a pinned key")
	}

	peer := discovery.DiscoveredPeer{DeviceID: "peer-1", KeyFingerprint: "ffff0000"}
	if got := discovery.Classify(peer, lookup); got != discovery.TrustMismatch {
		t.Fatalf("Classify() = %q, want mismatch", got)
	}
}

func TestPrintChanges(t *testing.T) {
	bob := discovery.DiscoveredPeer{DeviceID: "peer-1", DeviceName: "Bob", KeyFingerprint: "abcd1234", Port: 9999, Addresses: []string{"10.0.0.2"}}
	moved := bob
	moved.Addresses = []string{"10.0.0.7"}
	rekeyed := bob
	rekeyed.KeyFingerprint = "ffff0000"

	var out bytes.Buffer
	printChanges(&out, []discovery.Change{
		{Kind: discovery.ChangeAppeared, Peer: bob, Trust: discovery.TrustPinned},
		{Kind: discovery.ChangeMoved, Peer: moved, Previous: bob},
		{Kind: discovery.ChangeRekeyed, Peer: rekeyed, Previous: bob, Trust: discovery.TrustMismatch},
		{Kind: discovery.ChangeGone, Peer: bob, Previous: bob},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"+ Bob peer-1 10.0.0.2:9999 [pinned]",
		"~ Bob peer-1 10.0.0.2:9999 -> 10.0.0.7:9999",
		"! Bob peer-1 key ABCD 1234 -> FFFF 0000 [mismatch]",
		"- Bob peer-1",
	}
	if len(lines) != len(want) {
		t.Fatalf("unexpected output %q", out.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}
