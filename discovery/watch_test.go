package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestDiffClassifiesChanges(t *testing.T) {
	prev := map[string]DiscoveredPeer{
		"stay":  {DeviceID: "stay", DeviceName: "A", KeyFingerprint: "f1", Port: 1, Addresses: []string{"10.0.0.1"}},
		"move":  {DeviceID: "move", DeviceName: "B", KeyFingerprint: "f2", Port: 1, Addresses: []string{"10.0.0.2"}},
		"rekey": {DeviceID: "rekey", DeviceName: "C", KeyFingerprint: "f3", Port: 1, Addresses: []string{"10.0.0.3"}},
		"gone":  {DeviceID: "gone", DeviceName: "D", KeyFingerprint: "f4", Port: 1},
	}
	next := map[string]DiscoveredPeer{
		"stay":  prev["stay"],
		"move":  {DeviceID: "move", DeviceName: "B", KeyFingerprint: "f2", Port: 1, Addresses: []string{"10.0.0.9"}},
		"rekey": {DeviceID: "rekey", DeviceName: "C", KeyFingerprint: "other", Port: 2, Addresses: []string{"10.0.0.3"}},
		"new":   {DeviceID: "new", DeviceName: "E", KeyFingerprint: "f5", Port: 1},
	}

	changes := Diff(prev, next)
	got := make(map[string]ChangeKind, len(changes))
	for _, change := range changes {
		got[change.Peer.DeviceID] = change.Kind
	}
	want := map[string]ChangeKind{
		"move":  ChangeMoved,
		"rekey": ChangeRekeyed,
		"new":   ChangeAppeared,
		"gone":  ChangeGone,
	}
	if len(got) != len(want) {
		t.Fatalf("Diff() = %+v", changes)
	}
	for id, kind := range want {
		if got[id] != kind {
			t.Fatalf("change for %s = %q want %q", id, got[id], kind)
		}
	}
	if changes[len(changes)-1].Kind != ChangeGone {
		t.Fatalf("expected removals last, got %+v", changes)
	}
}

func TestDiffOfIdenticalScansIsEmpty(t *testing.T) {
	scan := map[string]DiscoveredPeer{
		"a": {DeviceID: "a", DeviceName: "A", KeyFingerprint: "f", Port: 1, Addresses: []string{"10.0.0.1"}},
	}
	if changes := Diff(scan, scan); len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestClassifyAgainstPinnedKeys(t *testing.T) {
	pinned := func(deviceID string) (string, bool) {
		if deviceID == "known" {
			return "ABCD", true
		}
		return "", false
	}
	cases := []struct {
		peer DiscoveredPeer
		want Trust
	}{
		{DiscoveredPeer{DeviceID: "known", KeyFingerprint: "abcd"}, TrustPinned},
		{DiscoveredPeer{DeviceID: "known", KeyFingerprint: "ffff"}, TrustMismatch},
		{DiscoveredPeer{DeviceID: "stranger", KeyFingerprint: "abcd"}, TrustUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.peer, pinned); got != tc.want {
			t.Fatalf("Classify(%s/%s) = %q want %q", tc.peer.DeviceID, tc.peer.KeyFingerprint, got, tc.want)
		}
	}
	if got := Classify(cases[0].peer, nil); got != TrustUnknown {
		t.Fatalf("Classify without lookup = %q", got)
	}
}

func TestWatchReportsAppearanceRekeyAndRemoval(t *testing.T) {
	var calls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 10 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			switch atomic.AddInt32(&calls, 1) {
			case 1:
				entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			case 2:
				entry := testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
				entry.Text[2] = "key_fingerprint=impostor"
				entries <- entry
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	pinned := func(deviceID string) (string, bool) {
		return "fingerprint-" + deviceID, deviceID == "peer-1"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		rounds [][]Change
	)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, cfg, pinned, func(changes []Change) {
			mu.Lock()
			defer mu.Unlock()
			rounds = append(rounds, changes)
			if len(rounds) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %+v", rounds)
	}
	first := rounds[0]
	if len(first) != 1 || first[0].Kind != ChangeAppeared || first[0].Trust != TrustPinned {
		t.Fatalf("unexpected first round %+v", first)
	}
	second := rounds[1]
	if len(second) != 1 || second[0].Kind != ChangeRekeyed || second[0].Trust != TrustMismatch {
		t.Fatalf("unexpected second round %+v", second)
	}
	if second[0].Previous.KeyFingerprint != "fingerprint-peer-1" {
		t.Fatalf("unexpected previous fingerprint %q", second[0].Previous.KeyFingerprint)
	}
	third := rounds[2]
	if len(third) != 1 || third[0].Kind != ChangeGone || third[0].Peer.DeviceID != "peer-1" {
		t.Fatalf("unexpected third round %+v", third)
	}
}

func TestWatchStopsOnBrowseFailure(t *testing.T) {
	boom := errors.New("socket closed")
	err := Watch(context.Background(), Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return boom
		},
	}, nil, func([]Change) { t.Fatalf("no changes expected") })
	if !errors.Is(err, boom) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestWatchReturnsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Watch(ctx, Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     time.Hour,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}, nil, func([]Change) { t.Fatalf("no changes expected") })
	if err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"key_fingerprint=fingerprint-" + deviceID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
