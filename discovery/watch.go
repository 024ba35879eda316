package discovery

import (
	"context"
	"slices"
	"strings"
	"time"
)

// ChangeKind classifies how a receiver differs between two scans.
type ChangeKind string

const (
	ChangeAppeared ChangeKind = "appeared"
	ChangeMoved    ChangeKind = "moved"
	ChangeRekeyed  ChangeKind = "rekeyed"
	ChangeGone     ChangeKind = "gone"
)

// Trust is how an advertised key fingerprint compares to the pinned one.
type Trust string

const (
	TrustUnknown  Trust = "unknown"
	TrustPinned   Trust = "pinned"
	TrustMismatch Trust = "mismatch"
)

// PinnedLookup returns the pinned key fingerprint for a device id.
type PinnedLookup func(deviceID string) (fingerprint string, ok bool)

// Change is one receiver's difference from the previous scan. Previous is
// zero for ChangeAppeared.
type Change struct {
	Kind     ChangeKind
	Peer     DiscoveredPeer
	Previous DiscoveredPeer
	Trust    Trust
}

// Diff compares two scans keyed by device id. Changes are ordered by device
// name. A fingerprint change wins over an address change.
func Diff(prev, next map[string]DiscoveredPeer) []Change {
	var changes []Change
	for _, peer := range sortedPeers(next) {
		old, ok := prev[peer.DeviceID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeAppeared, Peer: peer})
		case old.KeyFingerprint != peer.KeyFingerprint:
			changes = append(changes, Change{Kind: ChangeRekeyed, Peer: peer, Previous: old})
		case old.Port != peer.Port || old.DeviceName != peer.DeviceName || !slices.Equal(old.Addresses, peer.Addresses):
			changes = append(changes, Change{Kind: ChangeMoved, Peer: peer, Previous: old})
		}
	}
	for _, peer := range sortedPeers(prev) {
		if _, ok := next[peer.DeviceID]; !ok {
			changes = append(changes, Change{Kind: ChangeGone, Peer: peer, Previous: peer})
		}
	}
	return changes
}

// Classify compares the advertised fingerprint with the pinned one.
func Classify(peer DiscoveredPeer, pinned PinnedLookup) Trust {
	if pinned == nil {
		return TrustUnknown
	}
	fingerprint, ok := pinned(peer.DeviceID)
	if !ok {
		return TrustUnknown
	}
	if strings.EqualFold(fingerprint, peer.KeyFingerprint) {
		return TrustPinned
	}
	return TrustMismatch
}

// Watch scans every RefreshInterval until ctx ends and hands each scan's
// changes to fn. Scans with no changes are not reported. A browse failure
// ends the watch.
func Watch(ctx context.Context, config Config, pinned PinnedLookup, fn func([]Change)) error {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	current := map[string]DiscoveredPeer{}
	for {
		scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
		next, err := collect(scanCtx, browse, cfg)
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		changes := Diff(current, next)
		for i := range changes {
			if changes[i].Kind != ChangeGone {
				changes[i].Trust = Classify(changes[i].Peer, pinned)
			}
		}
		current = next
		if len(changes) > 0 {
			fn(changes)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
