package discovery

import (
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredPeer is a receiver found on the local network.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns a dialable host:port, preferring IPv4 addresses.
func (p DiscoveredPeer) Address() string {
	port := strconv.Itoa(p.Port)
	for _, raw := range p.Addresses {
		if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(raw, port)
		}
	}
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0], port)
	}
	return net.JoinHostPort(strings.TrimSuffix(p.HostName, "."), port)
}

// parseEntry turns a pullsend service entry into a peer. Entries without a
// device id, and our own advertisement, are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if ok {
			txt[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}

	deviceID := txt[txtDeviceID]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	var addresses []string
	for _, ip := range append(slices.Clone(entry.AddrIPv4), entry.AddrIPv6...) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(entry.HostName, ".")
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func sortedPeers(peers map[string]DiscoveredPeer) []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}
	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		if c := strings.Compare(a.DeviceName, b.DeviceName); c != 0 {
			return c
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}
