// Package discovery advertises and finds pullsend receivers on the local
// network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_pullsend._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the pause between Watch scans.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	txtDeviceID       = "device_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID   string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) resolveBrowse() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Advertisement is a registered mDNS record for a listening receiver.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the local receiver under the pullsend service.
func Advertise(config Config) (*Advertisement, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtDeviceID + "=" + cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtKeyFingerprint + "=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertisement{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertisement) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse runs one scan bounded by ScanTimeout (or ctx) and returns the
// receivers found, one entry per device id, never including SelfDeviceID.
func Browse(ctx context.Context, config Config) ([]DiscoveredPeer, error) {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found, err := collect(scanCtx, browse, cfg)
	if err != nil {
		return nil, err
	}
	return sortedPeers(found), nil
}

// collect browses until ctx ends and de-duplicates entries by device id.
func collect(ctx context.Context, browse browseFunc, cfg Config) (map[string]DiscoveredPeer, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				found[peer.DeviceID] = peer
			}
		}
	}(entries)

	err := browse(ctx, cfg.Service, cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-ctx.Done()
	<-collectorDone
	return found, nil
}
