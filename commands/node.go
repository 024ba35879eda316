package commands

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pullsend/config"
	"pullsend/discovery"
	"pullsend/metrics"
	"pullsend/network"
	"pullsend/protocol"
	"pullsend/storage"
	"pullsend/transfer"
)

// node wires the transfer engine to history, metrics and the network.
type node struct {
	env       *environment
	store     *storage.Store
	metrics   *metrics.Collector
	locations *locations
	manager   *transfer.Manager
	handshake network.HandshakeOptions

	mu    sync.Mutex
	conns map[*network.PeerConnection]struct{}
}

type nodeOptions struct {
	saveDir    string
	autoAccept bool
	events     func(transfer.Event)
}

func openNode(e *environment, opts nodeOptions) (*node, error) {
	store, _, err := storage.Open(e.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	n := &node{
		env:       e,
		store:     store,
		metrics:   metrics.New(prometheus.NewRegistry()),
		locations: newLocations(filepath.Join(e.dataDir, "staging")),
	}

	transferOpts := transferOptions(e.cfg.Transfer, e.logger)
	if opts.saveDir != "" {
		transferOpts.SaveDir = opts.saveDir
	}
	transferOpts.DeviceName = e.cfg.DeviceName
	transferOpts.OpenSink = n.locations.sink
	transferOpts.History = store
	transferOpts.Metrics = n.metrics
	transferOpts.Events = opts.events
	if opts.autoAccept {
		transferOpts.AutoAccept = func(transfer.Proposal) (bool, string) { return true, "" }
	}
	n.manager = transfer.NewManager(transferOpts)

	n.handshake = network.HandshakeOptions{
		Identity: network.LocalIdentity{
			DeviceID:   e.cfg.DeviceID,
			DeviceName: e.cfg.DeviceName,
			Keys:       e.identity,
		},
		VerifyPeer:        n.verifyPeer,
		Handler:           n.handle,
		Logger:            e.logger.Named("network"),
		ConnectionTimeout: e.cfg.Transfer.RequestTimeout(),
	}
	return n, nil
}

func transferOptions(cfg config.TransferConfig, logger *zap.Logger) transfer.Options {
	return transfer.Options{
		Logger:      logger.Named("transfer"),
		SaveDir:     cfg.SaveDirectory,
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		Retry: transfer.RetryPolicy{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.RetryInitialDelay(),
			MaxDelay:     cfg.RetryMaxDelay(),
		},
		RequestTimeout: cfg.RequestTimeout(),
		OfferTimeout:   cfg.OfferTimeout(),
	}
}

func (n *node) handle(ctx context.Context, conn *network.PeerConnection, msg protocol.Message) protocol.Message {
	return n.manager.HandleRequest(ctx, conn, msg)
}

// verifyPeer pins the identity key of every device on first contact.
func (n *node) verifyPeer(peer network.PeerInfo) error {
	known := storage.KnownPeer{
		DeviceID:         peer.DeviceID,
		DeviceName:       peer.DeviceName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(peer.PublicKey),
		KeyFingerprint:   peer.Fingerprint,
	}
	if peer.Address != "" {
		address := peer.Address
		known.LastAddress = &address
	}
	if err := n.store.RememberPeer(known); err != nil {
		if errors.Is(err, storage.ErrPeerKeyChanged) {
			n.env.logger.Warn("peer presented a different identity key",
				zap.String("peer_id", peer.DeviceID),
				zap.String("fingerprint", peer.Fingerprint))
		}
		return err
	}
	return nil
}

// serveMetrics exposes the collectors until ctx ends. An empty address
// disables the endpoint.
func (n *node) serveMetrics(ctx context.Context, address string) error {
	if address == "" {
		return nil
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.env.logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	n.env.logger.Info("serving metrics", zap.String("address", listener.Addr().String()))
	return nil
}

// resolveTarget accepts host:port, or a device id or name found by browsing.
func (n *node) resolveTarget(ctx context.Context, target string) (string, error) {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	peers, err := discovery.Browse(ctx, discovery.Config{SelfDeviceID: n.env.cfg.DeviceID})
	if err != nil {
		return "", fmt.Errorf("look up %q: %w", target, err)
	}
	for _, peer := range peers {
		if peer.DeviceID == target || peer.DeviceName == target {
			return peer.Address(), nil
		}
	}
	return "", fmt.Errorf("no receiver named %q found on the local network", target)
}

// track keeps conn open until close.
func (n *node) track(conn *network.PeerConnection) {
	n.mu.Lock()
	if n.conns == nil {
		n.conns = make(map[*network.PeerConnection]struct{})
	}
	n.conns[conn] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-conn.Done()
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
	}()
}

func (n *node) openConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// close stops every session while the peers can still be told, then drops
// the connections and the history store.
func (n *node) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.manager.Close(ctx); err != nil {
		n.env.logger.Warn("close transfer manager", zap.Error(err))
	}

	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for conn := range conns {
		_ = conn.Disconnect()
	}
	if err := n.store.Close(); err != nil {
		n.env.logger.Warn("close history", zap.Error(err))
	}
}
