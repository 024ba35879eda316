package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pullsend/crypto"
	"pullsend/discovery"
	"pullsend/storage"
)

func peersCmd() *cobra.Command {
	var (
		timeout time.Duration
		watch   bool
		known   bool
	)

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List receivers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if known {
				return listKnownPeers(cmd.OutOrStdout())
			}
			cfg := discovery.Config{
				SelfDeviceID: env.cfg.DeviceID,
				ScanTimeout:  timeout,
			}
			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return watchPeers(ctx, cmd.OutOrStdout(), cfg)
			}

			peers, err := discovery.Browse(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no receivers found")
				return nil
			}
			printPeers(cmd.OutOrStdout(), peers)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep browsing and report changes")
	cmd.Flags().BoolVar(&known, "known", false, "list devices whose identity keys are pinned")
	return cmd
}

func printPeers(out io.Writer, peers []discovery.DiscoveredPeer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEVICE ID\tADDRESS\tFINGERPRINT")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DeviceName, peer.DeviceID, peer.Address(), crypto.FormatFingerprint(peer.KeyFingerprint))
	}
	_ = w.Flush()
}

func listKnownPeers(out io.Writer) error {
	store, _, err := storage.Open(env.dataDir)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	peers, err := store.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(out, "no known devices")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEVICE ID\tFINGERPRINT\tLAST SEEN")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DeviceName, peer.DeviceID, crypto.FormatFingerprint(peer.KeyFingerprint), formatTimestamp(peer.LastSeen))
	}
	return w.Flush()
}

func watchPeers(ctx context.Context, out io.Writer, cfg discovery.Config) error {
	store, _, err := storage.Open(env.dataDir)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	return discovery.Watch(ctx, cfg, pinnedLookup(store), func(changes []discovery.Change) {
		printChanges(out, changes)
	})
}

// pinnedLookup reads pinned fingerprints from the peer store. Lookup errors
// are treated as an unknown device.
func pinnedLookup(store *storage.Store) discovery.PinnedLookup {
	return func(deviceID string) (string, bool) {
		peer, err := store.GetPeer(deviceID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				env.logger.Debug("lookup pinned peer", zap.String("device_id", deviceID), zap.Error(err))
			}
			return "", false
		}
		return peer.KeyFingerprint, true
	}
}

func printChanges(out io.Writer, changes []discovery.Change) {
	for _, change := range changes {
		peer := change.Peer
		switch change.Kind {
		case discovery.ChangeAppeared:
			fmt.Fprintf(out, "+ %s %s %s [%s]\n", peer.DeviceName, peer.DeviceID, peer.Address(), change.Trust)
		case discovery.ChangeMoved:
			fmt.Fprintf(out, "~ %s %s %s -> %s\n", peer.DeviceName, peer.DeviceID, change.Previous.Address(), peer.Address())
		case discovery.ChangeRekeyed:
			fmt.Fprintf(out, "! %s %s key %s -> %s [%s]\n", peer.DeviceName, peer.DeviceID,
				crypto.FormatFingerprint(change.Previous.KeyFingerprint), crypto.FormatFingerprint(peer.KeyFingerprint), change.Trust)
		case discovery.ChangeGone:
			fmt.Fprintf(out, "- %s %s\n", peer.DeviceName, peer.DeviceID)
		}
	}
}
