package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pullsend/config"
	"pullsend/discovery"
	"pullsend/network"
	"pullsend/transfer"
)

func receiveCmd() *cobra.Command {
	var (
		saveTo      string
		autoAccept  bool
		listen      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Listen for incoming transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if listen == "" {
				listen = defaultListenAddress(env.cfg)
			}
			if metricsAddr == "" {
				metricsAddr = env.cfg.Transfer.MetricsAddress
			}
			return runReceive(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), receiveOptions{
				saveTo:      saveTo,
				autoAccept:  autoAccept,
				listen:      listen,
				metricsAddr: metricsAddr,
			})
		},
	}

	cmd.Flags().StringVar(&saveTo, "save-to", "", "destination directory or s3://bucket/prefix")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every offer without prompting")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

type receiveOptions struct {
	saveTo      string
	autoAccept  bool
	listen      string
	metricsAddr string
}

func defaultListenAddress(cfg *config.DeviceConfig) string {
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		return fmt.Sprintf(":%d", cfg.ListeningPort)
	}
	return ":0"
}

func runReceive(ctx context.Context, in io.Reader, out io.Writer, opts receiveOptions) error {
	printer := newEventPrinter(out)
	n, err := openNode(env, nodeOptions{
		saveDir:    opts.saveTo,
		autoAccept: opts.autoAccept,
		events:     printer.handle,
	})
	if err != nil {
		return err
	}
	defer n.close()
	printer.reject = n.manager.Reject

	if err := n.serveMetrics(ctx, opts.metricsAddr); err != nil {
		return err
	}

	server, err := network.Listen(opts.listen, n.handshake)
	if err != nil {
		return err
	}
	defer server.Close()

	port := 0
	if addr, ok := server.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	ad, err := discovery.Advertise(discovery.Config{
		SelfDeviceID:   env.cfg.DeviceID,
		DeviceName:     env.cfg.DeviceName,
		ListeningPort:  port,
		KeyFingerprint: env.cfg.KeyFingerprint,
	})
	if err != nil {
		env.logger.Warn("mDNS advertisement unavailable", zap.Error(err))
	} else {
		defer ad.Stop()
	}

	printer.printf("receiving as %q on %s\n", env.cfg.DeviceName, server.Addr())
	if !opts.autoAccept {
		go promptOffers(ctx, in, printer, n.manager)
	}

	for {
		select {
		case <-ctx.Done():
			printer.printf("shutting down\n")
			return nil
		case conn := <-server.Incoming():
			peer := conn.Peer()
			env.logger.Info("peer connected",
				zap.String("peer_id", peer.DeviceID),
				zap.String("peer_name", peer.DeviceName),
				zap.String("address", peer.Address))
			n.track(conn)
			env.logger.Debug("tracking connections", zap.Int("open", n.openConnections()))
		case err := <-server.Errors():
			env.logger.Warn("inbound connection failed", zap.Error(err))
		}
	}
}

// promptOffers asks on in for a decision on each offer, one at a time.
func promptOffers(ctx context.Context, in io.Reader, printer *eventPrinter, manager *transfer.Manager) {
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case proposal := <-printer.offers:
			printer.printf("%saccept? [y/N] ", describeProposal(proposal))
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				_ = manager.Reject(proposal.SessionID, "declined")
				return
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			if answer == "y" || answer == "yes" {
				if err := manager.Accept(proposal.SessionID, ""); err != nil {
					printer.printf("accept %s: %v\n", shortID(proposal.SessionID), err)
				}
				continue
			}
			_ = manager.Reject(proposal.SessionID, "declined")
		}
	}
}
