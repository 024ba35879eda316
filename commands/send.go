package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pullsend/network"
)

func sendCmd() *cobra.Command {
	var chunkSize int

	cmd := &cobra.Command{
		Use:   "send <address|device> <path|s3://bucket/key>...",
		Short: "Offer files to a receiver and serve them until it finishes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if chunkSize > 0 {
				env.cfg.Transfer.ChunkSize = chunkSize
			}
			return runSend(ctx, cmd.OutOrStdout(), args[0], args[1:])
		},
	}

	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in bytes (default from config)")
	return cmd
}

func runSend(ctx context.Context, out io.Writer, target string, paths []string) error {
	printer := newEventPrinter(out)
	n, err := openNode(env, nodeOptions{events: printer.handle})
	if err != nil {
		return err
	}
	defer n.close()

	sources, err := n.locations.sources(paths)
	if err != nil {
		return err
	}
	files, err := n.manager.Prepare(ctx, sources...)
	if err != nil {
		return err
	}

	address, err := n.resolveTarget(ctx, target)
	if err != nil {
		return err
	}
	conn, err := network.Dial(ctx, address, n.handshake)
	if err != nil {
		return err
	}
	n.track(conn)

	peer := conn.Peer()
	printer.printf("connected to %q (%s), offering %d file(s)\n", peer.DeviceName, peer.Fingerprint, len(files))
	session, err := n.manager.StartSend(ctx, conn, files)
	if err != nil {
		return err
	}
	env.logger.Debug("send session started", zap.String("session_id", session.ID()))

	result, err := session.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.manager.Cancel(cancelCtx, session.ID()); err != nil {
			env.logger.Debug("cancel send session", zap.Error(err))
		}
		result, err = session.Wait(cancelCtx)
	}
	if err != nil {
		return fmt.Errorf("wait for transfer: %w", err)
	}
	return result.Err()
}
