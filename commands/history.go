package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pullsend/storage"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := storage.Open(env.dataDir)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			records, err := store.ListTransfers(limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transfers to show")
	return cmd
}

func printHistory(out io.Writer, records []storage.TransferRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no transfers yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSESSION\tDIRECTION\tPEER\tSTATUS\tTRANSFERRED\tDETAIL")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s / %s\t%s\n",
			formatTimestamp(record.StartedAt),
			shortID(record.SessionID),
			record.Direction,
			valueOrDefault(record.PeerName, record.PeerID),
			record.Status,
			formatBytes(record.BytesTransferred),
			formatBytes(record.TotalSize),
			record.Detail)
	}
	_ = w.Flush()
}
