package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatterhq/chatter/internal/protocol"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		before int64
	)
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Print stored messages exchanged with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := a.credentials()
			if err != nil {
				return err
			}
			page, err := NewAPIClient(a.server(creds)).History(cmd.Context(), creds.Token, args[0], before, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(page.Messages) == 0 {
				fmt.Fprintln(out, "No messages")
				return nil
			}
			for _, m := range page.Messages {
				printStored(out, m)
			}
			if page.Before != 0 {
				fmt.Fprintf(out, "-- older messages: chatter history %s --before %d\n", args[0], page.Before)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "number of messages to fetch")
	cmd.Flags().Int64Var(&before, "before", 0, "only messages created before this unix millisecond timestamp")
	return cmd
}

func printStored(w io.Writer, m protocol.MessagePayload) {
	at := time.UnixMilli(m.CreatedAt).Local().Format("2006-01-02 15:04:05")
	fmt.Fprintf(w, "[%s] %s: %s\n", at, m.SenderID, m.Content)
}
