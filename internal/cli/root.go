// Package cli implements the chatter command-line client.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatterhq/chatter/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg            *config.ClientConfig
	logger         *slog.Logger
	explicitServer bool
}

// NewRootCmd builds the chatter command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "chatter",
		Short: "Terminal client for the Chatter relay",
		Long: `chatter logs in to a Chatter relay and chats with other users over a
persistent channel, with presence, typing indicators and delivery status.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	// Disable completion command
	root.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	root.PersistentFlags().StringP("server", "s", "", "relay address (default is $CHATTER_SERVER)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newHistoryCmd(a),
		newChatCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	server, _ := cmd.Flags().GetString("server")
	if server != "" {
		cfg.Server = server
	}
	a.explicitServer = server != "" || os.Getenv("CHATTER_SERVER") != ""
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = slog.LevelDebug
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return nil
}

// server returns the relay address: an explicit flag or environment value
// wins over the one recorded at login.
func (a *app) server(creds *Credentials) string {
	if a.explicitServer || creds == nil || creds.Server == "" {
		return a.cfg.Server
	}
	return creds.Server
}

// Execute runs the root command until it finishes or the process is
// interrupted. It is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
