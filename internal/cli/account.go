package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Log in and store a channel token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := NewAPIClient(a.cfg.Server).Login(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			creds := &Credentials{
				Server:    a.cfg.Server,
				Token:     resp.Token,
				ExpiresAt: resp.ExpiresAt,
				Identity:  resp.Identity,
			}
			if err := SaveCredentials(a.cfg.CredentialsPath, creds); err != nil {
				return err
			}
			a.logger.Debug("Credentials stored", "path", a.cfg.CredentialsPath, "user_id", resp.Identity.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (token valid until %s)\n",
				resp.Identity.DisplayName(), resp.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := os.Remove(a.cfg.CredentialsPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove credentials: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity bound to the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := a.credentials()
			if err != nil {
				return err
			}
			ident, err := NewAPIClient(a.server(creds)).Me(cmd.Context(), creds.Token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", ident.DisplayName(), ident.ID)
			return nil
		},
	}
}

// credentials loads the stored login and rejects expired tokens.
func (a *app) credentials() (*Credentials, error) {
	creds, err := LoadCredentials(a.cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}
	if creds.Expired(time.Now()) {
		return nil, fmt.Errorf("token for %s expired at %s, run `chatter login` again",
			creds.Identity.ID, creds.ExpiresAt.Local().Format(time.RFC1123))
	}
	return creds, nil
}
