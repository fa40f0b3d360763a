package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"authcore/internal/controller"
)

var (
	tokenAccount string
	tokenScopes  []string
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an access token for an account, acquiring it silently",
		Long: `Print an access token for the given account.

The token is served from the cache when fresh, refreshed through the broker
or the refresh-token grant otherwise. Exits with code 2 when no credential
can be obtained without interaction; run "authcore login" first in that
case.`,
		RunE: runToken,
	}

	cmd.Flags().StringVar(&tokenAccount, "account", "", "home account id (required)")
	cmd.Flags().StringSliceVar(&tokenScopes, "scopes", nil, "override the configured scopes")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	engine, err := buildEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	scopes := engine.cfg.Client.Scopes
	if len(tokenScopes) > 0 {
		scopes = tokenScopes
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	spin.Suffix = " acquiring token..."
	spin.Start()

	result, err := engine.controller.AcquireTokenSilent(cmd.Context(), controller.SilentParams{
		HomeAccountID: tokenAccount,
		ClientID:      engine.cfg.Client.ClientID,
		Scopes:        scopes,
	})
	spin.Stop()
	if err != nil {
		return err
	}

	// The oauth2 interop shape carries token type and expiry alongside the
	// raw token.
	token := result.OAuth2Token()
	if token == nil {
		return fmt.Errorf("acquisition produced no access token")
	}
	fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
	return nil
}
