package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutAccount string

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove an account and its cached credentials",
		Long: `Remove the account's records from the cache, cascading to every
credential across all realms. When a broker is configured the broker-held
copies are wiped as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.controller.RemoveAccount(cmd.Context(), logoutAccount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", logoutAccount)
			return nil
		},
	}

	cmd.Flags().StringVar(&logoutAccount, "account", "", "home account id (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
