package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the cached accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			accounts, err := engine.controller.Accounts()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"USERNAME", "HOME ACCOUNT ID", "REALM", "ENVIRONMENT", "TYPE"})
			for _, account := range accounts {
				t.AppendRow(table.Row{
					account.Username,
					account.HomeAccountID,
					account.Realm,
					account.Environment,
					account.AuthorityType,
				})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
			return nil
		},
	}
}
