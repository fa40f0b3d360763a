package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [legacy-cache-file]",
		Short: "Translate a legacy token cache into the current schema",
		Long: `Translate a legacy single-blob token cache into the current record
schema and save the translated entries.

The legacy file is a JSON object mapping cache keys to legacy token
records. Entries that cannot be translated are reported and skipped; the
pass is best-effort and idempotent. A completed pass switches migration off
for the rest of the process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var doc map[string]json.RawMessage
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("unparsable legacy cache document: %w", err)
			}
			rawEntries := make(map[string]string, len(doc))
			for key, raw := range doc {
				rawEntries[key] = string(raw)
			}

			result, err := engine.controller.MigrateLegacy(rawEntries)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d entries, skipped %d\n", len(result.Migrated), len(result.Skipped))
			for _, skip := range result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "  skipped %s: %s\n", skip.Key, skip.Reason)
			}
			return nil
		},
	}
}
