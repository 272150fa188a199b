package cli

import (
	"github.com/spf13/cobra"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/app"
)

var migrateRules string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema and seed rules and hub tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), app.MigrateOptions{RulesPath: migrateRules}, cmd.OutOrStdout())
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateRules, "rules", "", "YAML rule file to import into the rules table")
}
