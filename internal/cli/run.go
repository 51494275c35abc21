package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var onceAnnounce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring loop in-process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Evaluate a single tick, for cron or CI schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		announce := onceAnnounce || os.Getenv("GITHUB_EVENT_NAME") == "workflow_dispatch"
		return getApp().Once(cmd.Context(), announce)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the stored alert state for the configured pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowState(cmd.Context())
	},
}

var migrateDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), migrateDir)
	},
}

func init() {
	onceCmd.Flags().BoolVar(&onceAnnounce, "announce", false, "Send the one-time started notification before the tick")
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "", "Migrations directory (defaults to database.migrations_path)")
}
