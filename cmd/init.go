package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and document storage directory",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal(
				"Environment variable ITEMDESK_DATABASE_TYPE not set " +
					"(must be one of: sqlite, postgres)",
			)
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable ITEMDESK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		_, err := itemdesk.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cfg.DatabaseSlowThreshold,
			cfg.DatabaseLogLevel,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		if err = os.MkdirAll(
			filepath.Join(cfg.DataDir, "projects"), 0o755,
		); err != nil {
			log.Fatalf("Error creating data directory: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
