package cmd

import (
	"log"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the ItemDesk bot and API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := itemdesk.New(cfg)
		if err != nil {
			log.Fatalf("error creating itemdesk: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running itemdesk: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
