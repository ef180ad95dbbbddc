package cmd

import (
	"fmt"
	"log"

	"github.com/aserec/itemdesk/itemdesk"
	"github.com/spf13/cobra"
)

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Registers the bot's slash commands with Discord",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := itemdesk.New(cfg)
		if err != nil {
			log.Fatalf("error creating itemdesk: %s", err.Error())
		}

		created, err := bot.RegisterCommands(cmd.Context())
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		for _, c := range created {
			fmt.Fprintf(out, "registered: /%s\n", c.Name)
		}
	},
}

func init() {
	rootCmd.AddCommand(registerCommandsCmd)
}
