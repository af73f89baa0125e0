package cmd

import (
	"fmt"

	"github.com/SharpBit/statsy/statsy"
	"github.com/spf13/cobra"
)

var (
	registerCommands bool

	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, and the admin API and webhook server if enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := statsy.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}
			if registerCommands {
				created, regErr := bot.RegisterSlashCommands()
				if regErr != nil {
					return fmt.Errorf("error registering commands: %w", regErr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %d commands\n", len(created))
			}
			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits // cobra setup
func init() {
	runCmd.Flags().BoolVar(
		&registerCommands,
		"register-commands",
		false,
		"Overwrite the bot's slash commands before starting",
	)
	rootCmd.AddCommand(runCmd)
}
