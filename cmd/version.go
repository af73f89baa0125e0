package cmd

import (
	"fmt"

	"github.com/SharpBit/statsy/statsy"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			statsy.Version,
			statsy.CommitSHA,
			statsy.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(versionCmd)
}
