package cli

import (
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable <target>",
	Short: "Freeze a target: deploys are refused until it is enabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
	ValidArgsFunction: completeTargetArg,
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
