package cli

import (
	"fmt"
	"os"

	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter redeploy.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s exists (use --force to overwrite)", cfgPath)
		}

		c := config.Starter()
		if err := c.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, c); err != nil {
			return err
		}

		fmt.Printf("wrote %s\n", cfgPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}
