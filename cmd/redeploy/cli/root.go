package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "redeploy",
	Short:         "Checkpointed deployments with health-scored rollback",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command whose outcome was
// already reported.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}

	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "redeploy.yaml", "path to redeploy.yaml")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	comp := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(os.Stdout)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}

	rootCmd.AddCommand(comp)
}
