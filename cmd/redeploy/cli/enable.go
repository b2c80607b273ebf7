package cli

import (
	"fmt"

	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <target>",
	Short: "Allow deploys to a target in redeploy.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
	ValidArgsFunction: completeTargetArg,
}

func init() {
	rootCmd.AddCommand(enableCmd)
}

func setEnabled(name string, enabled bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	t, ok := cfg.Target(name)
	if !ok {
		return fmt.Errorf("target %q not found", name)
	}

	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	if t.Enabled == enabled {
		fmt.Printf("no change (target %q already %s)\n", name, verb)
		return nil
	}
	t.Enabled = enabled

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", verb, name)
	return nil
}

func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Targets))
	for _, name := range cfg.TargetNames() {
		if toComplete == "" || startsWith(name, toComplete) {
			out = append(out, name)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}

func completeTargetArg(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return completeTargets(cmd, args, toComplete)
}

func startsWith(s, pref string) bool {
	if len(pref) > len(s) {
		return false
	}

	return s[:len(pref)] == pref
}
