package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/davarch/redeploy/internal/infrastructure/logging"
	"github.com/spf13/cobra"
)

var (
	historyTarget string
	historyLimit  int
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run_id]",
	Short: "List recorded runs, or show one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		st, err := openStack(log, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()

		if len(args) == 1 {
			run, err := st.history.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if historyJSON {
				return printJSON(run)
			}
			renderSummary(os.Stdout, &run, isTerminal(os.Stdout))
			return nil
		}

		runs, err := st.history.ListRuns(ctx, historyTarget, historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(runs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "RUN\tTARGET\tREVISION\tSTARTED\tSTATE\tEXIT\tFAILED_PHASE\tSCORE")
		for i := range runs {
			r := &runs[i]
			score := "-"
			if r.Health != nil {
				score = fmt.Sprintf("%.2f", r.Health.WeightedScore)
			}
			state := string(r.State)
			if r.DryRun {
				state += " (dry)"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.Target, orDash(r.Revision), r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				state, domain.ExitCode(r), orDash(string(r.FailedPhase)), score)
		}
		return w.Flush()
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	historyCmd.Flags().StringVarP(&historyTarget, "target", "t", "", "only runs of this target")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	_ = historyCmd.RegisterFlagCompletionFunc("target", completeTargets)

	rootCmd.AddCommand(historyCmd)
}
