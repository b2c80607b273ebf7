package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/davarch/redeploy/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ckptTarget string
	ckptKind   string
	ckptJSON   bool
	pruneKeep  int
	pruneAge   time.Duration
)

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"ckpt"},
	Short:   "Inspect and prune checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
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

		kind := domain.CheckpointKind(ckptKind)
		switch kind {
		case "", domain.KindCode, domain.KindData:
		default:
			return fmt.Errorf("unknown kind %q", ckptKind)
		}

		list, err := st.history.ListCheckpoints(cmd.Context(), ckptTarget, kind)
		if err != nil {
			return err
		}
		if ckptJSON {
			return printJSON(list)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tTARGET\tKIND\tREVISION\tCREATED\tRUN\tLOCATION")
		for _, c := range list {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Target, c.Kind, orDash(c.Revision),
				c.CreatedAt.Local().Format("2006-01-02 15:04:05"), c.RunID, orDash(c.Location))
		}
		return w.Flush()
	},
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete checkpoints outside the retention policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		t, ok := cfg.Target(ckptTarget)
		if !ok {
			return fmt.Errorf("target %q: %w", ckptTarget, domain.ErrNotFound)
		}

		st, err := openStack(log, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		policy := st.retention()
		if cmd.Flags().Changed("keep") {
			policy.Keep = pruneKeep
		}
		if cmd.Flags().Changed("max-age") {
			policy.MaxAge = pruneAge
		}
		if policy.Keep < 0 {
			return fmt.Errorf("--keep must not be negative")
		}

		exec, err := st.executor(cmd.Context(), *t)
		if err != nil {
			return err
		}
		vars := map[string]string{"TARGET": t.Name, "HOST": t.Host, "WORKDIR": t.Workdir}

		removed, err := st.checkpoints(exec).Prune(cmd.Context(), t.Name, policy, vars)
		for _, c := range removed {
			fmt.Printf("pruned: %s (%s %s)\n", c.ID, c.Kind, orDash(c.Revision))
		}
		if err != nil {
			return err
		}
		log.Info("prune done", zap.String("target", t.Name), zap.Int("removed", len(removed)))
		return nil
	},
}

func init() {
	checkpointsCmd.PersistentFlags().StringVarP(&ckptTarget, "target", "t", "", "target name")
	_ = checkpointsCmd.RegisterFlagCompletionFunc("target", completeTargets)

	checkpointsListCmd.Flags().StringVar(&ckptKind, "kind", "", "code or data")
	checkpointsListCmd.Flags().BoolVar(&ckptJSON, "json", false, "print JSON")

	checkpointsPruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "checkpoints to keep per kind")
	checkpointsPruneCmd.Flags().DurationVar(&pruneAge, "max-age", 0, "delete checkpoints older than this")
	_ = checkpointsPruneCmd.MarkFlagRequired("target")

	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsPruneCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
