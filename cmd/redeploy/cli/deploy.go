package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/redeploy/internal/application"
	"github.com/davarch/redeploy/internal/domain"
	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/davarch/redeploy/internal/infrastructure/logging"
	"github.com/davarch/redeploy/internal/infrastructure/tracing"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deployTarget       string
	deployRevision     string
	deploySkipBuild    bool
	deployDryRun       bool
	deployProbeTimeout int
	deployThreshold    float64
	deployJSON         bool
	deployTraceFile    string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a revision to a target with checkpoint and rollback",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("threshold") {
			if err := config.ValidateThreshold(deployThreshold); err != nil {
				return err
			}
			cfg.Health.Threshold = deployThreshold
		}
		if cmd.Flags().Changed("probe-timeout") {
			if deployProbeTimeout <= 0 {
				return fmt.Errorf("--probe-timeout must be positive")
			}
			cfg.Health.ProbeTimeout = time.Duration(deployProbeTimeout) * time.Second
		}

		t, ok := cfg.Target(deployTarget)
		if !ok {
			return fmt.Errorf("target %q: %w", deployTarget, domain.ErrNotFound)
		}

		if cfg.CancelFile != "" {
			if _, err := os.Stat(cfg.CancelFile); err == nil {
				return fmt.Errorf("deploys paused: %s exists", cfg.CancelFile)
			}
		}

		shutdown, err := tracing.Setup(deployTraceFile, version)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		watchCancelFile(ctx, cfg.CancelFile, log, cancel)

		st, err := openStack(log, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctrl, err := st.controller(ctx, *t)
		if err != nil {
			return err
		}

		log.Info("deploy",
			zap.String("version", version),
			zap.String("target", t.Name),
			zap.String("revision", deployRevision),
			zap.Bool("dry_run", deployDryRun),
			zap.Float64("threshold", cfg.Health.Threshold),
		)

		run, runErr := ctrl.Run(ctx, application.DeployRequest{
			Target:    t.Domain(),
			Revision:  deployRevision,
			SkipBuild: deploySkipBuild,
			DryRun:    deployDryRun,
		})
		if run == nil {
			return runErr
		}

		if cfg.Metrics.Textfile != "" {
			if err := st.metrics.Flush(cfg.Metrics.Textfile); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
		}

		if deployJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
		} else {
			renderSummary(os.Stdout, run, isTerminal(os.Stdout))
		}

		if code := domain.ExitCode(run); code != 0 {
			if runErr != nil {
				log.Debug("run finished", zap.Error(runErr))
			}
			return exitError{code: code}
		}
		return nil
	},
}

func init() {
	f := deployCmd.Flags()
	f.StringVarP(&deployTarget, "target", "t", "", "target name from redeploy.yaml")
	f.StringVarP(&deployRevision, "revision", "r", "", "revision or ref to deploy")
	f.BoolVar(&deploySkipBuild, "skip-build", false, "skip the build phase")
	f.BoolVar(&deployDryRun, "dry-run", false, "checkpoint and pre-verify only")
	f.IntVar(&deployProbeTimeout, "probe-timeout", 0, "per-probe timeout in seconds")
	f.Float64Var(&deployThreshold, "threshold", 0, "health score threshold in [0,1]")
	f.BoolVar(&deployJSON, "json", false, "print the run as JSON")
	f.StringVar(&deployTraceFile, "trace-file", "", "append OpenTelemetry spans to this file")
	_ = deployCmd.MarkFlagRequired("target")

	_ = deployCmd.RegisterFlagCompletionFunc("target", completeTargets)

	rootCmd.AddCommand(deployCmd)
}

// watchCancelFile calls cancel once the file at path is created. The watcher
// stops with ctx.
func watchCancelFile(ctx context.Context, path string, log *zap.Logger, cancel context.CancelFunc) {
	if path == "" {
		return
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}
	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					log.Warn("cancel file created, stopping run", zap.String("path", path))
					cancel()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					continue
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
