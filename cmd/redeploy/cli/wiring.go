package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/davarch/redeploy/internal/application"
	"github.com/davarch/redeploy/internal/domain"
	"github.com/davarch/redeploy/internal/infrastructure/cache_fs"
	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/davarch/redeploy/internal/infrastructure/gitlab_http"
	"github.com/davarch/redeploy/internal/infrastructure/history_badger"
	"github.com/davarch/redeploy/internal/infrastructure/lock_fs"
	"github.com/davarch/redeploy/internal/infrastructure/metrics_prom"
	"github.com/davarch/redeploy/internal/infrastructure/notify_libnotify"
	"github.com/davarch/redeploy/internal/infrastructure/remote_local"
	"github.com/davarch/redeploy/internal/infrastructure/remote_ssh"
	"github.com/davarch/redeploy/internal/infrastructure/secrets_env"
	"go.uber.org/zap"
)

// stack holds the process-wide adapters. Close releases them in reverse
// order of acquisition.
type stack struct {
	log     *zap.Logger
	cfg     config.Config
	history *history_badger.Store
	secrets *secrets_env.Provider
	metrics *metrics_prom.Recorder
	closers []io.Closer
}

func openStack(log *zap.Logger, cfg config.Config) (*stack, error) {
	h, err := history_badger.Open(history_badger.Config{Path: cfg.History.Path, SyncWrites: true, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &stack{
		log:     log,
		cfg:     cfg,
		history: h,
		secrets: secrets_env.New(),
		metrics: metrics_prom.New(),
		closers: []io.Closer{h},
	}, nil
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Warn("close", zap.Error(err))
		}
	}
	s.secrets.Purge()
}

func (s *stack) executor(ctx context.Context, t config.Target) (domain.Executor, error) {
	switch t.Transport {
	case "local":
		return remote_local.New(s.log, t.Workdir), nil
	case "ssh":
		auth, err := remote_ssh.Auth(ctx, s.secrets, s.cfg.SSH.IdentitySecret, s.cfg.SSH.PasswordSecret)
		if err != nil {
			return nil, err
		}
		hk, err := remote_ssh.HostKeys(s.cfg.SSH.KnownHosts, s.cfg.SSH.InsecureIgnoreHostKey)
		if err != nil {
			return nil, err
		}
		c := remote_ssh.New(s.log, remote_ssh.Config{
			Host:            t.Host,
			Port:            t.Port,
			User:            t.User,
			Workdir:         t.Workdir,
			Auth:            auth,
			HostKeyCallback: hk,
			DialTimeout:     s.cfg.SSH.DialTimeout,
		})
		s.closers = append(s.closers, c)
		return c, nil
	}
	return nil, fmt.Errorf("target %q: unknown transport %q", t.Name, t.Transport)
}

func (s *stack) gate(ctx context.Context) (domain.RevisionGate, error) {
	if !s.cfg.GitLab.Enabled {
		return nil, nil
	}
	var token string
	if s.cfg.GitLab.TokenSecret != "" {
		b, err := s.secrets.Secret(ctx, s.cfg.GitLab.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("gitlab token: %w", err)
		}
		token = string(b)
	}
	return gitlab_http.New(s.cfg.GitLab.BaseURL, token, s.cfg.GitLab.ProjectID, s.cfg.GitLab.Timeout), nil
}

func (s *stack) checkpoints(exec domain.Executor) *application.CheckpointManager {
	c := s.cfg.Checkpoint
	return application.NewCheckpointManager(s.log, exec, s.history, application.CheckpointCommands{
		Revision:    c.Revision.Domain(),
		Label:       c.Label.Domain(),
		Checkout:    c.Checkout.Domain(),
		DataDump:    c.DataDump.Domain(),
		DataRestore: c.DataRestore.Domain(),
		DataPrune:   c.DataPrune.Domain(),
		DumpDir:     c.DumpDir,
		Timeout:     c.Timeout,
	})
}

func (s *stack) retention() application.RetentionPolicy {
	return application.RetentionPolicy{Keep: s.cfg.Checkpoint.Keep, MaxAge: s.cfg.Checkpoint.MaxAge}
}

// controller assembles the pipeline for one target.
func (s *stack) controller(ctx context.Context, t config.Target) (*application.Controller, error) {
	exec, err := s.executor(ctx, t)
	if err != nil {
		return nil, err
	}
	gate, err := s.gate(ctx)
	if err != nil {
		return nil, err
	}

	h := s.cfg.Health
	probes := h.DomainProbes()
	wait := application.WaitOptions{
		Deadline:        h.Deadline,
		InitialInterval: h.InitialInterval,
		MaxInterval:     h.MaxInterval,
	}

	ckpts := s.checkpoints(exec)
	health := application.NewHealthEvaluator(s.log, exec, application.HealthOptions{
		Threshold:     h.Threshold,
		Parallelism:   h.Parallelism,
		ProbeTimeout:  h.ProbeTimeout,
		Retries:       h.Retries,
		RetryInterval: h.RetryInterval,
	})
	phases := application.NewPhaseRunner(s.log, exec, s.cfg.Phases.CommandTimeout)
	rb := application.NewRollbackCoordinator(s.log, ckpts, phases, health, application.RollbackOptions{
		Activate:    s.cfg.Phases.ActivateCommands(),
		Probes:      probes,
		Wait:        wait,
		RestoreData: s.cfg.Rollback.RestoreData,
	})

	d := application.Deps{
		History:     s.history,
		Checkpoints: ckpts,
		Health:      health,
		Phases:      phases,
		Rollback:    rb,
		Locks:       lock_fs.New(s.cfg.Lock.Dir),
		Cache:       cache_fs.New(s.cfg.Status.Path),
		Gate:        gate,
		Metrics:     s.metrics,
	}
	if s.cfg.Notify.Enabled {
		n := notify_libnotify.NewSoft()
		d.Notifier = n
		d.Alerts = n.With(notify_libnotify.Options{Urgency: "critical"})
	}

	return application.NewController(s.log, d, application.PipelineConfig{
		Commands: s.cfg.Phases.Commands(),
		Probes:   probes,
		Wait:     wait,
		Soak:     application.SoakOptions{Duration: h.Soak, Interval: h.SoakInterval},
	}), nil
}
