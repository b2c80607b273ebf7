package application

import (
	"context"
	"errors"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
)

type RollbackOptions struct {
	Activate    []domain.Command
	Probes      []domain.Probe
	Wait        WaitOptions
	RestoreData bool
}

// RollbackCoordinator returns a target to the last known-good checkpoint,
// reactivates it and re-verifies health.
type RollbackCoordinator struct {
	log    *zap.Logger
	ckpts  *CheckpointManager
	phases *PhaseRunner
	health *HealthEvaluator
	opts   RollbackOptions
	now    func() time.Time
}

func NewRollbackCoordinator(l *zap.Logger, ckpts *CheckpointManager, phases *PhaseRunner, health *HealthEvaluator, opts RollbackOptions) *RollbackCoordinator {
	return &RollbackCoordinator{log: l, ckpts: ckpts, phases: phases, health: health, opts: opts, now: time.Now}
}

// Rollback always runs to completion; cancellation of ctx is ignored.
func (c *RollbackCoordinator) Rollback(ctx context.Context, run *domain.PipelineRun, vars map[string]string) domain.RollbackRecord {
	ctx = context.WithoutCancel(ctx)
	rec := domain.RollbackRecord{StartedAt: c.now()}
	log := c.log.With(zap.String("run", run.ID), zap.String("target", run.Target))

	fail := func(err error) domain.RollbackRecord {
		rec.Status = domain.RollbackFailed
		rec.Error = err.Error()
		rec.EndedAt = c.now()
		log.Error("rollback failed", zap.Error(err))
		return rec
	}

	ckpt, err := c.ckpts.Latest(ctx, run.Target, domain.KindCode, run.ID)
	if err != nil {
		var re *domain.RestoreError
		if !errors.As(err, &re) {
			err = &domain.RestoreError{Err: err}
		}
		return fail(err)
	}
	rec.CheckpointID = ckpt.ID
	rec.Revision = ckpt.Revision
	log.Info("rolling back", zap.String("checkpoint", ckpt.ID), zap.String("revision", ckpt.Revision))

	if err := c.ckpts.Restore(ctx, ckpt, vars); err != nil {
		return fail(err)
	}

	if c.opts.RestoreData && run.DataCheckpointID != "" {
		data := domain.Checkpoint{ID: run.DataCheckpointID, Kind: domain.KindData}
		if stored, err := c.ckpts.store.GetCheckpoint(ctx, run.DataCheckpointID); err == nil {
			data = stored
		}
		if err := c.ckpts.Restore(ctx, data, vars); err != nil {
			return fail(err)
		}
	}

	rvars := withVars(vars, "REVISION", ckpt.Revision, "CHECKPOINT_ID", ckpt.ID)
	act, err := c.phases.Run(ctx, domain.PhaseActivate, c.opts.Activate, rvars)
	rec.Activation = &act
	if err != nil {
		return fail(err)
	}

	report := c.health.WaitHealthy(ctx, c.opts.Probes, c.opts.Wait)
	rec.Health = &report
	rec.EndedAt = c.now()

	if report.Verdict != domain.VerdictPass {
		rec.Status = domain.RollbackUnverified
		rec.Error = (&domain.VerificationFailure{Report: report}).Error()
		log.Error("rollback unverified", zap.Float64("score", report.WeightedScore))
		return rec
	}

	rec.Status = domain.RollbackOK
	log.Info("rolled back", zap.String("checkpoint", ckpt.ID), zap.Float64("score", report.WeightedScore))
	return rec
}
