package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/davarch/redeploy/internal/application"

// Deps are the collaborators of a Controller. Gate, Notifier, Alerts, Cache,
// Metrics and Tracer are optional. Alerts receives runs whose rollback
// failed and falls back to Notifier.
type Deps struct {
	History     domain.History
	Checkpoints *CheckpointManager
	Health      *HealthEvaluator
	Phases      *PhaseRunner
	Rollback    *RollbackCoordinator
	Locks       domain.TargetLocker
	Gate        domain.RevisionGate
	Notifier    domain.Notifier
	Alerts      domain.Notifier
	Cache       domain.StatusCache
	Metrics     domain.Metrics
	Tracer      trace.Tracer
}

type PipelineConfig struct {
	Commands map[domain.PhaseName][]domain.Command
	Probes   []domain.Probe
	Wait     WaitOptions
	Soak     SoakOptions
}

type DeployRequest struct {
	Target    domain.Target
	Revision  string
	SkipBuild bool
	DryRun    bool
}

// Controller drives one run at a time per target through the fixed phase
// order and hands failures after Backup to the RollbackCoordinator.
type Controller struct {
	log *zap.Logger
	d   Deps
	cfg PipelineConfig
	now func() time.Time
}

func NewController(l *zap.Logger, d Deps, cfg PipelineConfig) *Controller {
	if d.Locks == nil {
		d.Locks = NewHostLocks()
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	return &Controller{log: l, d: d, cfg: cfg, now: time.Now}
}

// Run executes a deployment. It returns a nil run only when the request is
// rejected before a run exists. For every created run the returned error is
// the cause of a non-successful terminal state.
func (c *Controller) Run(ctx context.Context, req DeployRequest) (*domain.PipelineRun, error) {
	if !req.Target.Enabled {
		return nil, fmt.Errorf("%s: %w", req.Target.Name, domain.ErrTargetDisabled)
	}
	if !req.DryRun && strings.TrimSpace(req.Revision) == "" {
		return nil, errors.New("revision is required")
	}

	release, err := c.d.Locks.Acquire(req.Target.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	run := domain.NewPipelineRun(req.Target.Name, req.Revision, c.now())
	run.DryRun = req.DryRun
	run.SkipBuild = req.SkipBuild

	ctx, span := c.d.Tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("target", run.Target),
		attribute.String("revision", run.Revision),
		attribute.Bool("dry_run", run.DryRun),
	))
	defer span.End()

	log := c.log.With(zap.String("run", run.ID), zap.String("target", run.Target))
	log.Info("run started", zap.String("revision", run.Revision), zap.Bool("dry_run", run.DryRun))

	sm := newStateMachine(log)
	vars := map[string]string{
		"RUN_ID":   run.ID,
		"TARGET":   req.Target.Name,
		"HOST":     req.Target.Host,
		"WORKDIR":  req.Target.Workdir,
		"REVISION": run.Revision,
	}
	c.save(ctx, log, run)

	runErr := c.execute(ctx, log, sm, run, req, vars)

	c.finish(ctx, log, run)
	span.SetAttributes(attribute.String("state", string(run.State)))
	if run.State != domain.StateSucceeded {
		span.SetStatus(codes.Error, run.Error)
	}
	return run, runErr
}

func (c *Controller) execute(ctx context.Context, log *zap.Logger, sm *stateMachine, run *domain.PipelineRun, req DeployRequest, vars map[string]string) error {
	if c.d.Gate != nil && !req.DryRun {
		rev, err := c.d.Gate.Resolve(context.WithoutCancel(ctx), req.Revision)
		if err != nil {
			return c.failed(sm, run, fmt.Errorf("gate: %w", err))
		}
		if rev != run.Revision {
			log.Info("revision resolved", zap.String("ref", run.Revision), zap.String("revision", rev))
		}
		run.Revision = rev
		vars["REVISION"] = rev
	}

	for _, name := range domain.Phases {
		ph := run.Phase(name)
		if skipped(name, req) {
			ph.Status = domain.PhaseSkipped
			continue
		}

		if err := sm.to(phaseStates[name]); err != nil {
			return c.failed(sm, run, err)
		}

		err := c.phase(ctx, log, run, ph, vars)
		if ph.Status != domain.PhaseFail {
			continue
		}

		run.FailedPhase = name
		run.Error = err.Error()
		if name == domain.PhaseBackup {
			return c.failed(sm, run, err)
		}
		return c.rollback(ctx, log, sm, run, vars, err)
	}

	if err := sm.to(StateSucceeded); err != nil {
		return c.failed(sm, run, err)
	}
	run.State = domain.StateSucceeded
	return nil
}

// phase runs one phase and leaves its terminal result in ph. A cancellation
// observed before or after the phase turns the result into Fail.
func (c *Controller) phase(ctx context.Context, log *zap.Logger, run *domain.PipelineRun, ph *domain.PhaseResult, vars map[string]string) error {
	name := ph.Name
	ph.Status = domain.PhaseRunning
	ph.StartedAt = c.now()
	c.save(ctx, log, run)

	pctx, span := c.d.Tracer.Start(ctx, "phase "+string(name))
	defer span.End()

	var err error
	if ctx.Err() != nil {
		err = domain.ErrCancelled
		ph.Status = domain.PhaseFail
		ph.Error = err.Error()
	} else {
		switch name {
		case domain.PhaseBackup:
			err = c.backup(pctx, run, ph, vars)
		case domain.PhasePostVerify:
			err = c.verify(pctx, run, ph)
		default:
			var res domain.PhaseResult
			res, err = c.d.Phases.Run(pctx, name, c.cfg.Commands[name], vars)
			*ph = res
		}

		if ctx.Err() != nil {
			switch {
			case err == nil:
				err = domain.ErrCancelled
			case !errors.Is(err, domain.ErrCancelled):
				err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
			}
			ph.Status = domain.PhaseFail
			ph.Error = err.Error()
		}
	}

	span.SetAttributes(attribute.String("status", string(ph.Status)))
	if ph.Status == domain.PhaseFail {
		span.SetStatus(codes.Error, ph.Error)
	}

	log.Info("phase finished",
		zap.String("phase", string(name)),
		zap.String("status", string(ph.Status)),
		zap.Duration("duration", ph.Duration),
	)
	c.d.Metrics.PhaseFinished(run.Target, *ph)
	c.save(ctx, log, run)
	return err
}

func (c *Controller) backup(ctx context.Context, run *domain.PipelineRun, ph *domain.PhaseResult, vars map[string]string) error {
	start := c.now()
	defer func() { ph.Duration = c.now().Sub(start) }()

	fail := func(err error) error {
		ph.Status = domain.PhaseFail
		ph.Error = err.Error()
		return err
	}

	code, err := c.d.Checkpoints.Create(ctx, run, domain.KindCode, vars)
	if err != nil {
		return fail(err)
	}
	run.CheckpointID = code.ID
	vars["CHECKPOINT_ID"] = code.ID
	vars["CHECKPOINT_REVISION"] = code.Revision
	ph.OutputExcerpt = fmt.Sprintf("code checkpoint %s at %s", code.ID, code.Revision)

	if !run.DryRun && c.d.Checkpoints.DataEnabled() {
		data, err := c.d.Checkpoints.Create(ctx, run, domain.KindData, vars)
		if err != nil {
			return fail(err)
		}
		run.DataCheckpointID = data.ID
		ph.OutputExcerpt += fmt.Sprintf("\ndata checkpoint %s at %s", data.ID, data.Location)
	}

	ph.Status = domain.PhaseOk
	return nil
}

func (c *Controller) verify(ctx context.Context, run *domain.PipelineRun, ph *domain.PhaseResult) error {
	start := c.now()
	defer func() { ph.Duration = c.now().Sub(start) }()

	report := c.d.Health.WaitHealthy(ctx, c.cfg.Probes, c.cfg.Wait)
	if report.Verdict == domain.VerdictPass && c.cfg.Soak.Enabled() {
		soaked, ok := c.d.Health.Soak(ctx, c.cfg.Probes, c.cfg.Soak)
		if soaked.Probes != nil {
			report = soaked
		}
		if !ok && report.Verdict == domain.VerdictPass && ctx.Err() == nil {
			report.Verdict = domain.VerdictFail
		}
	}

	run.Health = &report
	c.d.Metrics.HealthScored(run.Target, report)
	ph.OutputExcerpt = fmt.Sprintf("score %.2f threshold %.2f verdict %s after %d attempt(s)",
		report.WeightedScore, report.Threshold, report.Verdict, report.Attempts)

	if report.Verdict != domain.VerdictPass {
		err := &domain.VerificationFailure{Report: report}
		ph.Status = domain.PhaseFail
		ph.Error = err.Error()
		return err
	}
	ph.Status = domain.PhaseOk
	return nil
}

func (c *Controller) rollback(ctx context.Context, log *zap.Logger, sm *stateMachine, run *domain.PipelineRun, vars map[string]string, cause error) error {
	if err := sm.to(StateRollingBack); err != nil {
		return c.failed(sm, run, err)
	}
	c.save(ctx, log, run)

	rctx, span := c.d.Tracer.Start(ctx, "rollback")
	rec := c.d.Rollback.Rollback(rctx, run, vars)
	span.SetAttributes(attribute.String("status", string(rec.Status)), attribute.String("checkpoint", rec.CheckpointID))
	span.End()

	run.Rollback = &rec
	if rec.Status == domain.RollbackOK {
		_ = sm.to(StateRolledBack)
		run.State = domain.StateRolledBack
		return cause
	}

	_ = sm.to(StateFailed)
	run.State = domain.StateFailed
	return fmt.Errorf("%w; rollback %s: %s", cause, rec.Status, rec.Error)
}

func (c *Controller) failed(sm *stateMachine, run *domain.PipelineRun, err error) error {
	_ = sm.to(StateFailed)
	run.State = domain.StateFailed
	if run.Error == "" {
		run.Error = err.Error()
	}
	return err
}

func (c *Controller) finish(ctx context.Context, log *zap.Logger, run *domain.PipelineRun) {
	ctx = context.WithoutCancel(ctx)
	run.EndedAt = c.now()
	c.save(ctx, log, run)
	c.d.Metrics.RunFinished(*run)

	code := domain.ExitCode(run)
	log.Info("run finished",
		zap.String("state", string(run.State)),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", run.EndedAt.Sub(run.StartedAt)),
	)

	if c.d.Cache != nil {
		_ = c.d.Cache.Write(ctx, domain.StatusSnapshot{Run: *run, ExitCode: code, Retrieved: run.EndedAt.Unix()})
	}
	n := c.d.Notifier
	if run.Rollback != nil && run.State != domain.StateRolledBack && c.d.Alerts != nil {
		n = c.d.Alerts
	}
	if n != nil {
		_ = n.Notify(ctx, titleFor(run), bodyFor(run), "")
	}
}

func (c *Controller) save(ctx context.Context, log *zap.Logger, run *domain.PipelineRun) {
	if err := c.d.History.SaveRun(context.WithoutCancel(ctx), *run); err != nil {
		log.Error("persist run", zap.Error(err))
	}
}

func skipped(name domain.PhaseName, req DeployRequest) bool {
	if req.DryRun {
		return name != domain.PhaseBackup && name != domain.PhasePreVerify
	}
	return req.SkipBuild && name == domain.PhaseBuild
}

func titleFor(run *domain.PipelineRun) string {
	switch {
	case run.State == domain.StateSucceeded:
		return "✅ deploy: succeeded"
	case run.State == domain.StateRolledBack:
		return "↩️ deploy: rolled back"
	case run.Rollback != nil:
		return "🔥 deploy: rollback failed"
	default:
		return "❌ deploy: failed"
	}
}

func bodyFor(run *domain.PipelineRun) string {
	b := run.Target + " @ " + run.Revision
	if run.FailedPhase != "" {
		b += " (" + string(run.FailedPhase) + " failed)"
	}
	return b
}

type noopMetrics struct{}

func (noopMetrics) PhaseFinished(string, domain.PhaseResult) {}
func (noopMetrics) HealthScored(string, domain.HealthReport) {}
func (noopMetrics) RunFinished(domain.PipelineRun)           {}
