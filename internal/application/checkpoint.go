package application

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// CheckpointCommands are the remote commands behind checkpoint creation and
// restore. DumpDir is a path on the target host.
type CheckpointCommands struct {
	Revision    domain.Command
	Label       domain.Command
	Checkout    domain.Command
	DataDump    domain.Command
	DataRestore domain.Command
	DataPrune   domain.Command
	DumpDir     string
	Timeout     time.Duration
}

type RetentionPolicy struct {
	Keep   int
	MaxAge time.Duration
}

type CheckpointManager struct {
	log   *zap.Logger
	exec  domain.Executor
	store domain.History
	cmds  CheckpointCommands
	now   func() time.Time
}

func NewCheckpointManager(l *zap.Logger, exec domain.Executor, store domain.History, cmds CheckpointCommands) *CheckpointManager {
	if cmds.Timeout <= 0 {
		cmds.Timeout = 5 * time.Minute
	}
	if cmds.DumpDir == "" {
		cmds.DumpDir = ".redeploy/dumps"
	}
	return &CheckpointManager{log: l, exec: exec, store: store, cmds: cmds, now: time.Now}
}

func (m *CheckpointManager) DataEnabled() bool { return !m.cmds.DataDump.IsZero() }

// Create captures the target's current state and stores it as a new,
// immutable checkpoint owned by run.
func (m *CheckpointManager) Create(ctx context.Context, run *domain.PipelineRun, kind domain.CheckpointKind, vars map[string]string) (domain.Checkpoint, error) {
	c := domain.Checkpoint{
		ID:        domain.NewID(domain.PrefixCheckpoint),
		RunID:     run.ID,
		Target:    run.Target,
		Kind:      kind,
		CreatedAt: m.now(),
	}
	vars = withVars(vars, "CHECKPOINT_ID", c.ID)

	switch kind {
	case domain.KindCode:
		res, err := m.run(ctx, m.cmds.Revision, vars)
		if err != nil {
			return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: err}
		}
		rev := firstLine(res.Stdout)
		if rev == "" {
			return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: errors.New("empty revision from target")}
		}
		c.Revision = rev

		if !m.cmds.Label.IsZero() {
			if _, err := m.run(ctx, m.cmds.Label, withVars(vars, "REVISION", rev)); err != nil {
				return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: err}
			}
		}

	case domain.KindData:
		if m.cmds.DataDump.IsZero() {
			return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: errors.New("no data_dump command configured")}
		}
		c.Location = path.Join(m.cmds.DumpDir, c.ID+".dump")
		if _, err := m.run(ctx, m.cmds.DataDump, withVars(vars, "DUMP_PATH", c.Location)); err != nil {
			return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: err}
		}

	default:
		return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: fmt.Errorf("unknown kind %q", kind)}
	}

	if err := m.store.PutCheckpoint(ctx, c); err != nil {
		return domain.Checkpoint{}, &domain.CheckpointError{Kind: kind, Err: err}
	}

	m.log.Info("checkpoint created",
		zap.String("id", c.ID),
		zap.String("kind", string(kind)),
		zap.String("revision", c.Revision),
		zap.String("location", c.Location),
	)
	return c, nil
}

// Restore puts the target back to the state captured by c.
func (m *CheckpointManager) Restore(ctx context.Context, c domain.Checkpoint, vars map[string]string) error {
	if c.ID == "" {
		return &domain.RestoreError{Err: domain.ErrNoCheckpoint}
	}
	if _, err := m.store.GetCheckpoint(ctx, c.ID); err != nil {
		return &domain.RestoreError{CheckpointID: c.ID, Err: err}
	}

	vars = withVars(vars, "CHECKPOINT_ID", c.ID)

	var (
		cmd domain.Command
		err error
	)
	switch c.Kind {
	case domain.KindCode:
		cmd = m.cmds.Checkout
		vars = withVars(vars, "REVISION", c.Revision)
	case domain.KindData:
		cmd = m.cmds.DataRestore
		vars = withVars(vars, "DUMP_PATH", c.Location)
	}
	if cmd.IsZero() {
		return &domain.RestoreError{CheckpointID: c.ID, Err: fmt.Errorf("no restore command for %s checkpoints", c.Kind)}
	}

	if _, err = m.run(ctx, cmd, vars); err != nil {
		return &domain.RestoreError{CheckpointID: c.ID, Err: err}
	}

	m.log.Info("checkpoint restored", zap.String("id", c.ID), zap.String("kind", string(c.Kind)))
	return nil
}

// Latest returns the kind checkpoint of the newest successful, non-dry run of
// target other than excludeRunID.
func (m *CheckpointManager) Latest(ctx context.Context, target string, kind domain.CheckpointKind, excludeRunID string) (domain.Checkpoint, error) {
	runs, err := m.store.ListRuns(ctx, target, 0)
	if err != nil {
		return domain.Checkpoint{}, err
	}

	for _, r := range runs {
		if r.ID == excludeRunID || r.DryRun || r.State != domain.StateSucceeded {
			continue
		}
		id := r.CheckpointID
		if kind == domain.KindData {
			id = r.DataCheckpointID
		}
		if id == "" {
			continue
		}

		c, err := m.store.GetCheckpoint(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Checkpoint{}, err
		}
		return c, nil
	}

	return domain.Checkpoint{}, domain.ErrNoCheckpoint
}

// Prune drops checkpoints outside the retention policy and returns what was
// removed. The current rollback target of each kind is always kept.
func (m *CheckpointManager) Prune(ctx context.Context, target string, p RetentionPolicy, vars map[string]string) ([]domain.Checkpoint, error) {
	var (
		removed []domain.Checkpoint
		errs    *multierror.Error
	)

	for _, kind := range []domain.CheckpointKind{domain.KindCode, domain.KindData} {
		list, err := m.store.ListCheckpoints(ctx, target, kind)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		protected := ""
		if c, err := m.Latest(ctx, target, kind, ""); err == nil {
			protected = c.ID
		}

		for i, c := range list {
			if i < p.Keep || c.ID == protected {
				continue
			}
			if p.MaxAge > 0 && m.now().Sub(c.CreatedAt) <= p.MaxAge {
				continue
			}

			if kind == domain.KindData && !m.cmds.DataPrune.IsZero() {
				v := withVars(vars, "CHECKPOINT_ID", c.ID, "DUMP_PATH", c.Location)
				if _, err := m.run(ctx, m.cmds.DataPrune, v); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("prune %s: %w", c.ID, err))
					continue
				}
			}
			if err := m.store.DeleteCheckpoint(ctx, c.ID); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", c.ID, err))
				continue
			}
			removed = append(removed, c)
		}
	}

	return removed, errs.ErrorOrNil()
}

func (m *CheckpointManager) run(ctx context.Context, cmd domain.Command, vars map[string]string) (domain.Result, error) {
	if cmd.IsZero() {
		return domain.Result{}, errors.New("command not configured")
	}
	cmd = cmd.Expand(vars)
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cmds.Timeout
	}

	res, err := m.exec.Run(context.WithoutCancel(ctx), cmd, timeout)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no output"
		}
		return res, fmt.Errorf("%s exited %d: %s", cmd.String(), res.ExitCode, tail(msg, 256))
	}
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
