package application

import (
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap/zaptest"
)

var webTarget = domain.Target{Name: "web", Host: "10.0.0.5", User: "deploy", Workdir: "/srv/app", Enabled: true}

func cmd(program string, args ...string) domain.Command {
	return domain.Command{Program: program, Args: args}
}

func testProbes() []domain.Probe {
	return []domain.Probe{
		{Name: "http", Weight: 3, Critical: true, Command: cmd("probe-http")},
		{Name: "queue", Weight: 1, Command: cmd("probe-queue")},
		{Name: "disk", Weight: 1, Command: cmd("probe-disk")},
	}
}

type fixture struct {
	exec    *domain.MockExecutor
	hist    *domain.MockHistory
	metrics *domain.MockMetrics
	notes   *domain.MockNotifier
	cache   *domain.MockCache
	ckpts   *CheckpointManager
	ctl     *Controller
}

type fixtureOption func(*Deps, *PipelineConfig, *CheckpointCommands, *RollbackOptions)

func newFixture(t *testing.T, exec *domain.MockExecutor, opts ...fixtureOption) *fixture {
	t.Helper()
	l := zaptest.NewLogger(t)

	f := &fixture{
		exec:    exec,
		hist:    domain.NewMockHistory(),
		metrics: &domain.MockMetrics{},
		notes:   &domain.MockNotifier{},
		cache:   &domain.MockCache{},
	}

	activate := []domain.Command{cmd("activate", "${REVISION}")}
	cc := CheckpointCommands{
		Revision: cmd("git-rev"),
		Checkout: cmd("git-checkout", "${REVISION}"),
	}
	ro := RollbackOptions{Activate: activate, Probes: testProbes()}
	d := Deps{History: f.hist, Metrics: f.metrics, Notifier: f.notes, Cache: f.cache}
	cfg := PipelineConfig{
		Commands: map[domain.PhaseName][]domain.Command{
			domain.PhaseSync:      {cmd("sync", "${REVISION}")},
			domain.PhaseInstall:   {cmd("install")},
			domain.PhasePreVerify: {cmd("lint")},
			domain.PhaseBuild:     {cmd("build")},
			domain.PhaseActivate:  activate,
		},
		Probes: testProbes(),
	}
	for _, o := range opts {
		o(&d, &cfg, &cc, &ro)
	}

	f.ckpts = NewCheckpointManager(l, exec, f.hist, cc)
	health := NewHealthEvaluator(l, exec, HealthOptions{
		Threshold:     0.7,
		ProbeTimeout:  time.Second,
		Retries:       2,
		RetryInterval: time.Millisecond,
	})
	phases := NewPhaseRunner(l, exec, time.Minute)

	d.Checkpoints = f.ckpts
	d.Health = health
	d.Phases = phases
	d.Rollback = NewRollbackCoordinator(l, f.ckpts, phases, health, ro)
	f.ctl = NewController(l, d, cfg)
	return f
}

// seedSucceeded stores a finished successful run with a code checkpoint at
// revision, started at the given offset from now.
func seedSucceeded(t *testing.T, h *domain.MockHistory, target, revision string, ago time.Duration) domain.PipelineRun {
	t.Helper()
	return seedRun(t, h, target, revision, ago, domain.StateSucceeded, false)
}

func seedRun(t *testing.T, h *domain.MockHistory, target, revision string, ago time.Duration, state domain.TerminalState, dry bool) domain.PipelineRun {
	t.Helper()
	started := time.Now().Add(-ago)
	run := domain.NewPipelineRun(target, "next", started)
	run.State = state
	run.DryRun = dry
	run.EndedAt = started.Add(time.Minute)

	c := domain.Checkpoint{
		ID:        domain.NewID(domain.PrefixCheckpoint),
		RunID:     run.ID,
		Target:    target,
		Kind:      domain.KindCode,
		CreatedAt: started,
		Revision:  revision,
	}
	if err := h.PutCheckpoint(t.Context(), c); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	run.CheckpointID = c.ID
	if err := h.SaveRun(t.Context(), *run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return *run
}

func healthyExec() *domain.MockExecutor {
	return &domain.MockExecutor{
		Stdout: map[string]string{"git-rev": "abc123\n"},
		Exit:   map[string]int{},
		Errs:   map[string]error{},
	}
}

func programs(cmds []domain.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Program)
	}
	return out
}
