package domain

import (
	"time"
)

type CheckpointKind string

const (
	KindCode CheckpointKind = "code"
	KindData CheckpointKind = "data"
)

type Checkpoint struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Target    string         `json:"target"`
	Kind      CheckpointKind `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
	Revision  string         `json:"revision,omitempty"`
	Location  string         `json:"location,omitempty"`
}

type PhaseName string

const (
	PhaseBackup     PhaseName = "backup"
	PhaseSync       PhaseName = "sync"
	PhaseInstall    PhaseName = "install"
	PhasePreVerify  PhaseName = "pre_verify"
	PhaseBuild      PhaseName = "build"
	PhaseActivate   PhaseName = "activate"
	PhasePostVerify PhaseName = "post_verify"
)

// Phases is the fixed forward order of a pipeline run.
var Phases = []PhaseName{
	PhaseBackup,
	PhaseSync,
	PhaseInstall,
	PhasePreVerify,
	PhaseBuild,
	PhaseActivate,
	PhasePostVerify,
}

type FailurePolicy string

const (
	AbortOnFail    FailurePolicy = "abort_on_fail"
	ContinueOnWarn FailurePolicy = "continue_on_warn"
)

func PolicyFor(p PhaseName) FailurePolicy {
	switch p {
	case PhaseInstall, PhasePreVerify:
		return ContinueOnWarn
	default:
		return AbortOnFail
	}
}

type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhaseOk      PhaseStatus = "ok"
	PhaseWarn    PhaseStatus = "warn"
	PhaseFail    PhaseStatus = "fail"
	PhaseSkipped PhaseStatus = "skipped"
)

// Terminal reports whether the status is final for the phase.
func (s PhaseStatus) Terminal() bool {
	switch s {
	case PhaseOk, PhaseWarn, PhaseFail, PhaseSkipped:
		return true
	}
	return false
}

type PhaseResult struct {
	Name          PhaseName     `json:"name"`
	Status        PhaseStatus   `json:"status"`
	Policy        FailurePolicy `json:"policy"`
	OutputExcerpt string        `json:"output_excerpt,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	Duration      time.Duration `json:"duration"`
}

type TerminalState string

const (
	StateRunning    TerminalState = "running"
	StateSucceeded  TerminalState = "succeeded"
	StateFailed     TerminalState = "failed"
	StateRolledBack TerminalState = "rolled_back"
)

type RollbackStatus string

const (
	RollbackOK         RollbackStatus = "rolled_back"
	RollbackFailed     RollbackStatus = "rollback_failed"
	RollbackUnverified RollbackStatus = "unverified"
)

type RollbackRecord struct {
	Status       RollbackStatus `json:"status"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Revision     string         `json:"revision,omitempty"`
	Activation   *PhaseResult   `json:"activation,omitempty"`
	Health       *HealthReport  `json:"health,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
}

type PipelineRun struct {
	ID               string          `json:"id"`
	Target           string          `json:"target"`
	Revision         string          `json:"revision,omitempty"`
	DryRun           bool            `json:"dry_run,omitempty"`
	SkipBuild        bool            `json:"skip_build,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at,omitzero"`
	Phases           []PhaseResult   `json:"phases"`
	State            TerminalState   `json:"state"`
	CheckpointID     string          `json:"checkpoint_id,omitempty"`
	DataCheckpointID string          `json:"data_checkpoint_id,omitempty"`
	Health           *HealthReport   `json:"health,omitempty"`
	Rollback         *RollbackRecord `json:"rollback,omitempty"`
	FailedPhase      PhaseName       `json:"failed_phase,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// NewPipelineRun returns a run with every phase pending in declared order.
func NewPipelineRun(target, revision string, now time.Time) *PipelineRun {
	r := &PipelineRun{
		ID:        NewID(PrefixRun),
		Target:    target,
		Revision:  revision,
		StartedAt: now,
		State:     StateRunning,
		Phases:    make([]PhaseResult, 0, len(Phases)),
	}
	for _, p := range Phases {
		r.Phases = append(r.Phases, PhaseResult{Name: p, Status: PhasePending, Policy: PolicyFor(p)})
	}
	return r
}

func (r *PipelineRun) Phase(name PhaseName) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

func (r *PipelineRun) Done() bool {
	return r.State != StateRunning
}

// ExitCode maps a finished run to the process exit code.
func ExitCode(r *PipelineRun) int {
	if r == nil {
		return 1
	}
	switch r.State {
	case StateSucceeded:
		return 0
	case StateRolledBack:
		return 2
	}
	if r.Rollback != nil {
		return 3
	}
	return 1
}

type Probe struct {
	Name     string
	Weight   float64
	Command  Command
	Expect   Expect
	Critical bool
}

type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

type ProbeResult struct {
	Name     string        `json:"name"`
	Weight   float64       `json:"weight"`
	Critical bool          `json:"critical,omitempty"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

type HealthReport struct {
	Probes        []ProbeResult `json:"probes"`
	WeightedScore float64       `json:"weighted_score"`
	Threshold     float64       `json:"threshold"`
	Verdict       Verdict       `json:"verdict"`
	Attempts      int           `json:"attempts"`
	CheckedAt     time.Time     `json:"checked_at"`
}

func (h HealthReport) Failed() []ProbeResult {
	var out []ProbeResult
	for _, p := range h.Probes {
		if !p.Passed {
			out = append(out, p)
		}
	}
	return out
}

type Target struct {
	Name      string
	Host      string
	Port      int
	User      string
	Transport string
	Workdir   string
	Enabled   bool
}

type StatusSnapshot struct {
	Run       PipelineRun
	ExitCode  int
	Retrieved int64
}
