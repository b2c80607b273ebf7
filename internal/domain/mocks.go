package domain

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockExecutor answers by program name unless Handler is set.
type MockExecutor struct {
	Handler func(cmd Command) (Result, error)
	Stdout  map[string]string
	Exit    map[string]int
	Errs    map[string]error

	mu    sync.Mutex
	calls []Command
}

func (m *MockExecutor) Run(ctx context.Context, cmd Command, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		return Result{}, ErrInvalidTimeout
	}

	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()

	if m.Handler != nil {
		return m.Handler(cmd)
	}
	if err := m.Errs[cmd.Program]; err != nil {
		return Result{}, err
	}
	return Result{ExitCode: m.Exit[cmd.Program], Stdout: m.Stdout[cmd.Program]}, nil
}

func (m *MockExecutor) Calls() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockExecutor) CallsTo(program string) []Command {
	var out []Command
	for _, c := range m.Calls() {
		if c.Program == program {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockExecutor) Reset() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

type MockHistory struct {
	SaveErr error

	mu    sync.Mutex
	runs  map[string]PipelineRun
	ckpts map[string]Checkpoint
}

func NewMockHistory() *MockHistory {
	return &MockHistory{runs: map[string]PipelineRun{}, ckpts: map[string]Checkpoint{}}
}

func (h *MockHistory) SaveRun(ctx context.Context, run PipelineRun) error {
	if h.SaveErr != nil {
		return h.SaveErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	run.Phases = append([]PhaseResult(nil), run.Phases...)
	h.runs[run.ID] = run
	return nil
}

func (h *MockHistory) GetRun(ctx context.Context, id string) (PipelineRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return PipelineRun{}, ErrNotFound
	}
	return r, nil
}

func (h *MockHistory) ListRuns(ctx context.Context, target string, limit int) ([]PipelineRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []PipelineRun
	for _, r := range h.runs {
		if target == "" || r.Target == target {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *MockHistory) PutCheckpoint(ctx context.Context, c Checkpoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ckpts[c.ID]; ok {
		return ErrCheckpointExists
	}
	h.ckpts[c.ID] = c
	return nil
}

func (h *MockHistory) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.ckpts[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return c, nil
}

func (h *MockHistory) ListCheckpoints(ctx context.Context, target string, kind CheckpointKind) ([]Checkpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Checkpoint
	for _, c := range h.ckpts {
		if (target == "" || c.Target == target) && (kind == "" || c.Kind == kind) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (h *MockHistory) DeleteCheckpoint(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ckpts[id]; !ok {
		return ErrNotFound
	}
	delete(h.ckpts, id)
	return nil
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockCache struct {
	Snapshots []StatusSnapshot
	Err       error
}

func (c *MockCache) Write(ctx context.Context, s StatusSnapshot) error {
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots = append(c.Snapshots, s)
	return nil
}

type MockSecrets map[string]string

func (m MockSecrets) Secret(ctx context.Context, name string) ([]byte, error) {
	v, ok := m[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return []byte(v), nil
}

type MockGate struct {
	Resolved string
	Err      error
	Refs     []string
}

func (g *MockGate) Resolve(ctx context.Context, ref string) (string, error) {
	g.Refs = append(g.Refs, ref)
	if g.Err != nil {
		return "", g.Err
	}
	if g.Resolved == "" {
		return ref, nil
	}
	return g.Resolved, nil
}

type MockMetrics struct {
	mu     sync.Mutex
	Phases []PhaseResult
	Scores []float64
	Runs   []PipelineRun
}

func (m *MockMetrics) PhaseFinished(target string, p PhaseResult) {
	m.mu.Lock()
	m.Phases = append(m.Phases, p)
	m.mu.Unlock()
}

func (m *MockMetrics) HealthScored(target string, h HealthReport) {
	m.mu.Lock()
	m.Scores = append(m.Scores, h.WeightedScore)
	m.mu.Unlock()
}

func (m *MockMetrics) RunFinished(run PipelineRun) {
	m.mu.Lock()
	m.Runs = append(m.Runs, run)
	m.mu.Unlock()
}
