package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/davarch/redeploy/internal/domain"
)

// FSCache writes the last run's status as a small JSON document for status
// bars and shell prompts.
type FSCache struct {
	path string
}

func New(path string) *FSCache { return &FSCache{path: path} }

type snapshot struct {
	RunID        string  `json:"run_id"`
	Target       string  `json:"target"`
	Revision     string  `json:"revision"`
	State        string  `json:"state"`
	ExitCode     int     `json:"exit_code"`
	FailedPhase  string  `json:"failed_phase,omitempty"`
	Score        float64 `json:"score,omitempty"`
	CheckpointID string  `json:"rollback_checkpoint,omitempty"`
	DryRun       bool    `json:"dry_run,omitempty"`
	Retrieved    int64   `json:"retrieved"`
}

func (c *FSCache) Write(_ context.Context, s domain.StatusSnapshot) error {
	if c.path == "" {
		return errors.New("cache path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	out := snapshot{
		RunID:       s.Run.ID,
		Target:      s.Run.Target,
		Revision:    s.Run.Revision,
		State:       string(s.Run.State),
		ExitCode:    s.ExitCode,
		FailedPhase: string(s.Run.FailedPhase),
		DryRun:      s.Run.DryRun,
		Retrieved:   s.Retrieved,
	}
	if s.Run.Health != nil {
		out.Score = s.Run.Health.WeightedScore
	}
	if s.Run.Rollback != nil {
		out.CheckpointID = s.Run.Rollback.CheckpointID
	}

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, c.path)
}

// Read returns the last written snapshot.
func (c *FSCache) Read() (map[string]any, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(b, &m)
}
