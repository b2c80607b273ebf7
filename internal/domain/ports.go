package domain

import (
	"context"
	"time"
)

// Executor runs one command against one target host.
type Executor interface {
	Run(ctx context.Context, cmd Command, timeout time.Duration) (Result, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run PipelineRun) error
	GetRun(ctx context.Context, id string) (PipelineRun, error)
	// ListRuns returns runs newest first. An empty target lists all targets.
	ListRuns(ctx context.Context, target string, limit int) ([]PipelineRun, error)
}

type CheckpointStore interface {
	// PutCheckpoint fails with ErrCheckpointExists if the id is taken.
	PutCheckpoint(ctx context.Context, c Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, target string, kind CheckpointKind) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
}

type History interface {
	RunStore
	CheckpointStore
}

type SecretProvider interface {
	Secret(ctx context.Context, name string) ([]byte, error)
}

type TargetLocker interface {
	Acquire(target string) (release func(), err error)
}

// RevisionGate resolves a requested ref to an immutable revision, refusing
// revisions that are not fit to deploy.
type RevisionGate interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

type StatusCache interface {
	Write(ctx context.Context, s StatusSnapshot) error
}

type Metrics interface {
	PhaseFinished(target string, p PhaseResult)
	HealthScored(target string, h HealthReport)
	RunFinished(run PipelineRun)
}
