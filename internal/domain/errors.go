package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrCheckpointExists = errors.New("checkpoint already exists")
	ErrNoCheckpoint     = errors.New("no checkpoint from a previous successful run")
	ErrTargetBusy       = errors.New("another run is active for this target")
	ErrTargetDisabled   = errors.New("target is disabled")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
	ErrSecretNotFound   = errors.New("secret not found")
	ErrRevisionRejected = errors.New("revision rejected")
	ErrCancelled        = errors.New("run cancelled")
)

// TransportError is a connection or timeout failure talking to a host.
type TransportError struct {
	Host    string
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport %s %s: timed out", e.Host, e.Op)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Host, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// PhaseFailure is a phase command that exited non-zero or could not run.
type PhaseFailure struct {
	Phase    PhaseName
	Command  string
	ExitCode int
	Err      error
}

func (e *PhaseFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phase %s: %s: %v", e.Phase, e.Command, e.Err)
	}
	return fmt.Sprintf("phase %s: %s exited %d", e.Phase, e.Command, e.ExitCode)
}

func (e *PhaseFailure) Unwrap() error { return e.Err }

type CheckpointError struct {
	Kind CheckpointKind
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("create %s checkpoint: %v", e.Kind, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

type RestoreError struct {
	CheckpointID string
	Err          error
}

func (e *RestoreError) Error() string {
	if e.CheckpointID == "" {
		return fmt.Sprintf("restore: %v", e.Err)
	}
	return fmt.Sprintf("restore %s: %v", e.CheckpointID, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

type VerificationFailure struct {
	Report HealthReport
}

func (e *VerificationFailure) Error() string {
	failed := e.Report.Failed()
	names := make([]string, 0, len(failed))
	for _, p := range failed {
		names = append(names, p.Name)
	}
	return fmt.Sprintf("health verdict %s: score %.2f (threshold %.2f), failed probes %v",
		e.Report.Verdict, e.Report.WeightedScore, e.Report.Threshold, names)
}
