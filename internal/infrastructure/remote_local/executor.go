package remote_local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
)

const exitNotRunnable = 127

// Executor runs commands on the local machine. It serves targets with
// transport "local".
type Executor struct {
	log     *zap.Logger
	workdir string
}

func New(l *zap.Logger, workdir string) *Executor {
	return &Executor{log: l, workdir: workdir}
}

func (e *Executor) Run(ctx context.Context, c domain.Command, timeout time.Duration) (domain.Result, error) {
	if timeout <= 0 {
		return domain.Result{}, domain.ErrInvalidTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = e.workdir
	}
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := domain.Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, &domain.TransportError{Host: "localhost", Op: c.Program, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
	}

	var ee *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		res.ExitCode = ee.ExitCode()
	default:
		// not found, not executable, bad dir
		res.ExitCode = exitNotRunnable
		res.Stderr += err.Error()
	}

	e.log.Debug("local exec", zap.String("cmd", c.String()), zap.Int("exit", res.ExitCode), zap.Duration("took", res.Duration))
	return res, nil
}
