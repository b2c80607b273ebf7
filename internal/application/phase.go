package application

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
)

const excerptLimit = 2048

// PhaseRunner executes a phase's commands in order and applies the phase's
// failure policy. A running command is never interrupted by cancellation of
// ctx and is bounded by its own timeout instead; no further command starts
// once ctx is done.
type PhaseRunner struct {
	log     *zap.Logger
	exec    domain.Executor
	timeout time.Duration
}

func NewPhaseRunner(l *zap.Logger, exec domain.Executor, timeout time.Duration) *PhaseRunner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PhaseRunner{log: l, exec: exec, timeout: timeout}
}

// Run returns the phase result and, when a command failed, a
// *domain.PhaseFailure. With ContinueOnWarn the status is Warn instead of Fail.
// A cancelled phase is always Fail with domain.ErrCancelled.
func (p *PhaseRunner) Run(ctx context.Context, name domain.PhaseName, cmds []domain.Command, vars map[string]string) (domain.PhaseResult, error) {
	res := domain.PhaseResult{
		Name:      name,
		Policy:    domain.PolicyFor(name),
		Status:    domain.PhaseRunning,
		StartedAt: time.Now(),
	}

	var (
		out       strings.Builder
		failure   *domain.PhaseFailure
		cancelled bool
	)
	for i, c := range cmds {
		if i > 0 && ctx.Err() != nil {
			cancelled = true
			break
		}

		c = c.Expand(vars)
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = p.timeout
		}

		p.log.Debug("exec", zap.String("phase", string(name)), zap.String("cmd", c.String()))
		r, err := p.exec.Run(context.WithoutCancel(ctx), c, timeout)
		writeOutput(&out, c, r)

		if err != nil {
			failure = &domain.PhaseFailure{Phase: name, Command: c.String(), ExitCode: -1, Err: err}
			break
		}
		if !r.OK() {
			failure = &domain.PhaseFailure{Phase: name, Command: c.String(), ExitCode: r.ExitCode}
			break
		}
	}

	res.Duration = time.Since(res.StartedAt)
	res.OutputExcerpt = tail(out.String(), excerptLimit)

	if cancelled {
		res.Status = domain.PhaseFail
		res.Error = domain.ErrCancelled.Error()
		p.log.Warn("phase cancelled", zap.String("phase", string(name)))
		return res, domain.ErrCancelled
	}
	if failure == nil {
		res.Status = domain.PhaseOk
		return res, nil
	}

	res.Error = failure.Error()
	if res.Policy == domain.ContinueOnWarn {
		res.Status = domain.PhaseWarn
		p.log.Warn("phase warning", zap.String("phase", string(name)), zap.Error(failure))
	} else {
		res.Status = domain.PhaseFail
		p.log.Error("phase failed", zap.String("phase", string(name)), zap.Error(failure))
	}
	return res, failure
}

func writeOutput(b *strings.Builder, c domain.Command, r domain.Result) {
	_, _ = fmt.Fprintf(b, "$ %s\n", c.String())
	if s := strings.TrimRight(r.Stdout, "\n"); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if s := strings.TrimRight(r.Stderr, "\n"); s != "" {
		b.WriteString(s)
		b.WriteByte('\n')
	}
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}

func withVars(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
