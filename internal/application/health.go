package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	scoreEpsilon   = 1e-9
	maxParallelism = 8
)

type HealthOptions struct {
	Threshold     float64
	Parallelism   int
	ProbeTimeout  time.Duration
	Retries       int
	RetryInterval time.Duration
}

// WaitOptions bound readiness polling. A zero Deadline evaluates once.
type WaitOptions struct {
	Deadline        time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type HealthEvaluator struct {
	log  *zap.Logger
	exec domain.Executor
	opts HealthOptions
	now  func() time.Time
}

func NewHealthEvaluator(l *zap.Logger, exec domain.Executor, opts HealthOptions) *HealthEvaluator {
	switch {
	case opts.Parallelism <= 0:
		opts.Parallelism = 4
	case opts.Parallelism > maxParallelism:
		opts.Parallelism = maxParallelism
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &HealthEvaluator{log: l, exec: exec, opts: opts, now: time.Now}
}

func (e *HealthEvaluator) Threshold() float64 { return e.opts.Threshold }

// Evaluate runs every probe once, at most Parallelism at a time, and scores
// the results. Probe commands are not interrupted by cancellation of ctx.
func (e *HealthEvaluator) Evaluate(ctx context.Context, probes []domain.Probe) domain.HealthReport {
	results := make([]domain.ProbeResult, len(probes))

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i, p := range probes {
		g.Go(func() error {
			results[i] = e.runProbe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	rep := Score(results, e.opts.Threshold)
	rep.Attempts = 1
	rep.CheckedAt = e.now()
	return rep
}

func (e *HealthEvaluator) runProbe(ctx context.Context, p domain.Probe) domain.ProbeResult {
	pr := domain.ProbeResult{Name: p.Name, Weight: p.Weight, Critical: p.Critical}
	start := time.Now()
	detached := context.WithoutCancel(ctx)

	var res domain.Result
	op := func() error {
		pr.Attempts++
		r, err := e.exec.Run(detached, p.Command, e.opts.ProbeTimeout)
		if err != nil {
			if domain.IsTransport(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryInterval
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.Retries)), ctx))
	pr.Duration = time.Since(start)

	if err != nil {
		pr.ExitCode = -1
		pr.Reason = err.Error()
		e.log.Warn("probe error", zap.String("probe", p.Name), zap.Int("attempts", pr.Attempts), zap.Error(err))
		return pr
	}

	pr.ExitCode = res.ExitCode
	pr.Passed, pr.Reason = p.Expect.Match(res)
	e.log.Debug("probe",
		zap.String("probe", p.Name),
		zap.Bool("passed", pr.Passed),
		zap.Int("exit", res.ExitCode),
		zap.String("reason", pr.Reason),
	)
	return pr
}

// Score computes the weighted score over results. The verdict is Pass only
// when the score reaches threshold and no critical probe failed.
func Score(results []domain.ProbeResult, threshold float64) domain.HealthReport {
	var (
		total, passed  float64
		criticalFailed bool
	)
	for _, r := range results {
		total += r.Weight
		if r.Passed {
			passed += r.Weight
		} else if r.Critical {
			criticalFailed = true
		}
	}

	score := 0.0
	if total > 0 {
		score = passed / total
	}

	verdict := domain.VerdictFail
	if total > 0 && !criticalFailed && score+scoreEpsilon >= threshold {
		verdict = domain.VerdictPass
	}

	return domain.HealthReport{
		Probes:        results,
		WeightedScore: score,
		Threshold:     threshold,
		Verdict:       verdict,
	}
}

// WaitHealthy polls Evaluate with exponential backoff until the verdict is
// Pass, the deadline passes or ctx is done, and returns the last report.
func (e *HealthEvaluator) WaitHealthy(ctx context.Context, probes []domain.Probe, w WaitOptions) domain.HealthReport {
	var (
		last     domain.HealthReport
		attempts int
	)
	op := func() error {
		attempts++
		last = e.Evaluate(ctx, probes)
		if last.Verdict == domain.VerdictPass {
			return nil
		}
		return &domain.VerificationFailure{Report: last}
	}

	if w.Deadline <= 0 {
		_ = op()
		last.Attempts = attempts
		return last
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.InitialInterval
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = w.MaxInterval
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 15 * time.Second
	}
	bo.MaxElapsedTime = w.Deadline

	_ = backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(_ error, next time.Duration) {
		e.log.Info("not healthy yet",
			zap.Float64("score", last.WeightedScore),
			zap.Int("failed", len(last.Failed())),
			zap.Duration("retry_in", next),
		)
	})

	last.Attempts = attempts
	return last
}
