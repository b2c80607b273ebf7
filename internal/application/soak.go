package application

import (
	"context"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"go.uber.org/zap"
)

type SoakOptions struct {
	Duration time.Duration
	Interval time.Duration
}

func (o SoakOptions) Enabled() bool { return o.Duration > 0 }

// Soak keeps re-evaluating probes on a ticker for the soak duration. It
// returns false at the first failing report or when ctx is done. The report
// is zero if no evaluation happened.
func (e *HealthEvaluator) Soak(ctx context.Context, probes []domain.Probe, o SoakOptions) (domain.HealthReport, bool) {
	if !o.Enabled() {
		return domain.HealthReport{}, true
	}
	every := o.Interval
	if every <= 0 || every > o.Duration {
		every = o.Duration
	}

	t := time.NewTicker(every)
	defer t.Stop()
	done := time.NewTimer(o.Duration)
	defer done.Stop()

	var (
		last   domain.HealthReport
		rounds int
	)
	for {
		select {
		case <-ctx.Done():
			return last, false
		case <-done.C:
			e.log.Info("soak complete", zap.Int("rounds", rounds))
			return last, true
		case <-t.C:
			rounds++
			last = e.Evaluate(ctx, probes)
			last.Attempts = rounds
			if last.Verdict != domain.VerdictPass {
				e.log.Warn("soak failed",
					zap.Int("round", rounds),
					zap.Float64("score", last.WeightedScore),
				)
				return last, false
			}
		}
	}
}
