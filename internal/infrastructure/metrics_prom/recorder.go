package metrics_prom

import (
	"os"
	"path/filepath"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.Metrics on a private registry. A one-shot CLI
// has no scrape endpoint, so Flush writes the node_exporter textfile format.
type Recorder struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	healthScore   *prometheus.GaugeVec
	lastRun       *prometheus.GaugeVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeploy",
			Name:      "runs_total",
			Help:      "Finished pipeline runs by terminal state.",
		}, []string{"target", "state"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeploy",
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome.",
		}, []string{"target", "status"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "redeploy",
			Name:      "phase_duration_seconds",
			Help:      "Phase wall time.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"target", "phase", "status"}),
		healthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "redeploy",
			Name:      "health_score",
			Help:      "Last weighted health score.",
		}, []string{"target"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "redeploy",
			Name:      "last_run_timestamp_seconds",
			Help:      "End time of the last run.",
		}, []string{"target", "state"}),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) PhaseFinished(target string, p domain.PhaseResult) {
	r.phaseDuration.WithLabelValues(target, string(p.Name), string(p.Status)).Observe(p.Duration.Seconds())
}

func (r *Recorder) HealthScored(target string, h domain.HealthReport) {
	r.healthScore.WithLabelValues(target).Set(h.WeightedScore)
}

func (r *Recorder) RunFinished(run domain.PipelineRun) {
	r.runs.WithLabelValues(run.Target, string(run.State)).Inc()
	if run.Rollback != nil {
		r.rollbacks.WithLabelValues(run.Target, string(run.Rollback.Status)).Inc()
	}
	r.lastRun.WithLabelValues(run.Target, string(run.State)).Set(float64(run.EndedAt.Unix()))
}

// Flush writes all metrics to path atomically. An empty path is a no-op.
func (r *Recorder) Flush(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
