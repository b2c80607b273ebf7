package metrics_prom

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.PhaseFinished("web", domain.PhaseResult{Name: domain.PhaseBuild, Status: domain.PhaseOk, Duration: 3 * time.Second})
	r.HealthScored("web", domain.HealthReport{WeightedScore: 0.9})
	r.RunFinished(domain.PipelineRun{
		Target:   "web",
		State:    domain.StateRolledBack,
		EndedAt:  time.Unix(1700000000, 0),
		Rollback: &domain.RollbackRecord{Status: domain.RollbackOK},
	})

	assert.InDelta(t, 1, testutil.ToFloat64(r.runs.WithLabelValues("web", "rolled_back")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.rollbacks.WithLabelValues("web", "rolled_back")), 0)
	assert.InDelta(t, 0.9, testutil.ToFloat64(r.healthScore.WithLabelValues("web")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(r.phaseDuration))

	path := filepath.Join(t.TempDir(), "textfile", "redeploy.prom")
	require.NoError(t, r.Flush(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `redeploy_runs_total{state="rolled_back",target="web"} 1`)

	assert.NoError(t, r.Flush(""))
}
