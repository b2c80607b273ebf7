package application

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPhaseRunner_StopsAtFirstFailure(t *testing.T) {
	exec := healthyExec()
	exec.Exit["migrate"] = 3
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	res, err := r.Run(context.Background(), domain.PhaseBuild,
		[]domain.Command{cmd("compile"), cmd("migrate"), cmd("restart")}, nil)

	var pf *domain.PhaseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 3, pf.ExitCode)
	assert.Equal(t, domain.PhaseFail, res.Status)
	assert.Equal(t, domain.AbortOnFail, res.Policy)
	assert.Equal(t, []string{"compile", "migrate"}, programs(exec.Calls()))
}

func TestPhaseRunner_WarnPolicy(t *testing.T) {
	exec := healthyExec()
	exec.Exit["npm"] = 1
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	res, err := r.Run(context.Background(), domain.PhaseInstall, []domain.Command{cmd("npm", "ci")}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.PhaseWarn, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestPhaseRunner_TransportError(t *testing.T) {
	exec := healthyExec()
	exec.Errs["rsync"] = &domain.TransportError{Host: "h", Op: "exec", Timeout: true}
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	res, err := r.Run(context.Background(), domain.PhaseSync, []domain.Command{cmd("rsync")}, nil)
	assert.True(t, domain.IsTransport(err))
	assert.Equal(t, domain.PhaseFail, res.Status)
	assert.Contains(t, res.Error, "timed out")
}

func TestPhaseRunner_ExpandsVarsAndKeepsArgsSeparate(t *testing.T) {
	exec := healthyExec()
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	_, err := r.Run(context.Background(), domain.PhaseSync,
		[]domain.Command{{Program: "git", Args: []string{"checkout", "${REVISION}"}, Dir: "${WORKDIR}"}},
		map[string]string{"REVISION": "v1; rm -rf /", "WORKDIR": "/srv/app"})
	require.NoError(t, err)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"checkout", "v1; rm -rf /"}, calls[0].Args)
	assert.Equal(t, "/srv/app", calls[0].Dir)
}

func TestPhaseRunner_ExcerptIsBounded(t *testing.T) {
	exec := healthyExec()
	exec.Stdout["noisy"] = strings.Repeat("x", 10*excerptLimit)
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	res, err := r.Run(context.Background(), domain.PhaseBuild, []domain.Command{cmd("noisy")}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.OutputExcerpt), excerptLimit+len("…"))
}

func TestPhaseRunner_CommandTimeoutWins(t *testing.T) {
	var got time.Duration
	exec := &recordingTimeout{got: &got}
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	c := cmd("slow")
	c.Timeout = 5 * time.Second
	_, err := r.Run(context.Background(), domain.PhaseBuild, []domain.Command{c}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got)

	_, err = r.Run(context.Background(), domain.PhaseBuild, []domain.Command{cmd("slow")}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got)
}

type recordingTimeout struct{ got *time.Duration }

func (r *recordingTimeout) Run(ctx context.Context, c domain.Command, timeout time.Duration) (domain.Result, error) {
	*r.got = timeout
	return domain.Result{}, nil
}

func TestPhaseRunner_NoCommandStartsAfterCancel(t *testing.T) {
	exec := healthyExec()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Handler = func(c domain.Command) (domain.Result, error) {
		cancel()
		return domain.Result{}, nil
	}
	r := NewPhaseRunner(zaptest.NewLogger(t), exec, time.Minute)

	res, err := r.Run(ctx, domain.PhaseInstall, []domain.Command{cmd("first"), cmd("second")}, nil)
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.PhaseFail, res.Status, "cancellation is never downgraded to warn")
	assert.Equal(t, []string{"first"}, programs(exec.Calls()))
}

func TestTail_StartsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)

	got := tail(s, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "…éé", got)

	assert.Equal(t, "abc", tail("abc", 5))
}
