package cli

import (
	"path/filepath"
	"testing"

	"github.com/davarch/redeploy/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "redeploy.yaml")
	require.NoError(t, config.Save(p, config.Starter()))

	prev := cfgPath
	cfgPath = p
	t.Cleanup(func() { cfgPath = prev })
	return p
}

func TestSetEnabled_FreezesAndThaws(t *testing.T) {
	p := withConfig(t)

	require.NoError(t, setEnabled("staging", false))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	tg, ok := cfg.Target("staging")
	require.True(t, ok)
	assert.False(t, tg.Enabled)

	require.NoError(t, setEnabled("staging", true))
	cfg, err = config.Load(p)
	require.NoError(t, err)
	tg, _ = cfg.Target("staging")
	assert.True(t, tg.Enabled)
}

func TestSetEnabled_UnknownTarget(t *testing.T) {
	withConfig(t)
	assert.Error(t, setEnabled("nope", false))
}

func TestCompleteTargets(t *testing.T) {
	withConfig(t)

	got, _ := completeTargets(nil, nil, "sta")
	assert.Equal(t, []string{"staging"}, got)

	got, _ = completeTargets(nil, nil, "x")
	assert.Empty(t, got)

	got, _ = completeTargetArg(nil, []string{"staging"}, "")
	assert.Nil(t, got)
}

func TestStartsWith(t *testing.T) {
	assert.True(t, startsWith("staging", "st"))
	assert.False(t, startsWith("st", "staging"))
}
