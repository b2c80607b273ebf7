package history_badger

import (
	"context"
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRuns(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	var ids []string
	for i, target := range []string{"web", "api", "web"} {
		r := domain.NewPipelineRun(target, "v1", base.Add(time.Duration(i)*time.Minute))
		r.State = domain.StateSucceeded
		require.NoError(t, s.SaveRun(ctx, *r))
		ids = append(ids, r.ID)
	}

	got, err := s.GetRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "web", got.Target)
	assert.Len(t, got.Phases, len(domain.Phases))

	web, err := s.ListRuns(ctx, "web", 0)
	require.NoError(t, err)
	require.Len(t, web, 2)
	assert.Equal(t, ids[2], web[0].ID, "newest first")

	all, err := s.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetRun(ctx, "run_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveRun_Overwrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	r := domain.NewPipelineRun("web", "v1", time.Now())
	require.NoError(t, s.SaveRun(ctx, *r))
	r.State = domain.StateRolledBack
	r.Rollback = &domain.RollbackRecord{Status: domain.RollbackOK, CheckpointID: "ckpt_1"}
	require.NoError(t, s.SaveRun(ctx, *r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRolledBack, got.State)
	require.NotNil(t, got.Rollback)
	assert.Equal(t, "ckpt_1", got.Rollback.CheckpointID)
}

func TestCheckpoints(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now()

	code := domain.Checkpoint{ID: domain.NewID(domain.PrefixCheckpoint), Target: "web", Kind: domain.KindCode, Revision: "abc", CreatedAt: now.Add(-time.Minute)}
	data := domain.Checkpoint{ID: domain.NewID(domain.PrefixCheckpoint), Target: "web", Kind: domain.KindData, Location: "/d", CreatedAt: now}
	newer := domain.Checkpoint{ID: domain.NewID(domain.PrefixCheckpoint), Target: "web", Kind: domain.KindCode, Revision: "def", CreatedAt: now}

	for _, c := range []domain.Checkpoint{code, data, newer} {
		require.NoError(t, s.PutCheckpoint(ctx, c))
	}
	assert.ErrorIs(t, s.PutCheckpoint(ctx, code), domain.ErrCheckpointExists)

	got, err := s.GetCheckpoint(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Revision)

	codes, err := s.ListCheckpoints(ctx, "web", domain.KindCode)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, newer.ID, codes[0].ID)

	all, err := s.ListCheckpoints(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteCheckpoint(ctx, code.ID))
	assert.ErrorIs(t, s.DeleteCheckpoint(ctx, code.ID), domain.ErrNotFound)
	_, err = s.GetCheckpoint(ctx, code.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	r := domain.NewPipelineRun("web", "v1", time.Now())
	require.NoError(t, s.SaveRun(ctx, *r))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.GetRun(ctx, r.ID)
	assert.NoError(t, err)

	_, err = Open(Config{})
	assert.Error(t, err)
}
