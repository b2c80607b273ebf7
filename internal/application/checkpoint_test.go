package application

import (
	"context"
	"testing"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, exec domain.Executor, h domain.History) *CheckpointManager {
	return NewCheckpointManager(zaptest.NewLogger(t), exec, h, CheckpointCommands{
		Revision:    cmd("git-rev"),
		Label:       cmd("git-tag", "redeploy/${CHECKPOINT_ID}", "${REVISION}"),
		Checkout:    cmd("git-checkout", "${REVISION}"),
		DataDump:    cmd("pg-dump", "-f", "${DUMP_PATH}"),
		DataRestore: cmd("pg-restore", "${DUMP_PATH}"),
		DataPrune:   cmd("rm", "-f", "${DUMP_PATH}"),
		DumpDir:     "/var/backups",
	})
}

func TestCreate_Code(t *testing.T) {
	exec := healthyExec()
	h := domain.NewMockHistory()
	m := newManager(t, exec, h)
	run := domain.NewPipelineRun("web", "v2", time.Now())

	c, err := m.Create(context.Background(), run, domain.KindCode, nil)
	require.NoError(t, err)

	assert.True(t, domain.HasPrefix(c.ID, domain.PrefixCheckpoint))
	assert.Equal(t, "abc123", c.Revision)
	assert.Equal(t, run.ID, c.RunID)

	tag := exec.CallsTo("git-tag")
	require.Len(t, tag, 1)
	assert.Equal(t, []string{"redeploy/" + c.ID, "abc123"}, tag[0].Args)

	stored, err := h.GetCheckpoint(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, stored)
}

func TestCreate_EmptyRevision(t *testing.T) {
	exec := healthyExec()
	exec.Stdout["git-rev"] = "  \n"
	m := newManager(t, exec, domain.NewMockHistory())

	_, err := m.Create(context.Background(), domain.NewPipelineRun("web", "v2", time.Now()), domain.KindCode, nil)
	var ce *domain.CheckpointError
	require.ErrorAs(t, err, &ce)
}

func TestCreate_Data(t *testing.T) {
	exec := healthyExec()
	m := newManager(t, exec, domain.NewMockHistory())

	c, err := m.Create(context.Background(), domain.NewPipelineRun("web", "v2", time.Now()), domain.KindData, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/"+c.ID+".dump", c.Location)
	assert.Equal(t, []string{"-f", c.Location}, exec.CallsTo("pg-dump")[0].Args)
}

func TestCreate_RefusesDuplicateID(t *testing.T) {
	h := domain.NewMockHistory()
	c := domain.Checkpoint{ID: "ckpt_1", Kind: domain.KindCode}
	require.NoError(t, h.PutCheckpoint(context.Background(), c))
	assert.ErrorIs(t, h.PutCheckpoint(context.Background(), c), domain.ErrCheckpointExists)
}

func TestRestore(t *testing.T) {
	exec := healthyExec()
	h := domain.NewMockHistory()
	m := newManager(t, exec, h)

	err := m.Restore(context.Background(), domain.Checkpoint{}, nil)
	var re *domain.RestoreError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, domain.ErrNoCheckpoint)

	err = m.Restore(context.Background(), domain.Checkpoint{ID: "ckpt_gone", Kind: domain.KindCode}, nil)
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	c, err := m.Create(context.Background(), domain.NewPipelineRun("web", "v2", time.Now()), domain.KindCode, nil)
	require.NoError(t, err)
	require.NoError(t, m.Restore(context.Background(), c, nil))
	assert.Equal(t, []string{"abc123"}, exec.CallsTo("git-checkout")[0].Args)

	exec.Exit["git-checkout"] = 1
	err = m.Restore(context.Background(), c, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, c.ID, re.CheckpointID)
}

func TestLatest(t *testing.T) {
	h := domain.NewMockHistory()
	m := newManager(t, healthyExec(), h)
	ctx := context.Background()

	_, err := m.Latest(ctx, "web", domain.KindCode, "")
	assert.ErrorIs(t, err, domain.ErrNoCheckpoint)

	older := seedSucceeded(t, h, "web", "r1", 2*time.Hour)
	newer := seedSucceeded(t, h, "web", "r2", time.Hour)
	seedRun(t, h, "web", "r3", time.Minute, domain.StateFailed, false)

	got, err := m.Latest(ctx, "web", domain.KindCode, "")
	require.NoError(t, err)
	assert.Equal(t, newer.CheckpointID, got.ID)

	got, err = m.Latest(ctx, "web", domain.KindCode, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, older.CheckpointID, got.ID)

	// a pruned checkpoint falls through to the next good run
	require.NoError(t, h.DeleteCheckpoint(ctx, newer.CheckpointID))
	got, err = m.Latest(ctx, "web", domain.KindCode, "")
	require.NoError(t, err)
	assert.Equal(t, older.CheckpointID, got.ID)

	_, err = m.Latest(ctx, "web", domain.KindData, "")
	assert.ErrorIs(t, err, domain.ErrNoCheckpoint)
}

func TestPrune(t *testing.T) {
	exec := healthyExec()
	h := domain.NewMockHistory()
	m := newManager(t, exec, h)
	ctx := context.Background()

	// rollback target: only the oldest run succeeded.
	target := seedSucceeded(t, h, "web", "r0", 72*time.Hour)
	var ids []string
	for i, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, 2 * time.Hour, time.Hour} {
		r := seedRun(t, h, "web", "r"+string(rune('1'+i)), age, domain.StateFailed, false)
		ids = append(ids, r.CheckpointID)
	}

	removed, err := m.Prune(ctx, "web", RetentionPolicy{Keep: 1, MaxAge: 24 * time.Hour}, nil)
	require.NoError(t, err)

	var gone []string
	for _, c := range removed {
		gone = append(gone, c.ID)
	}
	assert.ElementsMatch(t, []string{ids[0], ids[1]}, gone)

	_, err = h.GetCheckpoint(ctx, target.CheckpointID)
	assert.NoError(t, err, "rollback target survives")
	_, err = h.GetCheckpoint(ctx, ids[2])
	assert.NoError(t, err, "younger than max age")
}

func TestPrune_DataRunsPruneCommand(t *testing.T) {
	exec := healthyExec()
	h := domain.NewMockHistory()
	m := newManager(t, exec, h)
	ctx := context.Background()

	run := domain.NewPipelineRun("web", "v2", time.Now())
	first, err := m.Create(ctx, run, domain.KindData, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, run, domain.KindData, nil)
	require.NoError(t, err)

	removed, err := m.Prune(ctx, "web", RetentionPolicy{Keep: 1}, nil)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, first.ID, removed[0].ID)
	assert.Equal(t, []string{"-f", first.Location}, exec.CallsTo("rm")[0].Args)

	exec.Exit["rm"] = 1
	_, err = m.Create(ctx, run, domain.KindData, nil)
	require.NoError(t, err)
	_, err = m.Prune(ctx, "web", RetentionPolicy{Keep: 1}, nil)
	assert.Error(t, err)
}
