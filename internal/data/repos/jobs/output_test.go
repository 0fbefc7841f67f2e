package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos/testutil"
	domainjobs "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
)

func TestOutputLifecycle(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	repo := NewOutputRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, db, domainjobs.JobRunning, 1)
	look := testutil.SeedLook(t, ctx, db, "look-a", domainjobs.StageGeneration, "front")
	item := testutil.SeedRunItem(t, ctx, db, job.ID, look.ID, domainjobs.RunRunning, nil)
	a := testutil.SeedOutput(t, ctx, db, item, "front", domainjobs.OutputPending)
	b := testutil.SeedOutput(t, ctx, db, item, "front", domainjobs.OutputPending)

	ok, err := repo.MarkGenerating(dbc, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	ok, err = repo.Complete(dbc, a.ID, "result://a", now)
	require.NoError(t, err)
	require.True(t, ok)

	// completed rows are immutable apart from selection
	ok, err = repo.Fail(dbc, a.ID, "late failure", now)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := repo.FailPending(dbc, []uuid.UUID{a.ID, b.ID}, "stopped before dispatch", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, repo.SetSelected(dbc, a.ID, true))
	got, err := repo.GetByID(dbc, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domainjobs.OutputCompleted, got.Status)
	assert.Equal(t, "result://a", got.ResultRef)
	assert.True(t, got.IsSelected)

	all, err := repo.ListByLooks(dbc, []uuid.UUID{look.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, repo.SetSelected(dbc, uuid.New(), true), domainjobs.ErrNotFound)
}

func TestLookListByBatch(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	looks := NewLookRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, db, domainjobs.JobQueued, 2)
	a := testutil.SeedLook(t, ctx, db, "b-look", domainjobs.StageGeneration, "front", "back")
	b := testutil.SeedLook(t, ctx, db, "a-look", domainjobs.StageGeneration, "front")
	testutil.SeedLook(t, ctx, db, "unrelated", domainjobs.StageGeneration, "front")
	testutil.SeedRunItem(t, ctx, db, job.ID, a.ID, domainjobs.RunQueued, nil)
	testutil.SeedRunItem(t, ctx, db, job.ID, a.ID, domainjobs.RunQueued, nil)
	testutil.SeedRunItem(t, ctx, db, job.ID, b.ID, domainjobs.RunQueued, nil)

	got, err := looks.ListByBatch(dbc, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-look", got[0].Name)
	assert.Equal(t, "b-look", got[1].Name)
	assert.Len(t, got[1].Sources, 2)
	assert.Len(t, got[1].SourceURLs()["back"], 1)
}

func TestOutputFailInFlightByRunItem(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	repo := NewOutputRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, db, domainjobs.JobRunning, 2)
	look := testutil.SeedLook(t, ctx, db, "look-a", domainjobs.StageGeneration, "front")
	item := testutil.SeedRunItem(t, ctx, db, job.ID, look.ID, domainjobs.RunFailed, nil)
	other := testutil.SeedRunItem(t, ctx, db, job.ID, look.ID, domainjobs.RunRunning, nil)
	pending := testutil.SeedOutput(t, ctx, db, item, "front", domainjobs.OutputPending)
	generating := testutil.SeedOutput(t, ctx, db, item, "front", domainjobs.OutputGenerating)
	done := testutil.SeedOutput(t, ctx, db, item, "front", domainjobs.OutputCompleted)
	untouched := testutil.SeedOutput(t, ctx, db, other, "front", domainjobs.OutputGenerating)

	ids, err := repo.FailInFlightByRunItem(dbc, item.ID, "stalled", time.Now().UTC())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{pending.ID, generating.ID}, ids)

	for _, id := range []uuid.UUID{pending.ID, generating.ID} {
		got, err := repo.GetByID(dbc, id)
		require.NoError(t, err)
		assert.Equal(t, domainjobs.OutputFailed, got.Status)
		assert.Equal(t, "stalled", got.Error)
	}
	got, err := repo.GetByID(dbc, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domainjobs.OutputCompleted, got.Status)
	got, err = repo.GetByID(dbc, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, domainjobs.OutputGenerating, got.Status)

	// a late result for a failed output is dropped
	ok, err := repo.Complete(dbc, generating.ID, "result://late", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := repo.FailInFlight(dbc, []uuid.UUID{done.ID, untouched.ID}, "panic", time.Now().UTC())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
