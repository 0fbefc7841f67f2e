package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos/testutil"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/active"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/coordinator"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/pkg/dbctx"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

type okGenerator struct{}

func (okGenerator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	return generation.Result{ResultRef: "gen://" + req.OutputID.String()}, nil
}

type fixture struct {
	db  *gorm.DB
	set repos.Set
	svc PipelineService
	dbc dbctx.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = b.Close() })
	notify := bus.NewNotifier(b, log)
	l := ledger.New(db, set.Jobs, notify, log)
	svc := NewPipelineService(PipelineDeps{
		DB:        db,
		Log:       log,
		Repos:     set,
		Ledger:    l,
		Active:    active.New(l, set.RunItems, set.Outputs, nil, active.Config{}, log),
		Generator: okGenerator{},
		Bus:       b,
		Notify:    notify,
	}, PipelineConfig{
		Concurrency: 2,
		Retry:       coordinator.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return fixture{db: db, set: set, svc: svc, dbc: dbctx.New(context.Background())}
}

func (f fixture) look(t *testing.T, name string, views ...string) *types.Look {
	return testutil.SeedLook(t, context.Background(), f.db, name, jobs.StageGeneration, views...)
}

func TestEnqueueCreatesRunItems(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front", "back")
	b := f.look(t, "B", "front", "back")

	res, err := f.svc.Enqueue(f.dbc, EnqueueInput{LookIDs: []uuid.UUID{a.ID, b.ID, a.ID}, RunsPerLook: 2})
	require.NoError(t, err)
	assert.Equal(t, jobs.JobQueued, res.Job.Status)
	assert.Equal(t, 4, res.Job.ProgressTotal)
	require.Len(t, res.Items, 4)

	indexes := map[uuid.UUID][]int{}
	for _, it := range res.Items {
		assert.Equal(t, jobs.RunQueued, it.Status)
		indexes[it.LookID] = append(indexes[it.LookID], it.RunIndex)
	}
	assert.Equal(t, []int{1, 2}, indexes[a.ID])
	assert.Equal(t, []int{1, 2}, indexes[b.ID])

	more, err := f.svc.Enqueue(f.dbc, EnqueueInput{BatchID: res.Job.ID, LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 1})
	require.NoError(t, err)
	assert.Equal(t, res.Job.ID, more.Job.ID)
	assert.Equal(t, 5, more.Job.ProgressTotal)
	assert.Equal(t, 3, more.Items[0].RunIndex)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front")

	cases := []EnqueueInput{
		{RunsPerLook: 1},
		{LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 0},
		{LookIDs: []uuid.UUID{a.ID}, RunsPerLook: maxRunsPerLook + 1},
		{LookIDs: []uuid.UUID{a.ID, uuid.New()}, RunsPerLook: 1},
	}
	for _, in := range cases {
		_, err := f.svc.Enqueue(f.dbc, in)
		assert.True(t, jobs.IsValidation(err), "input %+v: %v", in, err)
	}
}

func TestEnqueueIntoFinishedBatchRejected(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, context.Background(), f.db, jobs.JobCompleted, 1)

	_, err := f.svc.Enqueue(f.dbc, EnqueueInput{BatchID: job.ID, LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 1})
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition))

	stored, err := f.set.Jobs.GetByID(f.dbc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ProgressTotal)
}

type failingRunItems struct {
	repos.RunItemRepo
}

func (failingRunItems) Create(dbctx.Context, []*types.RunItem) ([]*types.RunItem, error) {
	return nil, errors.New("insert refused")
}

func TestEnqueueRollsBackWhenItemsFail(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front")
	res, err := f.svc.Enqueue(f.dbc, EnqueueInput{LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 1})
	require.NoError(t, err)

	log := testutil.Logger(t)
	set := f.set
	set.RunItems = failingRunItems{RunItemRepo: f.set.RunItems}
	svc := NewPipelineService(PipelineDeps{
		DB:        f.db,
		Log:       log,
		Repos:     set,
		Ledger:    ledger.New(f.db, set.Jobs, nil, log),
		Generator: okGenerator{},
	}, PipelineConfig{})

	_, err = svc.Enqueue(f.dbc, EnqueueInput{BatchID: res.Job.ID, LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 3})
	require.Error(t, err)
	stored, err := f.set.Jobs.GetByID(f.dbc, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ProgressTotal)
	items, err := f.set.RunItems.ListByBatch(f.dbc, res.Job.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// a batch created by the failed call is rolled back with it
	fresh := uuid.New()
	_, err = svc.Enqueue(f.dbc, EnqueueInput{BatchID: fresh, LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 1})
	require.Error(t, err)
	_, err = f.set.Jobs.GetByID(f.dbc, fresh)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestConcurrentEnqueuesGetDistinctRunIndexes(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front")

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*EnqueueResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Enqueue(f.dbc, EnqueueInput{LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 2})
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		for _, it := range results[i].Items {
			assert.False(t, seen[it.RunIndex], "run index %d allocated twice", it.RunIndex)
			seen[it.RunIndex] = true
		}
	}
	assert.Len(t, seen, callers*2)
}

func TestEnqueueAndRunToCompletion(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front", "back", "detail")
	b := f.look(t, "B", "front", "back", "detail")

	res, err := f.svc.Enqueue(f.dbc, EnqueueInput{LookIDs: []uuid.UUID{a.ID, b.ID}, RunsPerLook: 2})
	require.NoError(t, err)
	batchID := res.Job.ID

	_, err = f.svc.Start(f.dbc, batchID, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.svc.Running(batchID) }, 10*time.Second, 10*time.Millisecond)

	items, err := f.svc.ListRunItems(f.dbc, batchID)
	require.NoError(t, err)
	require.Len(t, items, 4)
	perLook := map[uuid.UUID]int{}
	want := pairing.Default().TasksPerLook(jobs.StageGeneration)
	for _, it := range items {
		perLook[it.LookID]++
		assert.Equal(t, jobs.RunComplete, it.Status)
		assert.Equal(t, want, it.OutputsGenerated)
	}
	assert.Equal(t, map[uuid.UUID]int{a.ID: 2, b.ID: 2}, perLook)

	overview, err := f.svc.ListJobs(f.dbc)
	require.NoError(t, err)
	assert.Empty(t, overview.Active)
	require.Len(t, overview.Recent, 1)
	assert.Equal(t, jobs.JobCompleted, overview.Recent[0].Status)
	assert.Equal(t, 4, overview.Recent[0].ProgressDone)

	sum, err := f.svc.Summaries(f.dbc, batchID, 2, tracker.FilterComplete)
	require.NoError(t, err)
	assert.Len(t, sum.Looks, 2)
}

func TestStartRejectsFinishedBatch(t *testing.T) {
	f := newFixture(t)
	job := testutil.SeedJob(t, context.Background(), f.db, jobs.JobCompleted, 0)
	_, err := f.svc.Start(f.dbc, job.ID, 1)
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition))
}

func TestStopWithoutCoordinator(t *testing.T) {
	f := newFixture(t)
	job := testutil.SeedJob(t, context.Background(), f.db, jobs.JobRunning, 0)
	_, err := f.svc.Stop(f.dbc, job.ID)
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition))
}

func TestRetrySingleResetsOnlyThatItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobFailed, 3)
	var items []*types.RunItem
	for i := 0; i < 3; i++ {
		it := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunFailed, nil)
		require.NoError(t, f.set.RunItems.UpdateFields(f.dbc, it.ID, map[string]interface{}{"error": "boom"}))
		items = append(items, it)
	}

	got, err := f.svc.RetrySingle(f.dbc, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunQueued, got.Status)
	assert.Empty(t, got.Error)

	for _, it := range []*types.RunItem{items[0], items[2]} {
		other, err := f.set.RunItems.GetByID(f.dbc, it.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.RunFailed, other.Status)
		assert.Equal(t, "boom", other.Error)
	}

	reopened, err := f.set.Jobs.GetByID(f.dbc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobQueued, reopened.Status)
	assert.Equal(t, 4, reopened.ProgressTotal)

	_, err = f.svc.RetrySingle(f.dbc, items[1].ID)
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition), "a queued item cannot be retried")
}

func TestRetryFailedRequeuesBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobFailed, 3)
	testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunFailed, nil)
	testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunFailed, nil)
	done := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunComplete, nil)

	n, err := f.svc.RetryFailed(f.dbc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	still, err := f.set.RunItems.GetByID(f.dbc, done.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunComplete, still.Status)

	reopened, err := f.set.Jobs.GetByID(f.dbc, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobQueued, reopened.Status)

	n, err = f.svc.RetryFailed(f.dbc, job.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryRejectedForCompletedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobCompleted, 1)
	it := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunComplete, nil)

	_, err := f.svc.RetrySingle(f.dbc, it.ID)
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition))
}

func TestClearCompletedKeepsOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobCompleted, 2)
	done := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunComplete, nil)
	failed := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunFailed, nil)
	out := testutil.SeedOutput(t, ctx, f.db, done, "front", jobs.OutputCompleted)

	n, err := f.svc.ClearCompleted(f.dbc, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	items, err := f.svc.ListRunItems(f.dbc, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, failed.ID, items[0].ID)

	kept, err := f.set.Outputs.GetByID(f.dbc, out.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.OutputCompleted, kept.Status)
}

func TestSelectOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobRunning, 1)
	it := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunRunning, nil)
	pending := testutil.SeedOutput(t, ctx, f.db, it, "front", jobs.OutputPending)
	done := testutil.SeedOutput(t, ctx, f.db, it, "front", jobs.OutputCompleted)

	_, err := f.svc.SelectOutput(f.dbc, pending.ID, true)
	assert.True(t, jobs.IsValidation(err))

	got, err := f.svc.SelectOutput(f.dbc, done.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsSelected)

	stored, err := f.set.Outputs.GetByID(f.dbc, done.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSelected)

	_, err = f.svc.SelectOutput(f.dbc, uuid.New(), true)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestSetJobStatusCancelCancelsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.look(t, "A", "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobRunning, 2)
	queued := testutil.SeedRunItem(t, ctx, f.db, job.ID, a.ID, jobs.RunQueued, nil)

	updated, err := f.svc.SetJobStatus(f.dbc, job.ID, jobs.JobCanceled, "operator cancel")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobCanceled, updated.Status)

	got, err := f.set.RunItems.GetByID(f.dbc, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.RunCancelled, got.Status)

	_, err = f.svc.SetJobStatus(f.dbc, job.ID, jobs.JobRunning, "")
	assert.True(t, errors.Is(err, jobs.ErrIllegalTransition))
}

func TestWatchSummariesEmitsInitialSnapshot(t *testing.T) {
	f := newFixture(t)
	a := f.look(t, "A", "front")
	res, err := f.svc.Enqueue(f.dbc, EnqueueInput{LookIDs: []uuid.UUID{a.ID}, RunsPerLook: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan tracker.Summary, 4)
	go func() {
		_ = f.svc.WatchSummaries(ctx, res.Job.ID, 1, func(s tracker.Summary) { got <- s })
	}()

	select {
	case sum := <-got:
		require.Len(t, sum.Looks, 1)
		assert.True(t, sum.Looks[0].NeedsGeneration)
	case <-time.After(2 * time.Second):
		t.Fatal("no summary emitted")
	}
}
