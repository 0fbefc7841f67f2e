package tracker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos/testutil"
	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

func outputs(lookID uuid.UUID, shot string, statuses ...jobs.OutputStatus) []types.Output {
	out := make([]types.Output, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, types.Output{ID: uuid.New(), LookID: lookID, ShotType: shot, Status: s, CreatedAt: time.Now().UTC()})
	}
	return out
}

func TestComputeRequiredOptions(t *testing.T) {
	a := LookInput{ID: uuid.New(), Name: "a", Stage: jobs.StageGeneration, RequiredViews: []string{"front"}}
	b := LookInput{ID: uuid.New(), Name: "b", Stage: jobs.StageGeneration, RequiredViews: []string{"front"}}

	var rows []types.Output
	rows = append(rows, outputs(a.ID, "front", jobs.OutputCompleted, jobs.OutputCompleted, jobs.OutputCompleted)...)
	rows = append(rows, outputs(b.ID, "front", jobs.OutputCompleted, jobs.OutputCompleted, jobs.OutputPending)...)

	sum := Compute([]LookInput{b, a}, rows, 3)
	require.Len(t, sum.Looks, 2)
	require.Equal(t, "a", sum.Looks[0].Name)

	va := sum.Looks[0].Views[0]
	assert.Equal(t, 3, va.Completed)
	assert.True(t, va.IsComplete)
	assert.True(t, sum.Looks[0].IsFullyComplete)
	assert.False(t, sum.Looks[0].NeedsGeneration)

	vb := sum.Looks[1].Views[0]
	assert.Equal(t, 2, vb.Completed)
	assert.Equal(t, 1, vb.Pending)
	assert.False(t, vb.IsComplete)
	assert.True(t, sum.Looks[1].NeedsGeneration)
	assert.Equal(t, []string{"front"}, sum.Looks[1].ViewsPartial)
	assert.True(t, sum.InFlight)
}

func TestComputeViewBuckets(t *testing.T) {
	look := LookInput{ID: uuid.New(), Name: "look", RequiredViews: []string{"front", "side", "back"}}
	var rows []types.Output
	rows = append(rows, outputs(look.ID, "front", jobs.OutputCompleted, jobs.OutputCompleted)...)
	rows = append(rows, outputs(look.ID, "side", jobs.OutputCompleted, jobs.OutputFailed)...)
	rows = append(rows, outputs(look.ID, "back", jobs.OutputFailed, jobs.OutputGenerating)...)
	rows = append(rows, outputs(uuid.New(), "front", jobs.OutputCompleted)...)

	sum := Compute([]LookInput{look}, rows, 2)
	l := sum.Looks[0]
	assert.Equal(t, []string{"front"}, l.ViewsComplete)
	assert.Equal(t, []string{"side"}, l.ViewsPartial)
	assert.Equal(t, []string{"back"}, l.ViewsMissing)
	assert.Equal(t, 1, l.Views[2].Running)
	assert.True(t, l.HasFailures())
	assert.False(t, l.IsFullyComplete)
}

func TestComputeNewSinceLastRun(t *testing.T) {
	now := time.Now().UTC()
	fresh := LookInput{ID: uuid.New(), Name: "fresh", RequiredViews: []string{"front"}}
	stale := LookInput{ID: uuid.New(), Name: "stale", RequiredViews: []string{"front"}, SourcesUpdatedAt: now}
	done := LookInput{ID: uuid.New(), Name: "done", RequiredViews: []string{"front"}, SourcesUpdatedAt: now.Add(-time.Hour)}

	rows := []types.Output{
		{LookID: stale.ID, ShotType: "front", Status: jobs.OutputCompleted, CreatedAt: now.Add(-time.Minute)},
		{LookID: done.ID, ShotType: "front", Status: jobs.OutputCompleted, CreatedAt: now.Add(-time.Minute)},
	}
	sum := Compute([]LookInput{fresh, stale, done}, rows, 1)
	got := map[string]bool{}
	for _, l := range sum.Looks {
		got[l.Name] = l.IsNewSinceLastRun
	}
	assert.Equal(t, map[string]bool{"fresh": true, "stale": true, "done": false}, got)
	assert.False(t, sum.InFlight)
}

func TestComputeClampsRequiredOptions(t *testing.T) {
	look := LookInput{ID: uuid.New(), Name: "x", RequiredViews: []string{"front"}}
	sum := Compute([]LookInput{look}, outputs(look.ID, "front", jobs.OutputCompleted), 0)
	assert.Equal(t, 1, sum.RequiredOptions)
	assert.True(t, sum.Looks[0].IsFullyComplete)
}

func TestFilterDeterministic(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	looks := []LookSummary{
		{LookID: uuid.New(), Name: "c", IsFullyComplete: true},
		{LookID: id2, Name: "a", NeedsGeneration: true, IsNewSinceLastRun: true},
		{LookID: id1, Name: "a", NeedsGeneration: true, Views: []ViewStatus{{View: "front", Failed: 1}}},
		{LookID: uuid.New(), Name: "b", NeedsGeneration: true},
	}

	first := Filter(looks, FilterNeedsGeneration)
	second := Filter(looks, FilterNeedsGeneration)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0].Name)
	assert.Equal(t, "a", first[1].Name)
	assert.Less(t, first[0].LookID.String(), first[1].LookID.String())
	assert.Equal(t, "b", first[2].Name)

	assert.Len(t, Filter(looks, FilterAll), 4)
	assert.Len(t, Filter(looks, FilterNew), 1)
	assert.Len(t, Filter(looks, FilterComplete), 1)
	failed := Filter(looks, FilterFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, id1, failed[0].LookID)
	assert.Empty(t, Filter(looks, FilterTag("bogus")))
	assert.Equal(t, "c", looks[0].Name)
}

func TestParseFilterTag(t *testing.T) {
	tag, err := ParseFilterTag("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, tag)

	tag, err = ParseFilterTag(" Needs_Generation ")
	require.NoError(t, err)
	assert.Equal(t, FilterNeedsGeneration, tag)

	_, err = ParseFilterTag("later")
	assert.Error(t, err)
}

func TestNeedsActionTable(t *testing.T) {
	rules := pairing.Default()
	front := []types.SourceImage{{View: "front"}}
	both := []types.SourceImage{{View: "front"}, {View: "back"}}
	lookID := uuid.New()

	var all []types.Output
	for _, shot := range rules.ShotTypes(jobs.StageGeneration) {
		all = append(all, outputs(lookID, shot, jobs.OutputCompleted)...)
	}
	selected := make([]types.Output, len(all))
	copy(selected, all)
	for i := range selected {
		selected[i].IsSelected = true
	}

	cases := []struct {
		name  string
		stage jobs.LookStage
		in    ActionInput
		want  bool
	}{
		{"ingested without images", jobs.StageIngested, ActionInput{}, true},
		{"ingested with images", jobs.StageIngested, ActionInput{Images: front}, false},
		{"classified missing back", jobs.StageClassified, ActionInput{Images: front}, true},
		{"classified", jobs.StageClassified, ActionInput{Images: both}, false},
		{"generation without outputs", jobs.StageGeneration, ActionInput{Images: both}, true},
		{"generation covered", jobs.StageGeneration, ActionInput{Images: both, Outputs: all}, false},
		{"generation short of options", jobs.StageGeneration, ActionInput{Images: both, Outputs: all, RequiredOptions: 2}, true},
		{"review unselected", jobs.StageReview, ActionInput{Outputs: all}, true},
		{"review selected", jobs.StageReview, ActionInput{Outputs: selected}, false},
		{"handoff", jobs.StageHandoff, ActionInput{}, false},
		{"unknown", jobs.LookStage("archived"), ActionInput{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Rules = rules
			assert.Equal(t, tc.want, NeedsAction(tc.stage, tc.in))
		})
	}
}

func TestTrackerResyncNotifies(t *testing.T) {
	look := LookInput{ID: uuid.New(), Name: "look", Stage: jobs.StageGeneration, RequiredViews: []string{"front"}}
	var loads atomic.Int32
	load := func(ctx context.Context) ([]LookInput, []types.Output, error) {
		loads.Add(1)
		return []LookInput{look}, outputs(look.ID, "front", jobs.OutputCompleted), nil
	}
	tr := New(load, nil, Config{}, logger.Nop())

	var seen []Snapshot
	tr.OnChange(func(s Snapshot) { seen = append(seen, s) })

	snap, err := tr.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, snap.Summary, tr.Snapshot().Summary)
	assert.True(t, snap.Summary.Looks[0].IsFullyComplete)
	assert.True(t, snap.Summary.Looks[0].NeedsAction, "side, back and detail have no outputs yet")
	assert.EqualValues(t, 1, loads.Load())
}

func TestTrackerCoalescesEvents(t *testing.T) {
	var loads atomic.Int32
	load := func(ctx context.Context) ([]LookInput, []types.Output, error) {
		loads.Add(1)
		return nil, nil, nil
	}
	b := bus.NewMemoryBus(logger.Nop())
	defer b.Close()

	batchID := uuid.New()
	tr := New(load, b, Config{
		Debounce:     100 * time.Millisecond,
		PollInterval: time.Hour,
		Match:        func(ev bus.Event) bool { return ev.BatchID == batchID },
	}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, bus.NewEvent(bus.TableOutput, bus.OpUpdate, uuid.New(), batchID)))
	}
	require.NoError(t, b.Publish(ctx, bus.NewEvent(bus.TableOutput, bus.OpUpdate, uuid.New(), uuid.New())))

	require.Eventually(t, func() bool { return loads.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.EqualValues(t, 2, loads.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestTrackerPollsWhileInFlight(t *testing.T) {
	look := LookInput{ID: uuid.New(), Name: "look", RequiredViews: []string{"front"}}
	var loads atomic.Int32
	load := func(ctx context.Context) ([]LookInput, []types.Output, error) {
		n := loads.Add(1)
		if n < 3 {
			return []LookInput{look}, outputs(look.ID, "front", jobs.OutputGenerating), nil
		}
		return []LookInput{look}, outputs(look.ID, "front", jobs.OutputCompleted), nil
	}
	tr := New(load, nil, Config{PollInterval: 20 * time.Millisecond}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	require.Eventually(t, func() bool { return loads.Load() >= 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, loads.Load(), "polling stops once nothing is in flight")
	assert.False(t, tr.Snapshot().Summary.InFlight)
}

func TestRepoLoader(t *testing.T) {
	db := testutil.DB(t)
	set := repos.NewSet(db, testutil.Logger(t))
	ctx := context.Background()

	look := testutil.SeedLook(t, ctx, db, "look-a", jobs.StageGeneration, "front", "back")
	other := testutil.SeedLook(t, ctx, db, "look-b", jobs.StageGeneration, "front")
	job := testutil.SeedJob(t, ctx, db, jobs.JobRunning, 1)
	prev := testutil.SeedJob(t, ctx, db, jobs.JobCompleted, 1)
	item := testutil.SeedRunItem(t, ctx, db, job.ID, look.ID, jobs.RunRunning, nil)
	old := testutil.SeedRunItem(t, ctx, db, prev.ID, look.ID, jobs.RunComplete, nil)
	testutil.SeedOutput(t, ctx, db, item, "front", jobs.OutputGenerating)
	testutil.SeedOutput(t, ctx, db, old, "front", jobs.OutputCompleted)
	testutil.SeedRunItem(t, ctx, db, prev.ID, other.ID, jobs.RunComplete, nil)

	looks, rows, err := RepoLoader(set.Looks, set.Outputs, nil, job.ID)(ctx)
	require.NoError(t, err)
	require.Len(t, looks, 1)
	assert.Equal(t, look.ID, looks[0].ID)
	assert.Equal(t, []string{"front", "side", "back", "detail"}, looks[0].RequiredViews)
	assert.Len(t, looks[0].Images, 2)
	assert.Len(t, rows, 2, "outputs from earlier batches count toward completion")

	sum := Build(looks, rows, 1, nil)
	assert.Equal(t, []string{"front"}, sum.Looks[0].ViewsComplete)
	assert.True(t, sum.InFlight)
}
