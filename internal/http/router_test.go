package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/clients/generation"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/data/repos/testutil"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	httpH "github.com/BennyGman66/expression-forge-studio-sub008/internal/http/handlers"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/active"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/ledger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/observability"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req generation.Request) (generation.Result, error) {
	return generation.Result{ResultRef: "gen://" + req.OutputID.String()}, nil
}

type apiFixture struct {
	db      *gorm.DB
	set     repos.Set
	hub     *realtime.SSEHub
	metrics *observability.Metrics
	router  *gin.Engine
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = b.Close() })
	notify := bus.NewNotifier(b, log)
	l := ledger.New(db, set.Jobs, notify, log)
	metrics := observability.New(0)
	svc := services.NewPipelineService(services.PipelineDeps{
		DB:        db,
		Log:       log,
		Repos:     set,
		Ledger:    l,
		Active:    active.New(l, set.RunItems, set.Outputs, metrics, active.Config{}, log),
		Generator: stubGenerator{},
		Bus:       b,
		Notify:    notify,
		Metrics:   metrics,
	}, services.PipelineConfig{Concurrency: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	hub := realtime.NewSSEHub(log)

	router := NewRouter(RouterConfig{
		Log:             log,
		Metrics:         metrics,
		HealthHandler:   httpH.NewHealthHandler(nil),
		JobHandler:      httpH.NewJobHandler(svc),
		BatchHandler:    httpH.NewBatchHandler(svc),
		RunHandler:      httpH.NewRunHandler(svc),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub, svc),
	})
	return apiFixture{db: db, set: set, hub: hub, metrics: metrics, router: router}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `efs_api_requests_total{method="GET",route="/healthcheck",status="200"} 1`)
}

func TestEnqueueAndListRuns(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	look := testutil.SeedLook(t, ctx, f.db, "A", jobs.StageGeneration, "front")

	rec := f.do(t, http.MethodPost, "/api/batches", map[string]any{
		"look_ids":      []string{look.ID.String()},
		"runs_per_look": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res services.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Job)
	assert.Len(t, res.Items, 2)

	rec = f.do(t, http.MethodGet, "/api/batches/"+res.Job.ID.String()+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs.Runs, 2)

	rec = f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var overview active.Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	require.Len(t, overview.Active, 1)
	assert.Equal(t, 2, overview.Active[0].Runs.Queued)
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	look := testutil.SeedLook(t, ctx, f.db, "A", jobs.StageGeneration, "front")
	queued := testutil.SeedJob(t, ctx, f.db, jobs.JobQueued, 1)
	done := testutil.SeedJob(t, ctx, f.db, jobs.JobCompleted, 1)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad id", http.MethodPost, "/api/batches/nope/start", nil, http.StatusBadRequest, "invalid_batch_id"},
		{"validation", http.MethodPost, "/api/batches", map[string]any{"look_ids": []string{look.ID.String()}, "runs_per_look": 0}, http.StatusBadRequest, "invalid_request"},
		{"unknown job", http.MethodPost, "/api/jobs/" + uuid.NewString() + "/status", map[string]any{"status": "PAUSED"}, http.StatusNotFound, "not_found"},
		{"unknown status", http.MethodPost, "/api/jobs/" + queued.ID.String() + "/status", map[string]any{"status": "sleeping"}, http.StatusBadRequest, "invalid_request"},
		{"illegal transition", http.MethodPost, "/api/jobs/" + done.ID.String() + "/status", map[string]any{"status": "RUNNING"}, http.StatusConflict, "illegal_transition"},
		{"mark queued stalled", http.MethodPost, "/api/jobs/" + queued.ID.String() + "/mark-stalled", nil, http.StatusConflict, "illegal_transition"},
		{"start finished batch", http.MethodPost, "/api/batches/" + done.ID.String() + "/start", nil, http.StatusConflict, "illegal_transition"},
		{"stop idle batch", http.MethodPost, "/api/batches/" + queued.ID.String() + "/stop", nil, http.StatusConflict, "illegal_transition"},
		{"bad filter", http.MethodGet, "/api/batches/" + queued.ID.String() + "/summary?filter=shiny", nil, http.StatusBadRequest, "invalid_request"},
		{"bad required options", http.MethodGet, "/api/batches/" + queued.ID.String() + "/summary?required_options=0", nil, http.StatusBadRequest, "invalid_request"},
		{"unknown run", http.MethodPost, "/api/runs/" + uuid.NewString() + "/retry", nil, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestSummaryEndpoint(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	look := testutil.SeedLook(t, ctx, f.db, "A", jobs.StageGeneration, "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobRunning, 1)
	item := testutil.SeedRunItem(t, ctx, f.db, job.ID, look.ID, jobs.RunRunning, nil)
	testutil.SeedOutput(t, ctx, f.db, item, "front", jobs.OutputCompleted)

	rec := f.do(t, http.MethodGet, "/api/batches/"+job.ID.String()+"/summary?required_options=1&filter=needs_generation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sum struct {
		RequiredOptions int              `json:"required_options"`
		Looks           []map[string]any `json:"looks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.RequiredOptions)
	assert.Len(t, sum.Looks, 1, "generation stage needs more shots than front")
}

func TestSelectOutputEndpoint(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	look := testutil.SeedLook(t, ctx, f.db, "A", jobs.StageGeneration, "front")
	job := testutil.SeedJob(t, ctx, f.db, jobs.JobRunning, 1)
	item := testutil.SeedRunItem(t, ctx, f.db, job.ID, look.ID, jobs.RunRunning, nil)
	out := testutil.SeedOutput(t, ctx, f.db, item, "front", jobs.OutputCompleted)

	rec := f.do(t, http.MethodPost, "/api/outputs/"+out.ID.String()+"/select", map[string]any{"selected": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"is_selected":true`)
}

func TestStreamDeliversChanges(t *testing.T) {
	f := newAPI(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.hub.Subscribers(realtime.ChannelAll) == 1 }, 2*time.Second, 10*time.Millisecond)
	f.hub.Forward(bus.NewEvent(bus.TablePipelineJob, bus.OpUpdate, uuid.New(), uuid.Nil))

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, "event: "+string(realtime.SSEEventJobChanged), line)
				return
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
