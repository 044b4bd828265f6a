package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/api"
	"github.com/JakeFAU/crawlgrid/internal/app"
	"github.com/JakeFAU/crawlgrid/internal/config"
	"github.com/JakeFAU/crawlgrid/internal/embedded"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func newGrid(t *testing.T) *app.App {
	t.Helper()
	s, err := embedded.Open(embedded.Options{Ephemeral: true, CacheSizeMB: 8, AutoCommitBufferKB: 8 << 10}, zap.NewNop())
	require.NoError(t, err)
	a := app.Assemble(config.BackendEmbedded, s, config.PipelineConfig{MonitorInterval: 10 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	g := newGrid(t)
	h := api.NewServer(g, zap.NewNop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, body = do(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	require.NoError(t, g.Storage().Close())
	rec, _ = do(t, h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	g := newGrid(t)
	h := api.NewServer(g, zap.NewNop()).Handler()

	_, err := g.Storage().StoreNames(context.Background())
	require.NoError(t, err)
	do(t, h, http.MethodGet, "/healthz")

	rec, _ := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), "grid_store_operations_total")
}

func TestStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGrid(t)
	h := api.NewServer(g, zap.NewNop()).Handler()

	pages, err := grid.OpenMap(ctx, g.Storage(), "pages", grid.String)
	require.NoError(t, err)
	_, err = pages.Put(ctx, "a", "hello")
	require.NoError(t, err)
	_, err = pages.Put(ctx, "b", "world")
	require.NoError(t, err)
	_, err = grid.OpenSet(ctx, g.Storage(), "seen")
	require.NoError(t, err)

	rec, body := do(t, h, http.MethodGet, "/v1/stores")
	require.Equal(t, http.StatusOK, rec.Code)
	stores, ok := body["stores"].([]any)
	require.True(t, ok)
	var names []string
	for _, s := range stores {
		names = append(names, s.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "pages")
	assert.Contains(t, names, "seen")

	rec, body = do(t, h, http.MethodGet, "/v1/stores?limit=1&offset=1000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["stores"])

	rec, _ = do(t, h, http.MethodGet, "/v1/stores?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/v1/stores/pages")
	require.Equal(t, http.StatusOK, rec.Code)
	store := body["store"].(map[string]any)
	assert.Equal(t, "map", store["kind"])
	assert.Equal(t, "string", store["value_type"])
	assert.EqualValues(t, 2, store["size"])
	assert.Equal(t, false, store["internal"])

	rec, _ = do(t, h, http.MethodGet, "/v1/stores/absent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGrid(t)
	h := api.NewServer(g, zap.NewNop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/v1/jobs/never")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "IDLE", body["job"].(map[string]any)["state"])

	_, err := g.Compute().RunOnOne(ctx, "index", grid.JobFunc(func(context.Context) error { return nil }))
	require.NoError(t, err)
	rec, body = do(t, h, http.MethodGet, "/v1/jobs/index")
	require.Equal(t, http.StatusOK, rec.Code)
	job := body["job"].(map[string]any)
	assert.Equal(t, "COMPLETED", job["state"])
	assert.NotEmpty(t, job["run_id"])
	assert.Equal(t, false, job["active"])

	started := make(chan struct{})
	result := make(chan grid.JobState, 1)
	go func() {
		state, _ := g.Compute().RunOnOne(ctx, "block", grid.JobFunc(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))
		result <- state
	}()
	<-started

	rec, body = do(t, h, http.MethodGet, "/v1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"block"}, body["active"])

	rec, body = do(t, h, http.MethodPost, "/v1/jobs/block/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["active"])
	select {
	case state := <-result:
		assert.Equal(t, grid.JobFailed, state)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop")
	}

	rec, body = do(t, h, http.MethodPost, "/v1/jobs/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []any{}, body["stopped"])
}

func TestPipelines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newGrid(t)
	h := api.NewServer(g, zap.NewNop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/v1/pipelines/crawl")
	require.Equal(t, http.StatusOK, rec.Code)
	p := body["pipeline"].(map[string]any)
	assert.Equal(t, false, p["recorded"])

	started := make(chan struct{})
	exec := g.Pipeline().Start(ctx, "crawl", []grid.Stage{
		{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) { return true, nil })},
		{Task: grid.StageFunc(func(rc *grid.RunContext) (bool, error) {
			close(started)
			<-rc.Context().Done()
			return false, nil
		})},
	}, nil)
	<-started

	rec, body = do(t, h, http.MethodGet, "/v1/pipelines/crawl")
	require.Equal(t, http.StatusOK, rec.Code)
	p = body["pipeline"].(map[string]any)
	assert.Equal(t, true, p["recorded"])
	assert.Equal(t, true, p["active"])
	assert.EqualValues(t, 1, p["stage"])
	assert.Equal(t, false, p["completed"])

	rec, _ = do(t, h, http.MethodPost, "/v1/pipelines/crawl/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	ok, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, exec.StopRequested())
}

type panicGrid struct{ grid.Grid }

func (panicGrid) Compute() grid.Compute { panic("compute unavailable") }

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := api.NewServer(panicGrid{Grid: newGrid(t)}, zap.NewNop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/v1/jobs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", body["error"])
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	h := api.NewServer(newGrid(t), nil).Handler()
	rec, _ := do(t, h, http.MethodGet, "/v2/anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
