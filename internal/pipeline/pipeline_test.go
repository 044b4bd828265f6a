package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/embedded"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/pipeline"
)

func newStorage(t *testing.T) grid.Storage {
	t.Helper()
	s, err := embedded.Open(embedded.Options{Ephemeral: true, CacheSizeMB: 8, AutoCommitBufferKB: 8 << 10}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCoordinator(s grid.Storage) *pipeline.Coordinator {
	return pipeline.New(s, pipeline.Config{MonitorInterval: 10 * time.Millisecond})
}

// recorder collects the names of stages that ran.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) stage(name string, result func() (bool, error)) grid.Stage {
	return grid.Stage{Name: name, Task: grid.StageFunc(func(*grid.RunContext) (bool, error) {
		r.mu.Lock()
		r.ran = append(r.ran, name)
		r.mu.Unlock()
		if result == nil {
			return true, nil
		}
		return result()
	})}
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ran
	r.ran = nil
	return out
}

func TestRunCompletesEveryStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	rec := &recorder{}
	stages := []grid.Stage{rec.stage("fetch", nil), rec.stage("parse", nil), rec.stage("index", nil)}

	ok, err := c.Run(ctx, "crawl", stages, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"fetch", "parse", "index"}, rec.take())

	idx, found, err := c.ActiveStageIndex(ctx, "crawl")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, grid.CompletedStageIndex, idx)

	// A completed pipeline starts over.
	ok, err = c.Run(ctx, "crawl", stages, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"fetch", "parse", "index"}, rec.take())
}

func TestRunResumesAtFailedStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	rec := &recorder{}
	var attempts atomic.Int32
	stages := []grid.Stage{
		rec.stage("fetch", nil),
		rec.stage("parse", func() (bool, error) { return attempts.Add(1) > 1, nil }),
		rec.stage("index", nil),
	}

	exec := c.Start(ctx, "crawl", stages, nil)
	ok, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, exec.FailedStage())
	assert.False(t, exec.StopRequested())
	assert.Equal(t, []string{"fetch", "parse"}, rec.take())

	idx, found, err := c.ActiveStageIndex(ctx, "crawl")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, idx)

	exec = c.Start(ctx, "crawl", stages, nil)
	ok, err = exec.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, exec.FailedStage())
	assert.Equal(t, []string{"parse", "index"}, rec.take())
}

func TestOutOfRangeProgressStartsOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStorage(t)
	progress, err := grid.OpenMap(ctx, s, grid.PipelineStageStore, grid.Int)
	require.NoError(t, err)
	_, err = progress.Put(ctx, "crawl", 7)
	require.NoError(t, err)

	rec := &recorder{}
	ok, err := newCoordinator(s).Run(ctx, "crawl", []grid.Stage{rec.stage("a", nil), rec.stage("b", nil)}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, rec.take())
}

func TestDirectives(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	rec := &recorder{}
	var failReport atomic.Bool
	failReport.Store(true)

	skipped := rec.stage("skipped", nil)
	skipped.Directives = func(*grid.RunContext) grid.Directives { return grid.Directives{Skip: true} }
	report := rec.stage("report", func() (bool, error) { return !failReport.Load(), nil })
	report.Directives = func(*grid.RunContext) grid.Directives { return grid.Directives{Transient: true} }
	stages := []grid.Stage{rec.stage("fetch", nil), skipped, report}

	ok, err := c.Run(ctx, "crawl", stages, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"fetch", "report"}, rec.take())

	// The transient stage never became the recorded stage, so the skipped
	// stage is where the run resumes.
	idx, _, err := c.ActiveStageIndex(ctx, "crawl")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	failReport.Store(false)
	ok, err = c.Run(ctx, "crawl", stages, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"report"}, rec.take())
}

func TestRunContextCarriesValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	var seen []int
	task := grid.StageFunc(func(rc *grid.RunContext) (bool, error) {
		assert.Equal(t, "crawl", rc.PipelineID)
		assert.Equal(t, "seed", rc.Value)
		seen = append(seen, rc.StageIndex)
		return true, nil
	})
	ok, err := c.Run(ctx, "crawl", []grid.Stage{{Task: task}, {Task: task}}, "seed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{0, 1}, seen)
}

func TestStageErrorsAndPanicsAreContained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))

	exec := c.Start(ctx, "errs", []grid.Stage{
		{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) { return true, nil })},
		{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) { return true, errors.New("boom") })},
	}, nil)
	ok, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, exec.FailedStage())

	exec = c.Start(ctx, "panics", []grid.Stage{
		{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) { panic("bad stage") })},
	}, nil)
	ok, err = exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, exec.FailedStage())
	assert.Empty(t, c.ActivePipelines())
}

func TestStartValidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))

	_, err := c.Run(ctx, "empty", nil, nil)
	assert.ErrorIs(t, err, grid.ErrNoStages)

	_, err = c.Run(ctx, "", []grid.Stage{{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) { return true, nil })}}, nil)
	assert.ErrorIs(t, err, grid.ErrConfig)

	_, err = c.Run(ctx, "nil-task", []grid.Stage{{Name: "missing"}}, nil)
	assert.ErrorIs(t, err, grid.ErrConfig)
}

// blockingTask runs until its context is cancelled.
type blockingTask struct {
	started chan struct{}
	stopped atomic.Bool
}

func newBlockingTask() *blockingTask { return &blockingTask{started: make(chan struct{})} }

func (b *blockingTask) Run(rc *grid.RunContext) (bool, error) {
	close(b.started)
	<-rc.Context().Done()
	return !rc.StopRequested(), nil
}

func (b *blockingTask) Stop() { b.stopped.Store(true) }

func waitStarted(t *testing.T, b *blockingTask) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}
}

func TestSecondRunOfActivePipelineIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	task := newBlockingTask()

	exec := c.Start(ctx, "crawl", []grid.Stage{{Task: task}}, nil)
	waitStarted(t, task)
	assert.Equal(t, []string{"crawl"}, c.ActivePipelines())

	_, err := c.Run(ctx, "crawl", []grid.Stage{{Task: task}}, nil)
	assert.ErrorIs(t, err, grid.ErrPipelineActive)

	require.NoError(t, c.Stop(ctx, ""))
	ok, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStopInterruptsRunningStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newCoordinator(newStorage(t))
	rec := &recorder{}
	task := newBlockingTask()
	stages := []grid.Stage{rec.stage("fetch", nil), {Name: "wait", Task: task}, rec.stage("index", nil)}

	exec := c.Start(ctx, "crawl", stages, nil)
	waitStarted(t, task)
	require.NoError(t, c.Stop(ctx, "crawl"))

	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	ok, err := exec.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, exec.StopRequested())
	assert.Equal(t, 1, exec.FailedStage())
	assert.True(t, task.stopped.Load())
	assert.Equal(t, []string{"fetch"}, rec.take())

	idx, _, err := c.ActiveStageIndex(ctx, "crawl")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestStopRequestFromAnotherCoordinator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStorage(t)
	runner := newCoordinator(s)
	remote := newCoordinator(s)
	task := newBlockingTask()

	exec := runner.Start(ctx, "crawl", []grid.Stage{{Task: task}}, nil)
	waitStarted(t, task)
	require.NoError(t, remote.Stop(ctx, "crawl"))

	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop request was not picked up")
	}
	assert.True(t, exec.StopRequested())

	// A new run clears the stale request.
	ok, err := runner.Run(ctx, "crawl", []grid.Stage{{Task: grid.StageFunc(func(*grid.RunContext) (bool, error) {
		time.Sleep(30 * time.Millisecond)
		return true, nil
	})}}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopAllOnlyStopsLocalRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStorage(t)
	local := newCoordinator(s)
	remote := newCoordinator(s)
	localTask, remoteTask := newBlockingTask(), newBlockingTask()

	remoteExec := remote.Start(ctx, "crawl", []grid.Stage{{Task: remoteTask}}, nil)
	waitStarted(t, remoteTask)
	localExec := local.Start(ctx, "crawl", []grid.Stage{{Task: localTask}}, nil)
	waitStarted(t, localTask)

	require.NoError(t, local.Stop(ctx, ""))
	select {
	case <-localExec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("local run did not stop")
	}
	assert.True(t, localExec.StopRequested())

	// several monitor ticks pass without the remote run noticing
	time.Sleep(100 * time.Millisecond)
	select {
	case <-remoteExec.Done():
		t.Fatal("remote run stopped by a local stop-all")
	default:
	}
	assert.False(t, remoteExec.StopRequested())
	stops, err := grid.OpenSet(ctx, s, grid.PipelineStopStore)
	require.NoError(t, err)
	pending, err := stops.Contains(ctx, "crawl")
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, remote.Stop(ctx, "crawl"))
	<-remoteExec.Done()
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	c := newCoordinator(newStorage(t))
	task := newBlockingTask()
	exec := c.Start(context.Background(), "crawl", []grid.Stage{{Task: task}}, nil)
	waitStarted(t, task)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Stop(context.Background(), "crawl"))
	<-exec.Done()
}
