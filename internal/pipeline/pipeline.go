// Package pipeline runs multi-stage pipelines that resume at the stage they
// were interrupted in. Progress and stop requests live in grid storage, so a
// restarted process or another process sharing the storage sees them.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
)

// DefaultMonitorInterval is how often a run polls for stop requests.
const DefaultMonitorInterval = time.Second

// Config tunes the coordinator.
type Config struct {
	MonitorInterval time.Duration
	Logger          *zap.Logger
}

// Coordinator implements grid.Pipeline.
type Coordinator struct {
	storage  grid.Storage
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*execution
}

var _ grid.Pipeline = (*Coordinator)(nil)

// New returns a coordinator persisting to storage.
func New(storage grid.Storage, cfg Config) *Coordinator {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		storage:  storage,
		interval: cfg.MonitorInterval,
		logger:   cfg.Logger.Named("pipeline"),
		active:   make(map[string]*execution),
	}
}

// Run runs the pipeline and waits for it. It reports whether every stage from
// the resume point on succeeded.
func (c *Coordinator) Run(ctx context.Context, pipelineID string, stages []grid.Stage, value any) (bool, error) {
	return c.Start(ctx, pipelineID, stages, value).Wait(ctx)
}

// Start launches the pipeline in the background.
func (c *Coordinator) Start(ctx context.Context, pipelineID string, stages []grid.Stage, value any) grid.Execution {
	if err := validate(pipelineID, stages); err != nil {
		return finished(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := newExecution(pipelineID, cancel)
	if !c.register(e) {
		cancel()
		return finished(fmt.Errorf("%w: %s", grid.ErrPipelineActive, pipelineID))
	}
	go c.run(ctx, runCtx, e, stages, value)
	return e
}

func validate(pipelineID string, stages []grid.Stage) error {
	if pipelineID == "" {
		return fmt.Errorf("%w: pipeline id is required", grid.ErrConfig)
	}
	if len(stages) == 0 {
		return fmt.Errorf("%w: %s", grid.ErrNoStages, pipelineID)
	}
	for i, st := range stages {
		if st.Task == nil {
			return fmt.Errorf("%w: pipeline %s stage %d has no task", grid.ErrConfig, pipelineID, i)
		}
	}
	return nil
}

func (c *Coordinator) register(e *execution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[e.id]; busy {
		return false
	}
	c.active[e.id] = e
	return true
}

func (c *Coordinator) deregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// ActivePipelines lists the pipelines running in this process, sorted.
func (c *Coordinator) ActivePipelines() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) progress(ctx context.Context) (*grid.Map[int], error) {
	return grid.OpenMap(ctx, c.storage, grid.PipelineStageStore, grid.Int)
}

func (c *Coordinator) stopRequests(ctx context.Context) (*grid.Set, error) {
	return grid.OpenSet(ctx, c.storage, grid.PipelineStopStore)
}

// run drives one execution. ctx is used for storage and runCtx for stages,
// so a stop cancels the stage without cancelling bookkeeping.
func (c *Coordinator) run(ctx, runCtx context.Context, e *execution, stages []grid.Stage, value any) {
	logger := c.logger.With(zap.String("pipeline", e.id))
	metrics.IncActivePipelines()
	defer metrics.DecActivePipelines()
	defer c.deregister(e.id)

	ok, err := c.execute(ctx, runCtx, e, stages, value, logger)
	if err != nil {
		logger.Error("pipeline aborted", zap.Error(err))
	}
	e.finish(ok, err)
}

func (c *Coordinator) execute(ctx, runCtx context.Context, e *execution, stages []grid.Stage, value any, logger *zap.Logger) (bool, error) {
	progress, err := c.progress(ctx)
	if err != nil {
		return false, err
	}
	stops, err := c.stopRequests(ctx)
	if err != nil {
		return false, err
	}
	start := 0
	idx, found, err := progress.Get(ctx, e.id)
	if err != nil {
		return false, fmt.Errorf("read pipeline progress %s: %w", e.id, err)
	}
	if found && idx >= 0 && idx < len(stages) {
		start = idx
	}
	if _, err := stops.Remove(ctx, e.id); err != nil {
		return false, fmt.Errorf("clear stop request %s: %w", e.id, err)
	}
	logger.Info("pipeline started", zap.Int("from_stage", start), zap.Int("stages", len(stages)))

	monitorCtx, stopMonitor := context.WithCancel(runCtx)
	var (
		g  errgroup.Group
		ok bool
	)
	g.Go(func() error {
		c.monitor(monitorCtx, e, stops, logger)
		return nil
	})
	g.Go(func() error {
		defer stopMonitor()
		var err error
		ok, err = c.stages(ctx, runCtx, e, stages, start, value, progress, logger)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ok, nil
}

// stages runs stages from start and persists the active index as it goes.
func (c *Coordinator) stages(ctx, runCtx context.Context, e *execution, stages []grid.Stage, start int, value any, progress *grid.Map[int], logger *zap.Logger) (bool, error) {
	for i := start; i < len(stages); i++ {
		st := stages[i]
		stageLog := logger.With(zap.Int("stage", i), zap.String("stage_name", st.Name))
		if e.StopRequested() || runCtx.Err() != nil {
			e.failed.Store(int64(i))
			metrics.ObserveStage("stopped")
			stageLog.Info("pipeline stopped before stage")
			return false, nil
		}
		rc := grid.NewRunContext(runCtx, e.id, i, value, &e.stop)
		var dirs grid.Directives
		if st.Directives != nil {
			dirs = st.Directives(rc)
		}
		if !dirs.Transient {
			if _, err := progress.Put(ctx, e.id, i); err != nil {
				return false, fmt.Errorf("record pipeline stage %s/%d: %w", e.id, i, err)
			}
		}
		if dirs.Skip {
			metrics.ObserveStage("skipped")
			stageLog.Debug("stage skipped")
			continue
		}
		e.setCurrent(st.Task)
		ok, err := runStage(rc, st.Task)
		e.setCurrent(nil)
		switch {
		case err != nil:
			e.failed.Store(int64(i))
			metrics.ObserveStage("failed")
			stageLog.Error("stage failed", zap.Error(err))
			return false, nil
		case !ok:
			e.failed.Store(int64(i))
			if e.StopRequested() {
				metrics.ObserveStage("stopped")
				stageLog.Info("stage stopped")
			} else {
				metrics.ObserveStage("failed")
				stageLog.Warn("stage reported failure")
			}
			return false, nil
		}
		metrics.ObserveStage("completed")
		stageLog.Debug("stage completed")
	}
	if _, err := progress.Put(ctx, e.id, grid.CompletedStageIndex); err != nil {
		return false, fmt.Errorf("record pipeline completion %s: %w", e.id, err)
	}
	logger.Info("pipeline completed")
	return true, nil
}

// runStage runs task and turns a panic into an error.
func runStage(rc *grid.RunContext, task grid.StageTask) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("stage panicked: %v", p)
		}
	}()
	return task.Run(rc)
}

// monitor polls the stop-request set until ctx ends.
func (c *Coordinator) monitor(ctx context.Context, e *execution, stops *grid.Set, logger *zap.Logger) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := stops.Contains(ctx, e.id)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("stop request check failed", zap.Error(err))
				}
				continue
			}
			if requested {
				logger.Info("stop request received")
				e.requestStop()
				return
			}
		}
	}
}

// ActiveStageIndex returns the persisted stage index of pipelineID.
func (c *Coordinator) ActiveStageIndex(ctx context.Context, pipelineID string) (int, bool, error) {
	progress, err := c.progress(ctx)
	if err != nil {
		return 0, false, err
	}
	return progress.Get(ctx, pipelineID)
}

// Stop records a stop request for pipelineID, which any process running it
// picks up on its next monitor tick. A run in this process is signalled right
// away. An empty id signals every pipeline running in this process and
// records nothing, so runs of the same ids elsewhere keep going.
func (c *Coordinator) Stop(ctx context.Context, pipelineID string) error {
	if pipelineID == "" {
		ids := c.ActivePipelines()
		for _, id := range ids {
			c.signal(id)
		}
		c.logger.Info("local stop requested", zap.Int("pipelines", len(ids)))
		return nil
	}
	stops, err := c.stopRequests(ctx)
	if err != nil {
		return err
	}
	if _, err := stops.Add(ctx, pipelineID); err != nil {
		return fmt.Errorf("request stop %s: %w", pipelineID, err)
	}
	c.signal(pipelineID)
	c.logger.Info("stop requested", zap.String("pipeline", pipelineID))
	return nil
}

// signal stops the run of id in this process, if any.
func (c *Coordinator) signal(id string) {
	c.mu.Lock()
	e := c.active[id]
	c.mu.Unlock()
	if e != nil {
		e.requestStop()
	}
}

// Drain waits for every pipeline running in this process to end.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	running := make([]*execution, 0, len(c.active))
	for _, e := range c.active {
		running = append(running, e)
	}
	c.mu.Unlock()
	for _, e := range running {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
