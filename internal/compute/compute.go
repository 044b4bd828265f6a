// Package compute runs named jobs at most once at a time per process and
// records their outcome in grid storage.
package compute

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/clock/system"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/id/uuid"
	"github.com/JakeFAU/crawlgrid/internal/metrics"
)

// RecordCodec stores job records.
var RecordCodec = grid.JSON[grid.JobRecord]("grid.job_record")

// Config holds the coordinator's collaborators. Zero values get defaults.
type Config struct {
	Clock  grid.Clock
	IDs    grid.IDGenerator
	Logger *zap.Logger
}

// Coordinator implements grid.Compute.
type Coordinator struct {
	storage grid.Storage
	clock   grid.Clock
	ids     grid.IDGenerator
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*activeJob
}

type activeJob struct {
	job    grid.Job
	cancel context.CancelFunc
}

var _ grid.Compute = (*Coordinator)(nil)

// New returns a coordinator persisting to storage.
func New(storage grid.Storage, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		storage: storage,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		logger:  cfg.Logger.Named("compute"),
		active:  make(map[string]*activeJob),
	}
}

// RunOnOne runs job in this process. Every process shares the storage, so
// running on one instance and on all instances behave the same here: each
// caller runs its own instance.
func (c *Coordinator) RunOnOne(ctx context.Context, name string, job grid.Job) (grid.JobState, error) {
	return c.run(ctx, name, job, false)
}

// RunOnAll runs job in this process.
func (c *Coordinator) RunOnAll(ctx context.Context, name string, job grid.Job) (grid.JobState, error) {
	return c.run(ctx, name, job, false)
}

// RunOnOneOnce runs job unless an earlier run of name already ended.
func (c *Coordinator) RunOnOneOnce(ctx context.Context, name string, job grid.Job) (grid.JobState, error) {
	return c.run(ctx, name, job, true)
}

// RunOnAllOnce runs job unless an earlier run of name already ended.
func (c *Coordinator) RunOnAllOnce(ctx context.Context, name string, job grid.Job) (grid.JobState, error) {
	return c.run(ctx, name, job, true)
}

func (c *Coordinator) records(ctx context.Context) (*grid.Map[grid.JobRecord], error) {
	return grid.OpenMap(ctx, c.storage, grid.JobStateStore, RecordCodec)
}

func (c *Coordinator) run(ctx context.Context, name string, job grid.Job, runOnce bool) (grid.JobState, error) {
	if name == "" {
		return grid.JobIdle, fmt.Errorf("%w: job name is required", grid.ErrConfig)
	}
	if job == nil {
		return grid.JobIdle, fmt.Errorf("%w: job %q is nil", grid.ErrConfig, name)
	}
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.register(name, &activeJob{job: job, cancel: cancel}) {
		return grid.JobIdle, fmt.Errorf("%w: %s", grid.ErrJobActive, name)
	}
	defer c.deregister(name)

	logger := c.logger.With(zap.String("job", name))
	records, err := c.records(ctx)
	if err != nil {
		return grid.JobIdle, fmt.Errorf("open job records: %w", err)
	}
	if runOnce {
		prev, found, err := records.Get(ctx, name)
		if err != nil {
			return grid.JobIdle, fmt.Errorf("read job record %s: %w", name, err)
		}
		if found && prev.State.Terminal() {
			logger.Info("job already ran this session", zap.String("state", string(prev.State)))
			return prev.State, nil
		}
	}

	runID, err := c.ids.NewID()
	if err != nil {
		return grid.JobIdle, err
	}
	rec := grid.JobRecord{
		Name:      name,
		State:     grid.JobRunning,
		RunID:     runID,
		StartedAt: c.clock.Now(),
	}
	if _, err := records.Put(ctx, name, rec); err != nil {
		return grid.JobIdle, fmt.Errorf("record job start %s: %w", name, err)
	}
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("job started")
	metrics.IncActiveJobs()
	runErr := execute(jobCtx, job)
	metrics.DecActiveJobs()

	rec.EndedAt = c.clock.Now()
	if runErr != nil {
		rec.State = grid.JobFailed
		rec.Error = runErr.Error()
		logger.Error("job failed", zap.Error(runErr), zap.Duration("elapsed", rec.EndedAt.Sub(rec.StartedAt)))
	} else {
		rec.State = grid.JobCompleted
		logger.Info("job completed", zap.Duration("elapsed", rec.EndedAt.Sub(rec.StartedAt)))
	}
	metrics.ObserveJob(string(rec.State))
	// the outcome is recorded even when the caller's context was cancelled
	if _, err := records.Put(context.WithoutCancel(ctx), name, rec); err != nil {
		return rec.State, fmt.Errorf("record job end %s: %w", name, err)
	}
	return rec.State, nil
}

// execute runs job and turns a panic into an error.
func execute(ctx context.Context, job grid.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return job.Run(ctx)
}

func (c *Coordinator) register(name string, a *activeJob) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[name]; busy {
		return false
	}
	c.active[name] = a
	return true
}

func (c *Coordinator) deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, name)
}

// RequestStop cancels the named job's context and calls Stop when the job
// implements grid.Stopper. An empty name stops every active job.
func (c *Coordinator) RequestStop(name string) {
	c.mu.Lock()
	var targets []*activeJob
	if name == "" {
		for _, a := range c.active {
			targets = append(targets, a)
		}
	} else if a, ok := c.active[name]; ok {
		targets = append(targets, a)
	}
	c.mu.Unlock()

	for _, a := range targets {
		a.cancel()
		if s, ok := a.job.(grid.Stopper); ok {
			s.Stop()
		}
	}
	c.logger.Info("stop requested", zap.String("job", name), zap.Int("signalled", len(targets)))
}

// State returns the persisted state of name; JobIdle when it never ran.
func (c *Coordinator) State(ctx context.Context, name string) (grid.JobState, error) {
	rec, found, err := c.Record(ctx, name)
	if err != nil {
		return grid.JobIdle, err
	}
	if !found {
		return grid.JobIdle, nil
	}
	return rec.State, nil
}

// Record returns the persisted record of name.
func (c *Coordinator) Record(ctx context.Context, name string) (grid.JobRecord, bool, error) {
	records, err := c.records(ctx)
	if err != nil {
		return grid.JobRecord{}, false, err
	}
	rec, found, err := records.Get(ctx, name)
	if err != nil {
		return grid.JobRecord{}, false, fmt.Errorf("read job record %s: %w", name, err)
	}
	return rec, found, nil
}

// ActiveJobs lists the jobs running in this process, sorted.
func (c *Coordinator) ActiveJobs() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.active))
	for name := range c.active {
		names = append(names, name)
	}
	c.mu.Unlock()
	slices.Sort(names)
	return names
}

// IsActive reports whether err means the job was already running.
func IsActive(err error) bool {
	return errors.Is(err, grid.ErrJobActive)
}
