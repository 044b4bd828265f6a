package grid

import (
	"context"
	"sync/atomic"
)

// CompletedStageIndex is persisted once every stage of a pipeline finished.
const CompletedStageIndex = -1

// RunContext is handed to stage tasks and directive functions.
type RunContext struct {
	ctx        context.Context
	stop       *atomic.Bool
	PipelineID string
	StageIndex int
	Value      any
}

// NewRunContext builds a RunContext. stop may be shared by every stage of a
// run; a nil stop gets a private flag.
func NewRunContext(ctx context.Context, pipelineID string, stageIndex int, value any, stop *atomic.Bool) *RunContext {
	if stop == nil {
		stop = new(atomic.Bool)
	}
	return &RunContext{ctx: ctx, stop: stop, PipelineID: pipelineID, StageIndex: stageIndex, Value: value}
}

// Context returns the stage context. It is cancelled when a stop is requested.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// StopRequested reports whether the run was asked to stop.
func (rc *RunContext) StopRequested() bool {
	return rc.stop.Load() || rc.ctx.Err() != nil
}

// StageTask is the work of one stage. Returning false stops the pipeline
// without an error.
type StageTask interface {
	Run(rc *RunContext) (bool, error)
}

// StageFunc adapts a function to StageTask.
type StageFunc func(rc *RunContext) (bool, error)

// Run calls f.
func (f StageFunc) Run(rc *RunContext) (bool, error) { return f(rc) }

// Directives adjust how a single stage is executed.
type Directives struct {
	// Skip leaves the task unexecuted; the stage counts as successful.
	Skip bool
	// Transient stages do not record themselves as the active stage.
	Transient bool
}

// Stage is one step of a pipeline.
type Stage struct {
	Name       string
	Task       StageTask
	Directives func(rc *RunContext) Directives
}

// Execution is a running or finished pipeline run.
type Execution interface {
	Done() <-chan struct{}
	// Wait blocks until the run ends or ctx is done and returns whether every
	// stage succeeded.
	Wait(ctx context.Context) (bool, error)
	// FailedStage returns the index of the stage that stopped the run, or -1.
	FailedStage() int
	StopRequested() bool
}

// Pipeline runs resumable multi-stage pipelines.
type Pipeline interface {
	Run(ctx context.Context, pipelineID string, stages []Stage, value any) (bool, error)
	Start(ctx context.Context, pipelineID string, stages []Stage, value any) Execution
	// ActiveStageIndex returns the persisted stage index and whether one is
	// recorded. CompletedStageIndex means the last run finished.
	ActiveStageIndex(ctx context.Context, pipelineID string) (int, bool, error)
	// Stop records a stop request every process running pipelineID observes.
	// An empty id only signals the pipelines running in this process.
	Stop(ctx context.Context, pipelineID string) error
}

// Grid bundles a storage backend with the coordinators that run on it.
type Grid interface {
	Storage() Storage
	Compute() Compute
	Pipeline() Pipeline
	Close(ctx context.Context) error
}
