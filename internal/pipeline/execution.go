package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// execution is the grid.Execution of one run.
type execution struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	stop   atomic.Bool
	failed atomic.Int64

	mu      sync.Mutex
	current grid.StageTask
	ok      bool
	err     error
}

var _ grid.Execution = (*execution)(nil)

func newExecution(id string, cancel context.CancelFunc) *execution {
	e := &execution{id: id, cancel: cancel, done: make(chan struct{})}
	e.failed.Store(-1)
	return e
}

// finished returns an execution that already ended with err.
func finished(err error) *execution {
	e := newExecution("", func() {})
	e.finish(false, err)
	return e
}

func (e *execution) finish(ok bool, err error) {
	e.mu.Lock()
	e.ok, e.err = ok, err
	e.mu.Unlock()
	e.cancel()
	close(e.done)
}

func (e *execution) setCurrent(task grid.StageTask) {
	e.mu.Lock()
	e.current = task
	e.mu.Unlock()
}

// requestStop flags the run, cancels the running stage and tells a Stopper
// task to stop.
func (e *execution) requestStop() {
	if e.stop.Swap(true) {
		return
	}
	e.cancel()
	e.mu.Lock()
	task := e.current
	e.mu.Unlock()
	if s, ok := task.(grid.Stopper); ok {
		s.Stop()
	}
}

func (e *execution) Done() <-chan struct{} { return e.done }

func (e *execution) Wait(ctx context.Context) (bool, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.ok, e.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *execution) FailedStage() int { return int(e.failed.Load()) }

func (e *execution) StopRequested() bool { return e.stop.Load() }
