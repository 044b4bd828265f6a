package grid

import (
	"context"
	"time"
)

// JobState is the persisted lifecycle state of a named job.
type JobState string

// Job states. An absent record reads as JobIdle.
const (
	JobIdle      JobState = "IDLE"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// Terminal reports whether the state ends a run.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobRecord is what the job coordinator persists per job name.
type JobRecord struct {
	Name      string    `json:"name"`
	State     JobState  `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Error     string    `json:"error,omitempty"`
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Job is a named unit of work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

// Run calls f.
func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Stopper is implemented by jobs and stage tasks that want an explicit stop
// signal in addition to context cancellation.
type Stopper interface {
	Stop()
}

// Compute runs named jobs with at most one active run per name per process.
type Compute interface {
	RunOnOne(ctx context.Context, name string, job Job) (JobState, error)
	RunOnAll(ctx context.Context, name string, job Job) (JobState, error)
	// RunOnOneOnce and RunOnAllOnce return the persisted state without
	// running job when a previous run of name already ended.
	RunOnOneOnce(ctx context.Context, name string, job Job) (JobState, error)
	RunOnAllOnce(ctx context.Context, name string, job Job) (JobState, error)
	// RequestStop signals the named active job, or every active job when
	// name is empty.
	RequestStop(name string)
	State(ctx context.Context, name string) (JobState, error)
	Record(ctx context.Context, name string) (JobRecord, bool, error)
	ActiveJobs() []string
}
