package grid

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the grid backends and coordinators.
var (
	// ErrStorage is the generic storage failure kind. Every *StorageError
	// matches it with errors.Is.
	ErrStorage = errors.New("grid storage failure")
	// ErrConfig marks configuration problems that are fatal at startup.
	ErrConfig = errors.New("grid configuration error")
	// ErrStoreMismatch is returned when a name is reopened with a different
	// kind or value type than it was created with.
	ErrStoreMismatch = errors.New("store exists with a different kind or value type")
	// ErrStoreNotFound is returned by Reopen for names that were never created.
	ErrStoreNotFound = errors.New("store not found")
	// ErrUnknownType is returned when no decoder is registered for a value type.
	ErrUnknownType = errors.New("unknown value type")
	// ErrJobActive is returned when a job name is already running in this process.
	ErrJobActive = errors.New("job already active")
	// ErrPipelineActive is returned when a pipeline id is already running in this process.
	ErrPipelineActive = errors.New("pipeline already active")
	// ErrNoStages is returned when a pipeline is run without stages.
	ErrNoStages = errors.New("pipeline has no stages")
	// ErrClosed is returned by storage used after Close.
	ErrClosed = errors.New("grid storage closed")
)

// StorageError wraps a non-transient storage failure with the operation and
// store it happened on.
type StorageError struct {
	Op    string
	Store string
	Err   error
}

// Error implements error.
func (e *StorageError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("grid storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("grid storage: %s %s: %v", e.Op, e.Store, e.Err)
}

// Unwrap exposes the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err unless it is nil or already a storage error.
func NewStorageError(op, store string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Store: store, Err: err}
}

// IsNotFound reports whether err means the store does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStoreNotFound)
}
