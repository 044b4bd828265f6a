package grid

import (
	"context"
	"strings"
)

// Names of the stores the grid keeps for itself. User store names must not
// start with InternalPrefix.
const (
	InternalPrefix         = "__grid_"
	CatalogStore           = "__grid_catalog"
	JobStateStore          = "__grid_job_state"
	PipelineStageStore     = "__grid_pipeline_stage"
	PipelineStopStore      = "__grid_pipeline_stop"
	SessionAttributesStore = "__grid_session_attrs"
	DurableAttributesStore = "__grid_durable_attrs"
)

// Collection holds the operations every store kind supports.
type Collection interface {
	Name() string
	Contains(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context) (int64, error)
	IsEmpty(ctx context.Context) (bool, error)
	Clear(ctx context.Context) error
}

// UpdateFunc computes a new encoded value from the current one. found is
// false when the key has no value yet.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// RawMap is a durable key to JSON map.
type RawMap interface {
	Collection
	// Put stores value under key and reports whether the stored value changed.
	Put(ctx context.Context, key string, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Update atomically replaces the value under key with fn's result and
	// reports whether it changed.
	Update(ctx context.Context, key string, fn UpdateFunc) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// ForEach visits entries until fn returns false and reports whether every
	// entry was visited.
	ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error)
}

// RawQueue is a durable FIFO of keyed JSON values.
type RawQueue interface {
	Collection
	// Put appends value unless key is already queued; it reports whether the
	// entry was added.
	Put(ctx context.Context, key string, value []byte) (bool, error)
	// Poll removes and returns the oldest entry. Concurrent pollers never
	// receive the same entry.
	Poll(ctx context.Context) (key string, value []byte, found bool, err error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// ForEach visits entries oldest first.
	ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error)
}

// RawSet is a durable set of keys.
type RawSet interface {
	Collection
	// Add reports whether key was added by this call.
	Add(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	ForEach(ctx context.Context, fn func(key string) (bool, error)) (bool, error)
}

// Storage is the facade a backend exposes to the crawler.
type Storage interface {
	OpenMap(ctx context.Context, name, valueType string) (RawMap, error)
	OpenQueue(ctx context.Context, name, valueType string) (RawQueue, error)
	OpenSet(ctx context.Context, name string) (RawSet, error)
	// Reopen returns a store by name using its catalogued descriptor.
	Reopen(ctx context.Context, name string) (Store, error)
	StoreNames(ctx context.Context) ([]string, error)
	ForEachStore(ctx context.Context, fn func(Store) (bool, error)) (bool, error)
	SessionAttributes(ctx context.Context) (RawMap, error)
	DurableAttributes(ctx context.Context) (RawMap, error)
	// Clear empties every store but keeps the catalog.
	Clear(ctx context.Context) error
	// Destroy drops every store, the catalog and all coordination state.
	Destroy(ctx context.Context) error
	// RunInTransaction runs fn with a transaction bound to the returned
	// context. Nested calls join the outermost transaction.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

// SessionAttributes opens the session attribute map with string values.
func SessionAttributes(ctx context.Context, s Storage) (*Map[string], error) {
	raw, err := s.SessionAttributes(ctx)
	if err != nil {
		return nil, err
	}
	return NewMap(raw, String), nil
}

// DurableAttributes opens the durable attribute map with string values.
func DurableAttributes(ctx context.Context, s Storage) (*Map[string], error) {
	raw, err := s.DurableAttributes(ctx)
	if err != nil {
		return nil, err
	}
	return NewMap(raw, String), nil
}

// ResetSession clears the per-session state: session attributes, job
// records, pipeline checkpoints and stop requests. User stores and durable
// attributes are kept.
func ResetSession(ctx context.Context, s Storage) error {
	for _, name := range []string{
		SessionAttributesStore,
		JobStateStore,
		PipelineStageStore,
		PipelineStopStore,
	} {
		store, err := s.Reopen(ctx, name)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		if err := store.Collection().Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsInternal reports whether name belongs to the grid's own bookkeeping.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}
