package grid

import (
	"context"
	"fmt"
)

// Map is a typed view over a RawMap.
type Map[T any] struct {
	raw   RawMap
	codec Codec[T]
}

// NewMap wraps raw with codec.
func NewMap[T any](raw RawMap, codec Codec[T]) *Map[T] {
	return &Map[T]{raw: raw, codec: codec}
}

// OpenMap opens (creating on first use) the map called name.
func OpenMap[T any](ctx context.Context, s Storage, name string, codec Codec[T]) (*Map[T], error) {
	raw, err := s.OpenMap(ctx, name, codec.TypeName())
	if err != nil {
		return nil, err
	}
	return NewMap(raw, codec), nil
}

// Name returns the store name.
func (m *Map[T]) Name() string { return m.raw.Name() }

// Raw returns the underlying untyped map.
func (m *Map[T]) Raw() RawMap { return m.raw }

// Put stores v under key and reports whether the stored value changed.
func (m *Map[T]) Put(ctx context.Context, key string, v T) (bool, error) {
	data, err := m.codec.Encode(v)
	if err != nil {
		return false, err
	}
	return m.raw.Put(ctx, key, data)
}

// Get returns the value under key.
func (m *Map[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, ok, err := m.raw.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := m.codec.Decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Update atomically replaces the value under key with fn(current). current is
// the zero value when found is false.
func (m *Map[T]) Update(ctx context.Context, key string, fn func(current T, found bool) (T, error)) (bool, error) {
	return m.raw.Update(ctx, key, func(cur []byte, found bool) ([]byte, error) {
		var current T
		if found {
			v, err := m.codec.Decode(cur)
			if err != nil {
				return nil, err
			}
			current = v
		}
		next, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		return m.codec.Encode(next)
	})
}

// Delete removes key and reports whether it was present.
func (m *Map[T]) Delete(ctx context.Context, key string) (bool, error) {
	return m.raw.Delete(ctx, key)
}

// Contains reports whether key is present.
func (m *Map[T]) Contains(ctx context.Context, key string) (bool, error) {
	return m.raw.Contains(ctx, key)
}

// ForEach visits entries until fn returns false.
func (m *Map[T]) ForEach(ctx context.Context, fn func(key string, v T) (bool, error)) (bool, error) {
	return m.raw.ForEach(ctx, decodeEach(m.codec, fn))
}

// Size returns the number of entries.
func (m *Map[T]) Size(ctx context.Context) (int64, error) { return m.raw.Size(ctx) }

// IsEmpty reports whether the map has no entries.
func (m *Map[T]) IsEmpty(ctx context.Context) (bool, error) { return m.raw.IsEmpty(ctx) }

// Clear removes every entry.
func (m *Map[T]) Clear(ctx context.Context) error { return m.raw.Clear(ctx) }

// Queue is a typed view over a RawQueue.
type Queue[T any] struct {
	raw   RawQueue
	codec Codec[T]
}

// NewQueue wraps raw with codec.
func NewQueue[T any](raw RawQueue, codec Codec[T]) *Queue[T] {
	return &Queue[T]{raw: raw, codec: codec}
}

// OpenQueue opens (creating on first use) the queue called name.
func OpenQueue[T any](ctx context.Context, s Storage, name string, codec Codec[T]) (*Queue[T], error) {
	raw, err := s.OpenQueue(ctx, name, codec.TypeName())
	if err != nil {
		return nil, err
	}
	return NewQueue(raw, codec), nil
}

// Name returns the store name.
func (q *Queue[T]) Name() string { return q.raw.Name() }

// Raw returns the underlying untyped queue.
func (q *Queue[T]) Raw() RawQueue { return q.raw }

// Put appends v under key unless key is already queued.
func (q *Queue[T]) Put(ctx context.Context, key string, v T) (bool, error) {
	data, err := q.codec.Encode(v)
	if err != nil {
		return false, err
	}
	return q.raw.Put(ctx, key, data)
}

// Poll removes and returns the oldest value.
func (q *Queue[T]) Poll(ctx context.Context) (T, bool, error) {
	var zero T
	_, data, ok, err := q.raw.Poll(ctx)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := q.codec.Decode(data)
	if err != nil {
		return zero, false, fmt.Errorf("polled entry: %w", err)
	}
	return v, true, nil
}

// Get returns the queued value under key without removing it.
func (q *Queue[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, ok, err := q.raw.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := q.codec.Decode(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Delete removes key from the queue.
func (q *Queue[T]) Delete(ctx context.Context, key string) (bool, error) {
	return q.raw.Delete(ctx, key)
}

// Contains reports whether key is queued.
func (q *Queue[T]) Contains(ctx context.Context, key string) (bool, error) {
	return q.raw.Contains(ctx, key)
}

// ForEach visits entries oldest first until fn returns false.
func (q *Queue[T]) ForEach(ctx context.Context, fn func(key string, v T) (bool, error)) (bool, error) {
	return q.raw.ForEach(ctx, decodeEach(q.codec, fn))
}

// Size returns the number of queued entries.
func (q *Queue[T]) Size(ctx context.Context) (int64, error) { return q.raw.Size(ctx) }

// IsEmpty reports whether nothing is queued.
func (q *Queue[T]) IsEmpty(ctx context.Context) (bool, error) { return q.raw.IsEmpty(ctx) }

// Clear removes every entry.
func (q *Queue[T]) Clear(ctx context.Context) error { return q.raw.Clear(ctx) }

// Set is the caller-facing set. Sets carry no value type so it adds nothing to
// RawSet beyond a stable name.
type Set struct {
	RawSet
}

// OpenSet opens (creating on first use) the set called name.
func OpenSet(ctx context.Context, s Storage, name string) (*Set, error) {
	raw, err := s.OpenSet(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Set{RawSet: raw}, nil
}

func decodeEach[T any](codec Codec[T], fn func(string, T) (bool, error)) func(string, []byte) (bool, error) {
	return func(key string, data []byte) (bool, error) {
		v, err := codec.Decode(data)
		if err != nil {
			return false, fmt.Errorf("entry %q: %w", key, err)
		}
		return fn(key, v)
	}
}
