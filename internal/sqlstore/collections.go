package sqlstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/dialect"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// collection is the table behind one store.
type collection struct {
	s    *Storage
	desc grid.StoreDescriptor
	t    dialect.Table
}

func (s *Storage) collection(d grid.StoreDescriptor) collection {
	return collection{s: s, desc: d, t: s.table(d)}
}

// querier makes sure the table exists and returns what to run statements on.
func (c *collection) querier(ctx context.Context) (dialect.Querier, error) {
	if err := c.s.ensure(ctx, c.desc, c.t); err != nil {
		return nil, err
	}
	return c.s.q(ctx), nil
}

// do runs fn against the table. Outside a transaction, a failure on a table
// that no longer exists (dropped by a Destroy in another process) recreates
// the table and runs fn once more.
func (c *collection) do(ctx context.Context, fn func(dialect.Querier) error) error {
	q, err := c.querier(ctx)
	if err != nil {
		return err
	}
	err = fn(q)
	if err == nil || !c.s.dropped(ctx, c.t.Name) {
		return err
	}
	c.s.logger.Info("table dropped elsewhere, recreating", zap.String("store", c.desc.Name))
	c.s.forget(c.desc.Name)
	if q, err = c.querier(ctx); err != nil {
		return err
	}
	return fn(q)
}

func (c *collection) Name() string { return c.desc.Name }

func (c *collection) Contains(ctx context.Context, key string) (found bool, err error) {
	defer observe(c.desc.Kind.String()+"_contains", time.Now(), &err)
	err = c.do(ctx, func(q dialect.Querier) (err error) {
		found, err = c.s.adapter.Contains(ctx, q, c.t, key)
		return err
	})
	return found, err
}

func (c *collection) Size(ctx context.Context) (n int64, err error) {
	defer observe(c.desc.Kind.String()+"_size", time.Now(), &err)
	err = c.do(ctx, func(q dialect.Querier) (err error) {
		n, err = c.s.adapter.Count(ctx, q, c.t)
		return err
	})
	return n, err
}

func (c *collection) IsEmpty(ctx context.Context) (empty bool, err error) {
	defer observe(c.desc.Kind.String()+"_is_empty", time.Now(), &err)
	err = c.do(ctx, func(q dialect.Querier) (err error) {
		empty, err = c.s.adapter.IsEmpty(ctx, q, c.t)
		return err
	})
	return empty, err
}

func (c *collection) Clear(ctx context.Context) (err error) {
	defer observe(c.desc.Kind.String()+"_clear", time.Now(), &err)
	return c.do(ctx, func(q dialect.Querier) error {
		return c.s.adapter.Clear(ctx, q, c.t)
	})
}

func (c *collection) get(ctx context.Context, key string) (value []byte, found bool, err error) {
	defer observe(c.desc.Kind.String()+"_get", time.Now(), &err)
	err = c.do(ctx, func(q dialect.Querier) (err error) {
		value, found, err = c.s.adapter.Get(ctx, q, c.t, key)
		return err
	})
	return value, found, err
}

func (c *collection) delete(ctx context.Context, key string) (deleted bool, err error) {
	defer observe(c.desc.Kind.String()+"_delete", time.Now(), &err)
	err = c.do(ctx, func(q dialect.Querier) (err error) {
		deleted, err = c.s.adapter.Delete(ctx, q, c.t, key)
		return err
	})
	return deleted, err
}

// forEach pages through the table. Each page is read completely before fn
// sees its rows, so no cursor is open while fn runs.
func (c *collection) forEach(ctx context.Context, fn func(dialect.Row) (bool, error)) (completed bool, err error) {
	defer observe(c.desc.Kind.String()+"_for_each", time.Now(), &err)
	var cur *dialect.Cursor
	for {
		var rows []dialect.Row
		err := c.do(ctx, func(q dialect.Querier) (err error) {
			rows, err = c.s.adapter.Page(ctx, q, c.t, cur)
			return err
		})
		if err != nil {
			return false, err
		}
		for _, r := range rows {
			more, err := fn(r)
			if err != nil {
				return false, err
			}
			if !more {
				return false, nil
			}
		}
		if len(rows) < dialect.PageSize {
			return true, nil
		}
		last := rows[len(rows)-1]
		cur = &dialect.Cursor{Key: last.Key, CreatedAt: last.CreatedAt}
	}
}

// Map is a relational grid.RawMap with columns (id, json).
type Map struct {
	collection
}

var _ grid.RawMap = (*Map)(nil)

func (s *Storage) newMap(d grid.StoreDescriptor) *Map {
	return &Map{collection: s.collection(d)}
}

// Put stores value under key.
func (m *Map) Put(ctx context.Context, key string, value []byte) (changed bool, err error) {
	defer observe("map_put", time.Now(), &err)
	err = m.do(ctx, func(q dialect.Querier) (err error) {
		changed, err = m.s.adapter.Upsert(ctx, q, m.t, key, value)
		return err
	})
	return changed, err
}

// Get returns the value under key.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.get(ctx, key)
}

// Update runs fn on the current value while holding the row lock and stores
// its result. A missing row is first inserted as a NULL placeholder so there
// is a row to lock; the placeholder reads as absent and is replaced or rolled
// back before the transaction ends. A nil result deletes the key.
func (m *Map) Update(ctx context.Context, key string, fn grid.UpdateFunc) (changed bool, err error) {
	defer observe("map_update", time.Now(), &err)
	err = m.do(ctx, func(dialect.Querier) error {
		return m.s.runner.Run(ctx, func(ctx context.Context) error {
			q := m.s.q(ctx)
			if _, err := m.s.adapter.InsertIfAbsent(ctx, q, m.t, key, nil, 0); err != nil {
				return err
			}
			cur, found, err := m.s.adapter.LockRow(ctx, q, m.t, key)
			if err != nil {
				return err
			}
			next, err := fn(cur, found)
			if err != nil {
				return err
			}
			if next == nil {
				changed = found
				_, err = m.s.adapter.Delete(ctx, q, m.t, key)
				return err
			}
			changed, err = m.s.adapter.Upsert(ctx, q, m.t, key, next)
			return err
		})
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Delete removes key.
func (m *Map) Delete(ctx context.Context, key string) (bool, error) {
	return m.delete(ctx, key)
}

// ForEach visits entries in key order.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error) {
	return m.forEach(ctx, func(r dialect.Row) (bool, error) {
		if r.Value == nil {
			return true, nil
		}
		return fn(r.Key, r.Value)
	})
}

// Queue is a relational grid.RawQueue with columns (id, json, created_at).
type Queue struct {
	collection
}

var _ grid.RawQueue = (*Queue)(nil)

func (s *Storage) newQueue(d grid.StoreDescriptor) *Queue {
	return &Queue{collection: s.collection(d)}
}

// Put appends value unless key is already queued.
func (qu *Queue) Put(ctx context.Context, key string, value []byte) (added bool, err error) {
	defer observe("queue_put", time.Now(), &err)
	err = qu.do(ctx, func(q dialect.Querier) (err error) {
		added, err = qu.s.adapter.InsertIfAbsent(ctx, q, qu.t, key, value, qu.s.clock.Next())
		return err
	})
	return added, err
}

// Poll removes and returns the oldest entry.
func (qu *Queue) Poll(ctx context.Context) (key string, value []byte, found bool, err error) {
	defer observe("queue_poll", time.Now(), &err)
	err = qu.do(ctx, func(q dialect.Querier) (err error) {
		key, value, found, err = qu.s.adapter.Poll(ctx, q, qu.t)
		return err
	})
	return key, value, found, err
}

// Get returns the value queued under key without removing it.
func (qu *Queue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return qu.get(ctx, key)
}

// Delete removes key from the queue.
func (qu *Queue) Delete(ctx context.Context, key string) (bool, error) {
	return qu.delete(ctx, key)
}

// ForEach visits entries oldest first.
func (qu *Queue) ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error) {
	return qu.forEach(ctx, func(r dialect.Row) (bool, error) {
		return fn(r.Key, r.Value)
	})
}

// Set is a relational grid.RawSet with a single id column.
type Set struct {
	collection
}

var _ grid.RawSet = (*Set)(nil)

func (s *Storage) newSet(d grid.StoreDescriptor) *Set {
	return &Set{collection: s.collection(d)}
}

// Add inserts key.
func (st *Set) Add(ctx context.Context, key string) (added bool, err error) {
	defer observe("set_add", time.Now(), &err)
	err = st.do(ctx, func(q dialect.Querier) (err error) {
		added, err = st.s.adapter.InsertIfAbsent(ctx, q, st.t, key, nil, 0)
		return err
	})
	return added, err
}

// Remove deletes key.
func (st *Set) Remove(ctx context.Context, key string) (bool, error) {
	return st.delete(ctx, key)
}

// ForEach visits keys in order.
func (st *Set) ForEach(ctx context.Context, fn func(key string) (bool, error)) (bool, error) {
	return st.forEach(ctx, func(r dialect.Row) (bool, error) {
		return fn(r.Key)
	})
}
