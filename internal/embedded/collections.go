package embedded

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/crawlgrid/internal/dialect"
	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// entry is one decoded row of a page. cursor is the raw key suffix the next
// page starts after.
type entry struct {
	key    string
	value  []byte
	cursor []byte
}

type collection struct {
	s      *Storage
	desc   grid.StoreDescriptor
	values []byte
}

func (s *Storage) collection(d grid.StoreDescriptor) collection {
	return collection{s: s, desc: d, values: tablePrefix(storePrefix(d), tableValues)}
}

func (c *collection) valueKey(key string) []byte {
	return entryKey(c.values, []byte(dialect.TruncateKey(key, dialect.DefaultKeyBudget)))
}

// begin registers the store and takes the shared lock.
func (c *collection) begin(ctx context.Context) (func(), error) {
	if err := c.s.ensure(ctx, c.desc); err != nil {
		return nil, err
	}
	return c.s.acquire()
}

func (c *collection) wrap(op string, err error) error {
	if err == nil || errors.Is(err, grid.ErrClosed) {
		return err
	}
	return grid.NewStorageError(op, c.desc.Name, err)
}

func (c *collection) Name() string { return c.desc.Name }

func (c *collection) Contains(ctx context.Context, key string) (found bool, err error) {
	defer observe(c.desc.Kind.String()+"_contains", time.Now(), &err)
	release, err := c.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	err = c.s.view(ctx, func(tx *badger.Txn) error {
		_, err := tx.Get(c.valueKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, c.wrap("contains", err)
}

func (c *collection) Size(ctx context.Context) (n int64, err error) {
	defer observe(c.desc.Kind.String()+"_size", time.Now(), &err)
	release, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	err = c.s.view(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = c.values
		opts.PrefetchValues = false
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, c.wrap("size", err)
}

func (c *collection) IsEmpty(ctx context.Context) (empty bool, err error) {
	defer observe(c.desc.Kind.String()+"_is_empty", time.Now(), &err)
	release, err := c.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	err = c.s.view(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = c.values
		opts.PrefetchValues = false
		it := tx.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	return empty, c.wrap("is_empty", err)
}

// Clear removes every key of the store. Outside a transaction the keys are
// deleted in batches so large stores do not exceed badger's transaction size.
func (c *collection) Clear(ctx context.Context) (err error) {
	defer observe(c.desc.Kind.String()+"_clear", time.Now(), &err)
	release, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer release()
	prefix := storePrefix(c.desc)
	_, inTx := c.s.runner.Current(ctx)
	for {
		var n int
		err := c.s.update(ctx, func(tx *badger.Txn) error {
			keys := collectKeys(tx, prefix, clearBatch, inTx)
			n = len(keys)
			for _, k := range keys {
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return c.wrap("clear", err)
		}
		if inTx || n < clearBatch {
			return nil
		}
	}
}

// collectKeys returns up to limit keys under prefix; unbounded when all is set.
func collectKeys(tx *badger.Txn, prefix []byte, limit int, all bool) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.Valid() && (all || len(keys) < limit); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func (c *collection) get(ctx context.Context, key string, decode func([]byte) []byte) (value []byte, found bool, err error) {
	defer observe(c.desc.Kind.String()+"_get", time.Now(), &err)
	release, err := c.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer release()
	err = c.s.view(ctx, func(tx *badger.Txn) error {
		item, err := tx.Get(c.valueKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, found = decode(raw), true
		return nil
	})
	if err != nil {
		return nil, false, c.wrap("get", err)
	}
	return value, found, nil
}

// rawRow is a key suffix and value read under a table prefix.
type rawRow struct {
	suffix []byte
	value  []byte
}

// resolveFunc turns a raw row into an entry inside the page's transaction.
// Rows it reports as not ok are skipped.
type resolveFunc func(tx *badger.Txn, r rawRow) (e entry, ok bool, err error)

// forEach reads one page at a time and calls fn only after the page's read
// has finished, so fn may use the storage freely.
func (c *collection) forEach(ctx context.Context, prefix []byte, resolve resolveFunc, fn func(entry) (bool, error)) (completed bool, err error) {
	defer observe(c.desc.Kind.String()+"_for_each", time.Now(), &err)
	var after []byte
	for {
		page, last, err := c.page(ctx, prefix, after, resolve)
		if err != nil {
			return false, err
		}
		for _, e := range page {
			more, err := fn(e)
			if err != nil {
				return false, err
			}
			if !more {
				return false, nil
			}
		}
		if last == nil {
			return true, nil
		}
		after = last
	}
}

// page returns the entries of up to pageSize rows after the suffix after,
// and the suffix to continue from, which is nil on the last page.
func (c *collection) page(ctx context.Context, prefix, after []byte, resolve resolveFunc) ([]entry, []byte, error) {
	release, err := c.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	var (
		out  []entry
		last []byte
	)
	err = c.s.view(ctx, func(tx *badger.Txn) error {
		rows, err := scan(tx, prefix, after)
		if err != nil {
			return err
		}
		for _, r := range rows {
			e, ok, err := resolve(tx, r)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, e)
			}
		}
		if len(rows) == pageSize {
			last = rows[len(rows)-1].suffix
		}
		return nil
	})
	if err != nil {
		return nil, nil, c.wrap("for_each", err)
	}
	return out, last, nil
}

// scan copies up to pageSize rows under prefix that sort after the suffix
// after. The iterator is closed before scan returns.
func scan(tx *badger.Txn, prefix, after []byte) ([]rawRow, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 64
	it := tx.NewIterator(opts)
	defer it.Close()
	seek := prefix
	if after != nil {
		seek = afterKey(entryKey(prefix, after))
	}
	rows := make([]rawRow, 0, pageSize)
	for it.Seek(seek); it.Valid() && len(rows) < pageSize; it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rawRow{suffix: k[len(prefix):], value: v})
	}
	return rows, nil
}

// first returns the lowest row under prefix.
func first(tx *badger.Txn, prefix []byte) (rawRow, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 1
	it := tx.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	if !it.Valid() {
		return rawRow{}, false, nil
	}
	item := it.Item()
	k := item.KeyCopy(nil)
	v, err := item.ValueCopy(nil)
	if err != nil {
		return rawRow{}, false, err
	}
	return rawRow{suffix: k[len(prefix):], value: v}, true, nil
}

// Map stores key -> json under table 'v'.
type Map struct {
	collection
}

var _ grid.RawMap = (*Map)(nil)

func (s *Storage) newMap(d grid.StoreDescriptor) *Map {
	return &Map{collection: s.collection(d)}
}

func identity(b []byte) []byte { return b }

// Put stores value under key.
func (m *Map) Put(ctx context.Context, key string, value []byte) (changed bool, err error) {
	defer observe("map_put", time.Now(), &err)
	release, err := m.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := m.valueKey(key)
	err = m.s.update(ctx, func(tx *badger.Txn) error {
		changed = false
		cur, found, err := getValue(tx, k)
		if err != nil {
			return err
		}
		if found && bytes.Equal(cur, value) {
			return nil
		}
		changed = true
		return tx.Set(k, value)
	})
	if err != nil {
		return false, m.wrap("put", err)
	}
	return changed, nil
}

// Get returns the value under key.
func (m *Map) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return m.get(ctx, key, identity)
}

// Update reads, computes and writes in one badger transaction. Outside a
// caller transaction a write conflict replays fn on fresh data, so fn must be
// free of side effects. A nil result deletes the key.
func (m *Map) Update(ctx context.Context, key string, fn grid.UpdateFunc) (changed bool, err error) {
	defer observe("map_update", time.Now(), &err)
	release, err := m.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := m.valueKey(key)
	err = m.s.update(ctx, func(tx *badger.Txn) error {
		changed = false
		cur, found, err := getValue(tx, k)
		if err != nil {
			return err
		}
		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		switch {
		case next == nil:
			changed = found
			if !found {
				return nil
			}
			return tx.Delete(k)
		case found && bytes.Equal(cur, next):
			return nil
		default:
			changed = true
			return tx.Set(k, next)
		}
	})
	if err != nil {
		return false, m.wrap("update", err)
	}
	return changed, nil
}

// Delete removes key.
func (m *Map) Delete(ctx context.Context, key string) (deleted bool, err error) {
	defer observe("map_delete", time.Now(), &err)
	release, err := m.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := m.valueKey(key)
	err = m.s.update(ctx, func(tx *badger.Txn) error {
		_, found, err := getValue(tx, k)
		if err != nil || !found {
			deleted = false
			return err
		}
		deleted = true
		return tx.Delete(k)
	})
	return deleted, m.wrap("delete", err)
}

// ForEach visits entries in key order.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error) {
	return m.forEach(ctx, m.values,
		func(_ *badger.Txn, r rawRow) (entry, bool, error) {
			return entry{key: string(r.suffix), value: r.value}, true, nil
		},
		func(e entry) (bool, error) { return fn(e.key, e.value) })
}

func getValue(tx *badger.Txn, k []byte) ([]byte, bool, error) {
	item, err := tx.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Queue stores key -> seq|json under 'v' and seq -> key under 's'.
type Queue struct {
	collection
	seqs []byte
}

var _ grid.RawQueue = (*Queue)(nil)

func (s *Storage) newQueue(d grid.StoreDescriptor) *Queue {
	c := s.collection(d)
	return &Queue{collection: c, seqs: tablePrefix(storePrefix(d), tableSequence)}
}

// payload strips the sequence number from a queue value.
func payload(v []byte) []byte {
	if len(v) < 8 {
		return nil
	}
	return v[8:]
}

// Put appends value unless key is already queued.
func (q *Queue) Put(ctx context.Context, key string, value []byte) (added bool, err error) {
	defer observe("queue_put", time.Now(), &err)
	release, err := q.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := q.valueKey(key)
	stored := k[len(q.values):]
	err = q.s.update(ctx, func(tx *badger.Txn) error {
		added = false
		_, found, err := getValue(tx, k)
		if err != nil || found {
			return err
		}
		n, err := q.s.seq.Next()
		if err != nil {
			return err
		}
		seq := encodeSeq(n)
		if err := tx.Set(k, append(seq, value...)); err != nil {
			return err
		}
		added = true
		return tx.Set(entryKey(q.seqs, seq), stored)
	})
	return added, q.wrap("put", err)
}

// Poll removes and returns the oldest entry. Two pollers reading the same
// head conflict at commit and the loser retries on the next entry.
func (q *Queue) Poll(ctx context.Context) (key string, value []byte, found bool, err error) {
	defer observe("queue_poll", time.Now(), &err)
	release, err := q.begin(ctx)
	if err != nil {
		return "", nil, false, err
	}
	defer release()
	err = q.s.update(ctx, func(tx *badger.Txn) error {
		key, value, found = "", nil, false
		head, ok, err := first(tx, q.seqs)
		if err != nil || !ok {
			return err
		}
		vk := entryKey(q.values, head.value)
		v, ok, err := getValue(tx, vk)
		if err != nil {
			return err
		}
		if err := tx.Delete(entryKey(q.seqs, head.suffix)); err != nil {
			return err
		}
		if !ok {
			// orphaned sequence entry; drop it and report empty
			return nil
		}
		if err := tx.Delete(vk); err != nil {
			return err
		}
		key, value, found = string(head.value), payload(v), true
		return nil
	})
	if err != nil {
		return "", nil, false, q.wrap("poll", err)
	}
	return key, value, found, nil
}

// Get returns the value queued under key without removing it.
func (q *Queue) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return q.get(ctx, key, payload)
}

// Delete removes key from the queue.
func (q *Queue) Delete(ctx context.Context, key string) (deleted bool, err error) {
	defer observe("queue_delete", time.Now(), &err)
	release, err := q.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := q.valueKey(key)
	err = q.s.update(ctx, func(tx *badger.Txn) error {
		deleted = false
		v, found, err := getValue(tx, k)
		if err != nil || !found || len(v) < 8 {
			return err
		}
		if err := tx.Delete(entryKey(q.seqs, v[:8])); err != nil {
			return err
		}
		deleted = true
		return tx.Delete(k)
	})
	return deleted, q.wrap("delete", err)
}

// ForEach visits entries oldest first.
func (q *Queue) ForEach(ctx context.Context, fn func(key string, value []byte) (bool, error)) (bool, error) {
	return q.forEach(ctx, q.seqs,
		func(tx *badger.Txn, r rawRow) (entry, bool, error) {
			v, ok, err := getValue(tx, entryKey(q.values, r.value))
			if err != nil || !ok {
				return entry{}, false, err
			}
			return entry{key: string(r.value), value: payload(v)}, true, nil
		},
		func(e entry) (bool, error) { return fn(e.key, e.value) })
}

// Set stores key -> empty under table 'v'.
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
	release, err := st.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := st.valueKey(key)
	err = st.s.update(ctx, func(tx *badger.Txn) error {
		_, found, err := getValue(tx, k)
		if err != nil || found {
			added = false
			return err
		}
		added = true
		return tx.Set(k, nil)
	})
	return added, st.wrap("add", err)
}

// Remove deletes key.
func (st *Set) Remove(ctx context.Context, key string) (removed bool, err error) {
	defer observe("set_remove", time.Now(), &err)
	release, err := st.begin(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	k := st.valueKey(key)
	err = st.s.update(ctx, func(tx *badger.Txn) error {
		_, found, err := getValue(tx, k)
		if err != nil || !found {
			removed = false
			return err
		}
		removed = true
		return tx.Delete(k)
	})
	return removed, st.wrap("remove", err)
}

// ForEach visits keys in order.
func (st *Set) ForEach(ctx context.Context, fn func(key string) (bool, error)) (bool, error) {
	return st.forEach(ctx, st.values,
		func(_ *badger.Txn, r rawRow) (entry, bool, error) {
			return entry{key: string(r.suffix)}, true, nil
		},
		func(e entry) (bool, error) { return fn(e.key) })
}
