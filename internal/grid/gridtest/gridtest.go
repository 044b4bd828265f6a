// Package gridtest holds the behaviour every grid.Storage backend must show.
// Backend tests call Run with a constructor for fresh, isolated storage.
package gridtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

// NewStorage returns empty storage owned by t. Implementations register
// their own cleanup.
type NewStorage func(t *testing.T) grid.Storage

// Doc is a structured value used to check type round trips.
type Doc struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// DocCodec is the codec for Doc.
var DocCodec = grid.JSON[Doc]("gridtest.doc")

// Run runs the conformance suite.
func Run(t *testing.T, newStorage NewStorage) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s grid.Storage)
	}{
		{"HelloWorld", testHelloWorld},
		{"MapPutReportsChange", testMapPutReportsChange},
		{"MapUpdateIsAtomic", testMapUpdateIsAtomic},
		{"MapUpdateErrorLeavesNoEntry", testMapUpdateErrorLeavesNoEntry},
		{"MapUpdateNilDeletes", testMapUpdateNilDeletes},
		{"QueueInsertIsIdempotent", testQueueInsertIsIdempotent},
		{"QueueIsFIFO", testQueueIsFIFO},
		{"QueuePollIsExactlyOnce", testQueuePollIsExactlyOnce},
		{"QueueAccessors", testQueueAccessors},
		{"SetAddIsIdempotent", testSetAddIsIdempotent},
		{"ForEachStopsEarly", testForEachStopsEarly},
		{"ForEachPages", testForEachPages},
		{"LongKeys", testLongKeys},
		{"DescriptorMismatch", testDescriptorMismatch},
		{"ReopenRoundTrip", testReopenRoundTrip},
		{"StoreNames", testStoreNames},
		{"Clear", testClear},
		{"Destroy", testDestroy},
		{"TransactionCommit", testTransactionCommit},
		{"TransactionRollback", testTransactionRollback},
		{"Attributes", testAttributes},
		{"Close", testClose},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStorage(t))
		})
	}
}

func testHelloWorld(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "greetings", grid.String)
	require.NoError(t, err)

	_, err = m.Put(ctx, "a", "hello")
	require.NoError(t, err)
	_, err = m.Put(ctx, "b", "world")
	require.NoError(t, err)

	got := map[string]string{}
	completed, err := m.ForEach(ctx, func(k, v string) (bool, error) {
		got[k] = v
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, map[string]string{"a": "hello", "b": "world"}, got)

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	v, ok, err := m.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "world", v)
}

func testMapPutReportsChange(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "docs", DocCodec)
	require.NoError(t, err)

	changed, err := m.Put(ctx, "k", Doc{URL: "https://example.com", Depth: 1})
	require.NoError(t, err)
	assert.True(t, changed, "first put")

	changed, err = m.Put(ctx, "k", Doc{URL: "https://example.com", Depth: 1})
	require.NoError(t, err)
	assert.False(t, changed, "same value")

	changed, err = m.Put(ctx, "k", Doc{URL: "https://example.com", Depth: 2})
	require.NoError(t, err)
	assert.True(t, changed, "new value")

	deleted, err := m.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = m.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMapUpdateIsAtomic(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "counters", grid.Int)
	require.NoError(t, err)

	const workers, increments = 8, 25
	var g errgroup.Group
	for iter := 0; iter < workers; iter++ {
		g.Go(func() error {
			for iter := 0; iter < increments; iter++ {
				if _, err := m.Update(ctx, "hits", func(cur int, _ bool) (int, error) {
					return cur + 1, nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	v, ok, err := m.Get(ctx, "hits")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers*increments, v)
}

func testMapUpdateErrorLeavesNoEntry(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "failing", grid.String)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = m.Update(ctx, "k", func(_ string, found bool) (string, error) {
		assert.False(t, found)
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	ok, err := m.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	empty, err := m.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	changed, err := m.Update(ctx, "k", func(_ string, found bool) (string, error) {
		assert.False(t, found)
		return "v", nil
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.Update(ctx, "k", func(cur string, found bool) (string, error) {
		assert.True(t, found)
		return cur, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)
}

func testMapUpdateNilDeletes(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := s.OpenMap(ctx, "raw", grid.Raw.TypeName())
	require.NoError(t, err)

	changed, err := m.Update(ctx, "missing", func([]byte, bool) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.Put(ctx, "k", []byte(`"v"`))
	require.NoError(t, err)
	changed, err = m.Update(ctx, "k", func(cur []byte, found bool) ([]byte, error) {
		assert.True(t, found)
		assert.Equal(t, `"v"`, string(cur))
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)

	n, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testQueueInsertIsIdempotent(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	q, err := grid.OpenQueue(ctx, s, "frontier", grid.String)
	require.NoError(t, err)

	var added atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			ok, err := q.Put(ctx, "https://example.com/", fmt.Sprintf("writer-%d", i))
			if ok {
				added.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), added.Load())

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func testQueueIsFIFO(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	q, err := grid.OpenQueue(ctx, s, "fifo", grid.Int)
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		ok, err := q.Put(ctx, fmt.Sprintf("z-%02d", n-i), i)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var seen []int
	_, err = q.ForEach(ctx, func(_ string, v int) (bool, error) {
		seen = append(seen, v)
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, seen, n)

	for i := 0; i < n; i++ {
		v, ok, err := q.Poll(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
		assert.Equal(t, i, seen[i])
	}
	_, ok, err := q.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testQueuePollIsExactlyOnce(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	q, err := grid.OpenQueue(ctx, s, "work", grid.Int)
	require.NoError(t, err)

	const items, pollers = 120, 6
	for i := 0; i < items; i++ {
		_, err := q.Put(ctx, fmt.Sprintf("item-%03d", i), i)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int]int, items)
	)
	var g errgroup.Group
	for iter := 0; iter < pollers; iter++ {
		g.Go(func() error {
			for {
				v, ok, err := q.Poll(ctx)
				if err != nil {
					return err
				}
				if !ok {
					empty, err := q.IsEmpty(ctx)
					if err != nil || empty {
						return err
					}
					continue
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, items)
	for v, n := range seen {
		assert.Equal(t, 1, n, "item %d polled %d times", v, n)
	}
}

func testQueueAccessors(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	q, err := grid.OpenQueue(ctx, s, "accessors", grid.String)
	require.NoError(t, err)

	_, err = q.Put(ctx, "a", "first")
	require.NoError(t, err)
	_, err = q.Put(ctx, "b", "second")
	require.NoError(t, err)

	v, ok, err := q.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	ok, err = q.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := q.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	v, ok, err = q.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	added, err := q.Put(ctx, "b", "again")
	require.NoError(t, err)
	assert.True(t, added, "a polled key can be queued again")

	require.NoError(t, q.Clear(ctx))
	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func testSetAddIsIdempotent(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	set, err := grid.OpenSet(ctx, s, "visited")
	require.NoError(t, err)

	var added atomic.Int32
	var g errgroup.Group
	for iter := 0; iter < 12; iter++ {
		g.Go(func() error {
			ok, err := set.Add(ctx, "https://example.com/a")
			if ok {
				added.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), added.Load())

	_, err = set.Add(ctx, "https://example.com/b")
	require.NoError(t, err)

	var keys []string
	_, err = set.ForEach(ctx, func(k string) (bool, error) {
		keys = append(keys, k)
		return true, nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, keys)

	removed, err := set.Remove(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, removed)
	ok, err := set.Contains(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testForEachStopsEarly(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "early", grid.Int)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := m.Put(ctx, fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}

	visited := 0
	completed, err := m.ForEach(ctx, func(string, int) (bool, error) {
		visited++
		return visited < 3, nil
	})
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 3, visited)

	boom := errors.New("boom")
	_, err = m.ForEach(ctx, func(string, int) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func testForEachPages(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "paged", grid.Int)
	require.NoError(t, err)
	q, err := grid.OpenQueue(ctx, s, "paged-queue", grid.Int)
	require.NoError(t, err)

	const n = 600
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			if _, err := m.Put(ctx, fmt.Sprintf("k%04d", i), i); err != nil {
				return err
			}
			if _, err := q.Put(ctx, fmt.Sprintf("k%04d", n-i), i); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	count := 0
	completed, err := m.ForEach(ctx, func(string, int) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, n, count)

	next := 0
	_, err = q.ForEach(ctx, func(_ string, v int) (bool, error) {
		assert.Equal(t, next, v)
		next++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, n, next)
}

func testLongKeys(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "long", grid.String)
	require.NoError(t, err)

	base := "https://example.com/" + strings.Repeat("é", 3000)
	_, err = m.Put(ctx, base+"a", "a")
	require.NoError(t, err)
	_, err = m.Put(ctx, base+"b", "b")
	require.NoError(t, err)

	v, ok, err := m.Get(ctx, base+"a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size, "keys sharing a long prefix stay distinct")
}

func testDescriptorMismatch(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	_, err := s.OpenMap(ctx, "shape", "string")
	require.NoError(t, err)

	_, err = s.OpenMap(ctx, "shape", "string")
	require.NoError(t, err, "same descriptor reopens")

	_, err = s.OpenQueue(ctx, "shape", "string")
	require.ErrorIs(t, err, grid.ErrStoreMismatch)

	_, err = s.OpenMap(ctx, "shape", "int")
	require.ErrorIs(t, err, grid.ErrStoreMismatch)

	_, err = s.OpenSet(ctx, "shape")
	require.ErrorIs(t, err, grid.ErrStoreMismatch)
}

func testReopenRoundTrip(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "typed", DocCodec)
	require.NoError(t, err)
	want := Doc{URL: "https://example.com/x", Depth: 3}
	_, err = m.Put(ctx, "x", want)
	require.NoError(t, err)

	st, err := s.Reopen(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, grid.KindMap, st.Descriptor.Kind)
	assert.Equal(t, DocCodec.TypeName(), st.Descriptor.ValueType)
	require.NotNil(t, st.Map)

	data, ok, err := st.Map.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)

	reg := grid.NewTypeRegistry()
	_, err = reg.Decode(st.Descriptor.ValueType, data)
	require.ErrorIs(t, err, grid.ErrUnknownType)

	grid.Register(reg, DocCodec)
	got, err := reg.Decode(st.Descriptor.ValueType, data)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.Reopen(ctx, "never-created")
	assert.True(t, grid.IsNotFound(err))
}

func testStoreNames(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	_, err := s.OpenSet(ctx, "b-set")
	require.NoError(t, err)
	_, err = s.OpenQueue(ctx, "a-queue", "string")
	require.NoError(t, err)

	names, err := s.StoreNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "a-queue")
	assert.Contains(t, names, "b-set")
	assert.NotContains(t, names, grid.CatalogStore)

	kinds := map[string]grid.Kind{}
	completed, err := s.ForEachStore(ctx, func(st grid.Store) (bool, error) {
		require.NotNil(t, st.Collection())
		kinds[st.Descriptor.Name] = st.Descriptor.Kind
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, grid.KindQueue, kinds["a-queue"])
	assert.Equal(t, grid.KindSet, kinds["b-set"])
}

func testClear(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "clear-map", grid.String)
	require.NoError(t, err)
	set, err := grid.OpenSet(ctx, s, "clear-set")
	require.NoError(t, err)
	_, err = m.Put(ctx, "k", "v")
	require.NoError(t, err)
	_, err = set.Add(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	empty, err := m.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
	empty, err = set.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	names, err := s.StoreNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "clear-map")
}

func testDestroy(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "doomed", grid.String)
	require.NoError(t, err)
	_, err = m.Put(ctx, "k", "v")
	require.NoError(t, err)

	require.NoError(t, s.Destroy(ctx))

	names, err := s.StoreNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	_, err = s.Reopen(ctx, "doomed")
	assert.True(t, grid.IsNotFound(err))

	// the name is free for a new shape
	q, err := grid.OpenQueue(ctx, s, "doomed", grid.Int)
	require.NoError(t, err)
	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func testTransactionCommit(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "tx-commit", grid.String)
	require.NoError(t, err)

	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.Put(ctx, "a", "1"); err != nil {
			return err
		}
		return s.RunInTransaction(ctx, func(ctx context.Context) error {
			_, err := m.Update(ctx, "a", func(cur string, _ bool) (string, error) {
				return cur + "2", nil
			})
			return err
		})
	})
	require.NoError(t, err)

	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12", v)
}

func testTransactionRollback(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	m, err := grid.OpenMap(ctx, s, "tx-rollback", grid.String)
	require.NoError(t, err)
	_, err = m.Put(ctx, "kept", "before")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.Put(ctx, "kept", "after"); err != nil {
			return err
		}
		if _, err := m.Put(ctx, "added", "x"); err != nil {
			return err
		}
		return s.RunInTransaction(ctx, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, grid.ErrStorage)

	v, _, err := m.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "before", v)
	ok, err := m.Contains(ctx, "added")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testAttributes(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	session, err := grid.SessionAttributes(ctx, s)
	require.NoError(t, err)
	durable, err := grid.DurableAttributes(ctx, s)
	require.NoError(t, err)

	_, err = session.Put(ctx, "crawler.state", "running")
	require.NoError(t, err)
	_, err = durable.Put(ctx, "crawler.lastRun", "2026-01-01")
	require.NoError(t, err)

	require.NoError(t, grid.ResetSession(ctx, s))

	_, ok, err := session.Get(ctx, "crawler.state")
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := durable.Get(ctx, "crawler.lastRun")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-01-01", v)
}

func testClose(t *testing.T, s grid.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")
	_, err := s.OpenMap(ctx, "late", "string")
	assert.ErrorIs(t, err, grid.ErrClosed)
}
