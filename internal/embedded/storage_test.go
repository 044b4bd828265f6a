package embedded_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/embedded"
	"github.com/JakeFAU/crawlgrid/internal/grid"
	"github.com/JakeFAU/crawlgrid/internal/grid/gridtest"
)

func testOptions() embedded.Options {
	return embedded.Options{
		Ephemeral:          true,
		CacheSizeMB:        8,
		AutoCommitBufferKB: 8 << 10,
	}
}

func newMemoryStorage(t *testing.T) grid.Storage {
	t.Helper()
	s, err := embedded.Open(testOptions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEmbeddedConformance(t *testing.T) {
	t.Parallel()
	gridtest.Run(t, newMemoryStorage)
}

func TestOpenRequiresDir(t *testing.T) {
	t.Parallel()
	_, err := embedded.Open(embedded.Options{}, nil)
	assert.ErrorIs(t, err, grid.ErrConfig)
}

func TestDiskStorageSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := embedded.Options{
		Dir:              t.TempDir(),
		CompressionLevel: 1,
		CacheSizeMB:      8,
		PageSize:         4096,
		AutoCommitDelay:  10 * time.Millisecond,
	}

	s, err := embedded.Open(opts, zap.NewNop())
	require.NoError(t, err)
	q, err := grid.OpenQueue(ctx, s, "frontier", gridtest.DocCodec)
	require.NoError(t, err)
	for i, url := range []string{"https://a.example", "https://b.example"} {
		_, err := q.Put(ctx, url, gridtest.Doc{URL: url, Depth: i})
		require.NoError(t, err)
	}
	time.Sleep(30 * time.Millisecond) // let the sync loop run at least once
	require.NoError(t, s.Close())

	reopened, err := embedded.Open(opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	st, err := reopened.Reopen(ctx, "frontier")
	require.NoError(t, err)
	require.Equal(t, grid.KindQueue, st.Descriptor.Kind)
	typed := grid.NewQueue(st.Queue, gridtest.DocCodec)

	_, err = typed.Put(ctx, "https://c.example", gridtest.Doc{URL: "https://c.example", Depth: 2})
	require.NoError(t, err)

	var urls []string
	for {
		d, ok, err := typed.Poll(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		urls = append(urls, d.URL)
	}
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"}, urls,
		"order survives a restart")
}

func TestQueueStaysFIFOAfterDestroy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := embedded.Open(testOptions(), zap.NewNop())
	require.NoError(t, err)

	q, err := s.OpenQueue(ctx, "frontier", grid.Raw.TypeName())
	require.NoError(t, err)
	_, err = q.Put(ctx, "before", []byte(`"x"`))
	require.NoError(t, err)
	require.NoError(t, s.Destroy(ctx))

	// more entries than one sequence lease holds
	const n = 1500
	q, err = s.OpenQueue(ctx, "frontier", grid.Raw.TypeName())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		added, err := q.Put(ctx, fmt.Sprintf("k%04d", i), []byte(`"v"`))
		require.NoError(t, err)
		require.True(t, added)
	}
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), size)

	for i := 0; i < n; i++ {
		key, _, found, err := q.Poll(ctx)
		require.NoError(t, err)
		require.True(t, found, "entry %d", i)
		require.Equal(t, fmt.Sprintf("k%04d", i), key)
	}
	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, s.Close())
}

func TestUserTransactionConflictIsReported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStorage(t)
	m, err := grid.OpenMap(ctx, s, "contended", grid.Int)
	require.NoError(t, err)
	_, err = m.Put(ctx, "k", 1)
	require.NoError(t, err)

	calls := 0
	err = s.RunInTransaction(ctx, func(txCtx context.Context) error {
		calls++
		if _, _, err := m.Get(txCtx, "k"); err != nil {
			return err
		}
		// a write outside the transaction lands first
		if _, err := m.Put(ctx, "k", 2); err != nil {
			return err
		}
		_, err := m.Put(txCtx, "k", 3)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, grid.ErrStorage)
	assert.Equal(t, 1, calls, "the caller's function is not replayed")

	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestDestroyInsideTransactionIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStorage(t)
	err := s.RunInTransaction(ctx, func(txCtx context.Context) error {
		return s.Destroy(txCtx)
	})
	assert.ErrorIs(t, err, grid.ErrStorage)
}

func TestMapUpdateReplaysOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStorage(t)
	m, err := grid.OpenMap(ctx, s, "replay", grid.Int)
	require.NoError(t, err)

	interfered := false
	calls := 0
	_, err = m.Update(ctx, "k", func(cur int, _ bool) (int, error) {
		calls++
		if !interfered {
			interfered = true
			if _, err := m.Put(ctx, "k", 10); err != nil {
				return 0, err
			}
		}
		return cur + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	v, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 11, v)
}

func TestNilUpdateDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemoryStorage(t)
	m, err := s.OpenMap(ctx, "raw", "json")
	require.NoError(t, err)
	_, err = m.Put(ctx, "k", []byte(`{"a":1}`))
	require.NoError(t, err)

	changed, err := m.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	assert.True(t, changed)
	ok, err := m.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
