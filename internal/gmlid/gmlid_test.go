package gmlid

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/cachetable"
)

func newTestCache(t *testing.T, partitions int) *Cache {
	t.Helper()
	tables, err := cachetable.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tables.Close() })

	c, err := NewCache(context.Background(), tables, "geometry", partitions, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPartitionIsDeterministic(t *testing.T) {
	c := newTestCache(t, 7)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("UUID_%d", i)
		p := c.Partition(id)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 7)
		assert.Equal(t, p, c.Partition(id))
	}
}

func TestDrainAndLookup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 4)

	var m sync.Map
	for i := 1; i <= 10; i++ {
		m.Store(fmt.Sprintf("g%d", i), newRecord(Entry{ID: int64(i), RootID: 1, Reverse: i%2 == 0, Class: api.ClassSurfaceGeometry}, false))
	}
	m.Store("alias", newRecord(Entry{ID: -1, RootID: -1, Mapping: "g1"}, false))

	n, err := c.DrainToDB(ctx, &m, 100)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	left := 0
	m.Range(func(any, any) bool { left++; return true })
	assert.Zero(t, left)

	e, ok, err := c.LookupDB(ctx, "g4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Entry{ID: 4, RootID: 1, Reverse: true, Class: api.ClassSurfaceGeometry}, e)

	e, ok, err = c.LookupDB(ctx, "alias")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.IsAlias())
	assert.Equal(t, "g1", e.Mapping)

	_, ok, err = c.LookupDB(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDrainPrefersUnrequested(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 2)

	var m sync.Map
	for i := 0; i < 6; i++ {
		m.Store(fmt.Sprintf("g%d", i), newRecord(Entry{ID: int64(i + 1)}, i < 3))
	}

	n, err := c.DrainToDB(ctx, &m, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 3; i++ {
		_, ok := m.Load(fmt.Sprintf("g%d", i))
		assert.True(t, ok, "requested entry g%d stays in memory", i)
	}
	for i := 3; i < 6; i++ {
		_, ok := m.Load(fmt.Sprintf("g%d", i))
		assert.False(t, ok, "unrequested entry g%d is drained", i)
	}
}

func TestIndexBuiltOnceUnderConcurrentLookups(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 4)

	var m sync.Map
	m.Store("a", newRecord(Entry{ID: 1, RootID: 1}, false))
	_, err := c.DrainToDB(ctx, &m, 1)
	require.NoError(t, err)
	assert.Zero(t, c.IndexBuilds())

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok, err := c.LookupDB(ctx, "a")
			if err == nil && (!ok || e.ID != 1) {
				err = fmt.Errorf("lookup returned %+v, %v", e, ok)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, c.IndexBuilds())
	for _, p := range c.parts {
		assert.True(t, p.table.Indexed())
	}
}

func TestLookupServerSpillsToCache(t *testing.T) {
	ctx := context.Background()
	s := NewLookupServer(newTestCache(t, 3), 10, 0.5)

	for i := 1; i <= 25; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("g%d", i), Entry{ID: int64(i), RootID: int64(i)}))
	}
	assert.Less(t, s.Len(), 10)

	for i := 1; i <= 25; i++ {
		e, ok, err := s.Get(ctx, fmt.Sprintf("g%d", i))
		require.NoError(t, err)
		require.True(t, ok, "g%d must not be lost", i)
		assert.Equal(t, int64(i), e.ID)
	}
}

func TestLookupServerMerge(t *testing.T) {
	ctx := context.Background()
	s := NewLookupServer(newTestCache(t, 1), 100, 0)

	t.Run("alias replaced by real entry", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "os", Entry{ID: -1, RootID: -1, Reverse: true, Mapping: "base"}))
		require.NoError(t, s.Put(ctx, "os", Entry{ID: 7, RootID: 3}))
		e, ok, err := s.Get(ctx, "os")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(7), e.ID)
	})

	t.Run("real id is stable", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "p", Entry{ID: 5, RootID: 1}))
		require.NoError(t, s.Put(ctx, "p", Entry{ID: 9, RootID: 9, Mapping: "UUID_x"}))
		e, _, err := s.Get(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, int64(5), e.ID)
		assert.Equal(t, int64(1), e.RootID)
		assert.Equal(t, "UUID_x", e.Mapping)
	})

	assert.Equal(t, 2, s.Len())
}

func TestResolveFollowsAlias(t *testing.T) {
	ctx := context.Background()
	s := NewLookupServer(newTestCache(t, 2), 100, 0)
	require.NoError(t, s.Put(ctx, "base", Entry{ID: 11, RootID: 10, Reverse: false}))
	require.NoError(t, s.Put(ctx, "neg", Entry{ID: -1, RootID: -1, Reverse: true, Mapping: "base"}))
	require.NoError(t, s.Put(ctx, "broken", Entry{ID: -1, RootID: -1, Mapping: "nowhere"}))

	e, ok, err := s.Resolve(ctx, "neg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(11), e.ID)
	assert.True(t, e.Reverse)

	_, ok, err = s.Resolve(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClosedCache(t *testing.T) {
	c := newTestCache(t, 1)
	require.NoError(t, c.Close())
	_, _, err := c.LookupDB(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLookupServerMergeAfterDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("real id survives drain", func(t *testing.T) {
		s := NewLookupServer(newTestCache(t, 1), 3, 1)
		require.NoError(t, s.Put(ctx, "dup", Entry{ID: 5, RootID: 1}))
		require.NoError(t, s.Put(ctx, "x", Entry{ID: 6, RootID: 1}))
		require.NoError(t, s.Put(ctx, "y", Entry{ID: 7, RootID: 1}))
		require.Zero(t, s.Len())

		require.NoError(t, s.Put(ctx, "dup", Entry{ID: 9, RootID: 9}))
		e, ok, err := s.Get(ctx, "dup")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(5), e.ID)
		assert.Equal(t, int64(1), e.RootID)
		assert.Zero(t, s.Len())
	})

	t.Run("drained alias upgraded", func(t *testing.T) {
		s := NewLookupServer(newTestCache(t, 1), 3, 1)
		require.NoError(t, s.Put(ctx, "os", Entry{ID: -1, RootID: -1, Reverse: true, Mapping: "base"}))
		require.NoError(t, s.Put(ctx, "a", Entry{ID: 1, RootID: 1}))
		require.NoError(t, s.Put(ctx, "b", Entry{ID: 2, RootID: 1}))
		require.Zero(t, s.Len())

		require.NoError(t, s.Put(ctx, "os", Entry{ID: 7, RootID: 3}))
		e, ok, err := s.Get(ctx, "os")
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, e.IsAlias())
		assert.Equal(t, int64(7), e.ID)
	})
}
