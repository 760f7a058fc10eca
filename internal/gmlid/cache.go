// Package gmlid maps document gml:ids to database surrogate keys during an
// import. Entries are held in memory and spill to partitioned SQLite
// backing tables when the in-memory map grows past its capacity.
package gmlid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/cachetable"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/metrics"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("gmlid: cache closed")

// Entry is what a gml:id resolves to.
type Entry struct {
	ID      int64
	RootID  int64
	Reverse bool
	// Mapping names the gml:id this entry is an alias for, or the id that
	// replaced the original one when gml:ids are regenerated.
	Mapping string
	Class   api.Class
}

// IsAlias reports whether e only points at another gml:id.
func (e Entry) IsAlias() bool { return e.ID <= 0 && e.Mapping != "" }

// record is the in-memory form of an entry. The entry itself is never
// modified after the record is stored; updates swap in a new record.
type record struct {
	entry     Entry
	requested atomic.Bool
}

func newRecord(e Entry, requested bool) *record {
	r := &record{entry: e}
	r.requested.Store(requested)
	return r
}

var tableModel = cachetable.Model{
	Columns: "GMLID TEXT NOT NULL, ID INTEGER, ROOT_ID INTEGER, REVERSE INTEGER, MAPPING TEXT, TYPE INTEGER",
	Indexes: []string{"GMLID"},
}

type partition struct {
	mu     sync.Mutex
	table  *cachetable.Table
	insert *sql.Stmt
	lookup *sql.Stmt
}

// Cache is the partitioned backing store behind a LookupServer. Each
// partition has its own table, statements and lock. Indexes on the
// partition tables are built on the first database lookup, exactly once.
type Cache struct {
	name      string
	parts     []*partition
	batchSize int

	indexing    atomic.Bool
	ready       atomic.Bool
	mu          sync.Mutex
	indexDone   *sync.Cond
	indexErr    error
	indexBuilds atomic.Int32

	closed atomic.Bool
}

// NewCache creates a cache named name (used in logs and metrics) with the
// given number of partition tables.
func NewCache(ctx context.Context, tables *cachetable.Manager, name string, partitions, batchSize int) (*Cache, error) {
	if partitions <= 0 {
		partitions = 1
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	c := &Cache{name: name, batchSize: batchSize}
	c.indexDone = sync.NewCond(&c.mu)

	model := tableModel
	model.Name = "tmp_gmlid_" + name
	for i := 0; i < partitions; i++ {
		t, err := tables.CreateTable(ctx, model)
		if err != nil {
			_ = c.Close()
			return nil, diag.Storage("create gml:id cache", err)
		}
		p := &partition{table: t}
		c.parts = append(c.parts, p)
		if p.insert, err = t.DB().PrepareContext(ctx,
			"INSERT INTO "+t.Name()+" (GMLID, ID, ROOT_ID, REVERSE, MAPPING, TYPE) VALUES (?, ?, ?, ?, ?, ?)"); err != nil {
			_ = c.Close()
			return nil, diag.Storage("prepare gml:id cache", err)
		}
		if p.lookup, err = t.DB().PrepareContext(ctx,
			"SELECT ID, ROOT_ID, REVERSE, MAPPING, TYPE FROM "+t.Name()+" WHERE GMLID = ? ORDER BY rowid LIMIT 1"); err != nil {
			_ = c.Close()
			return nil, diag.Storage("prepare gml:id cache", err)
		}
	}
	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Partitions returns the number of backing tables.
func (c *Cache) Partitions() int { return len(c.parts) }

// Partition returns the backing table index for gmlID. The mapping is
// fixed for the lifetime of the cache.
func (c *Cache) Partition(gmlID string) int {
	return int(xxhash.Sum64String(gmlID) % uint64(len(c.parts)))
}

// IndexBuilds returns how often the partition indexes were built.
func (c *Cache) IndexBuilds() int { return int(c.indexBuilds.Load()) }

type drainItem struct {
	key string
	rec *record
}

// DrainToDB moves up to n entries of m to the backing tables and removes
// them from m. Entries that were never looked up are drained before
// requested ones. An entry is only removed from m after it has been
// written, and only if it was not replaced in the meantime.
func (c *Cache) DrainToDB(ctx context.Context, m *sync.Map, n int) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}

	perPart := make([][]drainItem, len(c.parts))
	picked := make(map[string]struct{}, n)
	collect := func(unrequestedOnly bool) {
		m.Range(func(k, v any) bool {
			if len(picked) >= n {
				return false
			}
			key := k.(string)
			rec := v.(*record)
			if unrequestedOnly && rec.requested.Load() {
				return true
			}
			if _, ok := picked[key]; ok {
				return true
			}
			picked[key] = struct{}{}
			p := c.Partition(key)
			perPart[p] = append(perPart[p], drainItem{key: key, rec: rec})
			return true
		})
	}
	collect(true)
	if len(picked) < n {
		collect(false)
	}

	drained := 0
	for i, items := range perPart {
		if len(items) == 0 {
			continue
		}
		if err := c.writePartition(ctx, c.parts[i], items); err != nil {
			return drained, diag.Storage("drain gml:id cache "+c.name, err)
		}
		for _, it := range items {
			if m.CompareAndDelete(it.key, it.rec) {
				drained++
			}
		}
	}

	metrics.CacheDrains.WithLabelValues(c.name).Inc()
	metrics.CacheDrainedEntries.WithLabelValues(c.name).Add(float64(drained))
	logger.L().Debug("gmlid_drain", "cache", c.name, "entries", drained)
	return drained, nil
}

func (c *Cache) writePartition(ctx context.Context, p *partition, items []drainItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for start := 0; start < len(items); start += c.batchSize {
		end := min(start+c.batchSize, len(items))
		tx, err := p.table.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt := tx.StmtContext(ctx, p.insert)
		for _, it := range items[start:end] {
			e := it.rec.entry
			if _, err := stmt.ExecContext(ctx, it.key, e.ID, e.RootID, e.Reverse, nullString(e.Mapping), int(e.Class)); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// LookupDB looks gmlID up in its backing table. The first call builds the
// partition indexes; concurrent callers wait until that build finished.
func (c *Cache) LookupDB(ctx context.Context, gmlID string) (Entry, bool, error) {
	if c.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return Entry{}, false, err
	}

	p := c.parts[c.Partition(gmlID)]
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.CacheDBLookups.WithLabelValues(c.name).Inc()
	var (
		e       Entry
		mapping sql.NullString
		class   int
	)
	err := p.lookup.QueryRowContext(ctx, gmlID).Scan(&e.ID, &e.RootID, &e.Reverse, &mapping, &class)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, diag.Storage("look up gml:id in cache "+c.name, err)
	}
	e.Mapping = mapping.String
	e.Class = api.Class(class)
	return e, true, nil
}

func (c *Cache) ensureIndexes(ctx context.Context) error {
	if c.ready.Load() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.indexErr
	}
	if c.indexing.CompareAndSwap(false, true) {
		var err error
		for _, p := range c.parts {
			if err = p.table.CreateIndexes(ctx); err != nil {
				err = diag.Storage("index gml:id cache "+c.name, err)
				break
			}
		}
		c.indexBuilds.Add(1)
		metrics.CacheIndexBuilds.WithLabelValues(c.name).Inc()
		logger.L().Debug("gmlid_indexed", "cache", c.name, "partitions", len(c.parts), "err", err)

		c.mu.Lock()
		c.indexErr = err
		c.ready.Store(true)
		c.indexDone.Broadcast()
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.ready.Load() {
		c.indexDone.Wait()
	}
	return c.indexErr
}

// Close releases the prepared statements. The backing tables belong to
// the cachetable.Manager and are removed when it is closed.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, p := range c.parts {
		p.mu.Lock()
		if p.insert != nil {
			errs = append(errs, p.insert.Close())
		}
		if p.lookup != nil {
			errs = append(errs, p.lookup.Close())
		}
		p.mu.Unlock()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close gml:id cache %s: %w", c.name, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
