// Package controller runs complete import and export jobs: it opens the
// database, wires caches, worker pools and resolvers together and returns
// a summary of what was done.
package controller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/cachetable"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/config"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/exporter"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/importer"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/worker"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// warningLimit caps the warnings kept for the summary. All of them are
// still logged.
const warningLimit = 1000

// Summary describes a finished run.
type Summary struct {
	Features       map[string]int64
	Geometries     map[string]int64
	XlinksResolved map[string]int64
	XlinksDangling map[string]int64
	Warnings       []string
	Duration       time.Duration
}

// Open connects to the configured database.
func Open(cfg config.Config) (adapter.Dialect, *sql.DB, error) {
	d, err := adapter.ForName(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}
	db, err := d.Open(cfg.DSN)
	if err != nil {
		return nil, nil, diag.Storage("open database", err)
	}
	return d, db, nil
}

// CreateSchema creates the city model tables if they are missing.
func CreateSchema(ctx context.Context, cfg config.Config) error {
	d, db, err := Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return adapter.EnsureSchema(ctx, db, d, cfg.SRID)
}

// Import reads one document from r and writes it to the database. baseDir
// is the directory relative texture and library object URIs are resolved
// against. Undecodable features and dangling references are reported in
// the summary; storage failures abort the run.
func Import(ctx context.Context, cfg config.Config, r io.Reader, baseDir string) (*Summary, error) {
	start := time.Now()
	log := logger.L()
	reporter := diag.NewReporter(log, warningLimit)

	d, db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	if err := adapter.EnsureSchema(ctx, db, d, cfg.SRID); err != nil {
		return nil, err
	}

	doc, err := citygml.ReadDocument(r, cfg.Import.FeaturePath, func(i int, err error) {
		reporter.Error("feature_skipped", "index", i, "err", err)
	})
	if err != nil {
		return nil, err
	}
	log.Info("import_start", "features", len(doc.Features), "appearances", len(doc.Appearances))

	tables, err := cachetable.NewManager(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	defer closeCache(log, "tables", tables)
	geometries, err := lookupServer(ctx, tables, "geometry", cfg.Cache.GeometryCapacity, cfg.Cache)
	if err != nil {
		return nil, err
	}
	defer closeCache(log, "geometry", geometries)
	features, err := lookupServer(ctx, tables, "feature", cfg.Cache.FeatureCapacity, cfg.Cache)
	if err != nil {
		return nil, err
	}
	defer closeCache(log, "feature", features)
	xlinks := xlink.NewTables(tables)

	counters := importer.NewCounters()
	icfg := importer.Config{
		Dialect:     d,
		SRID:        cfg.SRID,
		Codespace:   cfg.Import.Codespace,
		ReplaceIDs:  cfg.Import.ReplaceIDs,
		Appearances: cfg.Import.Appearances,
		BatchSize:   cfg.Import.BatchSize,
		Geometries:  geometries,
		Features:    features,
		Reporter:    reporter,
		Counters:    counters,
	}
	if err := importDocument(ctx, db, icfg, cfg.Import, xlinks, cfg.Cache.BatchSize, doc); err != nil {
		return nil, err
	}

	stats := &xlink.Stats{}
	rcfg := xlink.ResolverConfig{
		Dialect:    d,
		Geometries: geometries,
		Features:   features,
		Tables:     xlinks,
		Reporter:   reporter,
		Stats:      stats,
		BaseDir:    baseDir,
		BatchSize:  cfg.Import.BatchSize,
	}
	err = xlinks.ResolveAll(ctx, cfg.Import.XlinkWorkers, cfg.Import.QueueSize, xlink.ResolverFactory(db, rcfg))
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Features:       counters.Features(),
		Geometries:     counters.Geometries(),
		XlinksResolved: make(map[string]int64),
		XlinksDangling: make(map[string]int64),
		Warnings:       reporter.Warnings(),
		Duration:       time.Since(start),
	}
	for _, k := range xlink.ResolveOrder {
		if n := stats.Resolved(k); n > 0 {
			s.XlinksResolved[k.String()] = n
		}
		if n := stats.Dangling(k); n > 0 {
			s.XlinksDangling[k.String()] = n
		}
	}
	log.Info("import_complete", "duration", s.Duration, "warnings", reporter.Count())
	return s, nil
}

// closeCache closes c and logs a failure as a warning.
func closeCache(log *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("cache_cleanup", "cache", name, "err", err)
	}
}

func lookupServer(ctx context.Context, tables *cachetable.Manager, name string, capacity int,
	c config.CacheOptions) (*gmlid.LookupServer, error) {
	cache, err := gmlid.NewCache(ctx, tables, name, c.Partitions, c.BatchSize)
	if err != nil {
		return nil, err
	}
	return gmlid.NewLookupServer(cache, capacity, c.DrainFactor), nil
}

// importDocument runs the feature pool feeding the xlink pool, then writes
// the global appearances. Both pools are shut down before it returns, so
// every recorded item is in the xlink tables.
func importDocument(ctx context.Context, db *sql.DB, icfg importer.Config, opts config.ImportOptions,
	xlinks *xlink.Tables, cacheBatch int, doc *citygml.Document) error {
	xpool := worker.New("xlink", opts.XlinkWorkers, opts.QueueSize, xlinks.Factory(cacheBatch))
	if err := xpool.Start(ctx); err != nil {
		return err
	}
	icfg.Xlinks = xpool

	fpool := worker.New("import", opts.Workers, opts.QueueSize, importer.Factory(db, icfg))
	if err := fpool.Start(ctx); err != nil {
		return errors.Join(err, xpool.Shutdown())
	}
	var addErr error
	for _, f := range doc.Features {
		if addErr = fpool.AddWork(ctx, f); addErr != nil {
			fpool.Interrupt()
			break
		}
	}
	if errors.Is(addErr, worker.ErrInterrupted) {
		addErr = nil // the cause is in the shutdown error
	}
	if err := errors.Join(addErr, fpool.Shutdown()); err != nil {
		xpool.Interrupt()
		return errors.Join(err, xpool.Shutdown())
	}

	if err := importAppearances(ctx, db, icfg, doc.Appearances); err != nil {
		xpool.Interrupt()
		return errors.Join(err, xpool.Shutdown())
	}
	return xpool.Shutdown()
}

func importAppearances(ctx context.Context, db *sql.DB, icfg importer.Config, apps []*citygml.Appearance) error {
	if len(apps) == 0 || !icfg.Appearances {
		return nil
	}
	m, err := importer.NewManager(ctx, db, icfg)
	if err != nil {
		return err
	}
	for _, a := range apps {
		if _, err := m.ImportAppearance(ctx, a); err != nil {
			return errors.Join(fmt.Errorf("global appearance '%s': %w", a.GmlID, err), m.Close())
		}
	}
	return m.Close()
}

// Export writes every top-level city object of the database to w.
func Export(ctx context.Context, cfg config.Config, w io.Writer) (*Summary, error) {
	start := time.Now()
	reporter := diag.NewReporter(logger.L(), warningLimit)

	d, db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	m := exporter.NewManager(db, exporter.Config{
		Dialect:            d,
		Appearances:        cfg.Export.Appearances,
		PrototypeCacheSize: cfg.Export.PrototypeCacheSize,
		Reporter:           reporter,
	})
	if err := m.Export(ctx, w); err != nil {
		return nil, err
	}
	return &Summary{
		Features: m.Counts(),
		Warnings: reporter.Warnings(),
		Duration: time.Since(start),
	}, nil
}
