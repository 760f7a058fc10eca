// Package importer writes decoded city objects to the database. One Manager
// per worker goroutine owns a connection and the per-kind importers that
// buffer rows on it; references that cannot be written yet are handed to
// the xlink pool.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/metrics"
	"github.com/gebin/importer-exporter/internal/worker"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// Kind enumerates the importers of a Manager. The declaration order is the
// static execution order of batch flushes.
type Kind int

const (
	KindSurfaceGeometry Kind = iota
	KindImplicitGeometry
	KindCityObject
	KindBuilding
	KindCityFurniture
	KindCityObjectGroup
	KindAppearance
	KindSurfaceData
	KindTextureParam
	numKinds
)

var kindNames = [numKinds]string{
	KindSurfaceGeometry:  "SurfaceGeometry",
	KindImplicitGeometry: "ImplicitGeometry",
	KindCityObject:       "CityObject",
	KindBuilding:         "Building",
	KindCityFurniture:    "CityFurniture",
	KindCityObjectGroup:  "CityObjectGroup",
	KindAppearance:       "Appearance",
	KindSurfaceData:      "SurfaceData",
	KindTextureParam:     "TextureParam",
}

func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// dependencies lists, per kind, the kinds whose rows its rows reference.
var dependencies = [numKinds][]Kind{
	KindImplicitGeometry: {KindSurfaceGeometry},
	KindBuilding:         {KindCityObject, KindSurfaceGeometry},
	KindCityFurniture:    {KindCityObject, KindSurfaceGeometry, KindImplicitGeometry},
	KindCityObjectGroup:  {KindCityObject},
	KindAppearance:       {KindCityObject, KindSurfaceData},
	KindTextureParam:     {KindSurfaceGeometry, KindSurfaceData},
}

var plans [numKinds][]Kind

func init() {
	for k := range numKinds {
		plans[k] = buildPlan(k)
	}
}

// buildPlan returns the kinds flushed together with k: k, everything
// depending on k, and everything those kinds depend on, in static order.
func buildPlan(k Kind) []Kind {
	var set [numKinds]bool
	set[k] = true
	for changed := true; changed; {
		changed = false
		for d := range numKinds {
			if set[d] {
				continue
			}
			for _, dep := range dependencies[d] {
				if set[dep] {
					set[d], changed = true, true
					break
				}
			}
		}
	}
	for changed := true; changed; {
		changed = false
		for d := range numKinds {
			if !set[d] {
				continue
			}
			for _, dep := range dependencies[d] {
				if !set[dep] {
					set[dep], changed = true, true
				}
			}
		}
	}
	var plan []Kind
	for d := range numKinds {
		if set[d] {
			plan = append(plan, d)
		}
	}
	return plan
}

// Plan returns the execution plan of ExecuteBatchFor(k).
func Plan(k Kind) []Kind { return slices.Clone(plans[k]) }

// Importer is implemented by every per-kind importer.
type Importer interface {
	// Flush writes the buffered rows.
	Flush(ctx context.Context) error
	// Close releases the importer. Rows still buffered are reported as an
	// error and dropped.
	Close() error
}

// XlinkSink receives the references that are resolved after the import.
// *worker.Pool[xlink.Item] implements it.
type XlinkSink interface {
	AddWork(ctx context.Context, item xlink.Item) error
}

// Config is shared by all managers of a run.
type Config struct {
	Dialect adapter.Dialect
	SRID    int
	// Codespace is written to GMLID_CODESPACE of every row.
	Codespace string
	// ReplaceIDs replaces every gml:id by a generated one. The original id
	// still resolves references.
	ReplaceIDs bool
	// Appearances enables the import of appearances and ring registration.
	Appearances bool
	// BatchSize caps the rows buffered per statement. 0 or anything above
	// the dialect's ceiling means the ceiling.
	BatchSize int

	Geometries *gmlid.LookupServer
	Features   *gmlid.LookupServer
	Xlinks     XlinkSink
	Reporter   *diag.Reporter
	Counters   *Counters
}

func (c Config) batchSize() int {
	limit := c.Dialect.MaxBatchSize()
	if c.BatchSize <= 0 || c.BatchSize > limit {
		return limit
	}
	return c.BatchSize
}

// Manager owns one connection and the importers writing on it. It is not
// safe for concurrent use.
type Manager struct {
	cfg       Config
	conn      *sql.Conn
	importers [numKinds]Importer
	texCoords *LocalTexCoordResolver
}

// NewManager takes a dedicated connection from db.
func NewManager(ctx context.Context, db *sql.DB, cfg Config) (*Manager, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, diag.Storage("open import connection", err)
	}
	if cfg.Counters == nil {
		cfg.Counters = NewCounters()
	}
	return &Manager{cfg: cfg, conn: conn, texCoords: NewLocalTexCoordResolver()}, nil
}

// Factory returns a worker.Factory creating one Manager per pool goroutine.
func Factory(db *sql.DB, cfg Config) worker.Factory[citygml.Feature] {
	return func(ctx context.Context, _ int) (worker.Worker[citygml.Feature], error) {
		return NewManager(ctx, db, cfg)
	}
}

var constructors = [numKinds]func(*Manager) Importer{
	KindSurfaceGeometry:  func(m *Manager) Importer { return newSurfaceGeometry(m) },
	KindImplicitGeometry: func(m *Manager) Importer { return newImplicitGeometry(m) },
	KindCityObject:       func(m *Manager) Importer { return newCityObject(m) },
	KindBuilding:         func(m *Manager) Importer { return newBuilding(m) },
	KindCityFurniture:    func(m *Manager) Importer { return newCityFurniture(m) },
	KindCityObjectGroup:  func(m *Manager) Importer { return newCityObjectGroup(m) },
	KindAppearance:       func(m *Manager) Importer { return newAppearance(m) },
	KindSurfaceData:      func(m *Manager) Importer { return newSurfaceData(m) },
	KindTextureParam:     func(m *Manager) Importer { return newTextureParam(m) },
}

// Importer returns the importer of kind, creating it on first use.
func (m *Manager) Importer(kind Kind) (Importer, error) {
	if kind < 0 || kind >= numKinds {
		return nil, fmt.Errorf("unknown importer kind %d", int(kind))
	}
	if m.importers[kind] == nil {
		m.importers[kind] = constructors[kind](m)
	}
	return m.importers[kind], nil
}

func get[T Importer](m *Manager, kind Kind) T {
	imp, err := m.Importer(kind)
	if err != nil {
		panic(err)
	}
	return imp.(T)
}

func (m *Manager) SurfaceGeometry() *SurfaceGeometry {
	return get[*SurfaceGeometry](m, KindSurfaceGeometry)
}

func (m *Manager) implicitGeometry() *ImplicitGeometry {
	return get[*ImplicitGeometry](m, KindImplicitGeometry)
}

func (m *Manager) cityObject() *CityObject { return get[*CityObject](m, KindCityObject) }

func (m *Manager) appearance() *Appearance { return get[*Appearance](m, KindAppearance) }

func (m *Manager) surfaceData() *SurfaceData { return get[*SurfaceData](m, KindSurfaceData) }

func (m *Manager) textureParam() *TextureParam { return get[*TextureParam](m, KindTextureParam) }

// ExecuteBatchFor flushes kind together with the kinds it depends on and
// the kinds depending on it, in static order.
func (m *Manager) ExecuteBatchFor(ctx context.Context, kind Kind) error {
	if kind < 0 || kind >= numKinds {
		return fmt.Errorf("unknown importer kind %d", int(kind))
	}
	return m.flush(ctx, plans[kind])
}

// ExecuteBatch flushes all importers in static order.
func (m *Manager) ExecuteBatch(ctx context.Context) error {
	all := make([]Kind, numKinds)
	for k := range numKinds {
		all[k] = k
	}
	return m.flush(ctx, all)
}

func (m *Manager) flush(ctx context.Context, kinds []Kind) error {
	for _, k := range kinds {
		imp := m.importers[k]
		if imp == nil {
			continue
		}
		start := time.Now()
		if err := imp.Flush(ctx); err != nil {
			return diag.Storage("flush "+k.String(), err)
		}
		metrics.BatchFlushDurationMs.WithLabelValues(k.String()).Observe(float64(time.Since(start).Milliseconds()))
	}
	return nil
}

// add buffers one row in b and runs the execution plan of kind once b is
// full.
func (m *Manager) add(ctx context.Context, kind Kind, b *adapter.Batch, args ...any) error {
	if b.Add(args...) {
		return m.ExecuteBatchFor(ctx, kind)
	}
	return nil
}

func (m *Manager) newBatch(query string) *adapter.Batch {
	return adapter.NewBatch(m.conn, m.cfg.Dialect.Rebind(query), m.cfg.batchSize())
}

// PropagateXlink hands item to the xlink pool. It blocks while the pool's
// queue is full.
func (m *Manager) PropagateXlink(ctx context.Context, item xlink.Item) error {
	if m.cfg.Xlinks == nil {
		return errors.New("no xlink sink configured")
	}
	return m.cfg.Xlinks.AddWork(ctx, item)
}

func (m *Manager) nextIDs(ctx context.Context, seq string, n int) ([]int64, error) {
	ids, err := m.cfg.Dialect.NextSequenceValues(ctx, m.conn, seq, n)
	if err != nil {
		return nil, diag.Storage("reserve "+seq, err)
	}
	return ids, nil
}

func (m *Manager) nextID(ctx context.Context, seq string) (int64, error) {
	ids, err := m.nextIDs(ctx, seq, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// gmlID returns the id to store for a node carrying orig. Nodes without an
// id, and all nodes when ids are replaced, get a generated one.
func (m *Manager) gmlID(orig string) string {
	if orig == "" || m.cfg.ReplaceIDs {
		return newGmlID()
	}
	return orig
}

func newGmlID() string { return "UUID_" + uuid.NewString() }

// Do imports one top-level feature. It implements worker.Worker.
func (m *Manager) Do(ctx context.Context, f citygml.Feature) error {
	_, err := m.ImportFeature(ctx, f)
	return err
}

// ImportFeature writes f and everything it contains and returns its
// CITYOBJECT id, or 0 if f was skipped. Only storage failures are
// returned; malformed content is reported and skipped.
func (m *Manager) ImportFeature(ctx context.Context, f citygml.Feature) (int64, error) {
	defer m.endFeature()
	return m.importFeature(ctx, f)
}

func (m *Manager) endFeature() {
	m.texCoords.Reset()
	if a, ok := m.importers[KindAppearance].(*Appearance); ok {
		a.reset()
	}
}

func (m *Manager) importFeature(ctx context.Context, f citygml.Feature) (int64, error) {
	switch x := f.(type) {
	case *citygml.Building:
		return get[*Building](m, KindBuilding).Insert(ctx, x)
	case *citygml.CityFurniture:
		return get[*CityFurniture](m, KindCityFurniture).Insert(ctx, x)
	case *citygml.CityObjectGroup:
		return get[*CityObjectGroup](m, KindCityObjectGroup).Insert(ctx, x)
	}
	m.cfg.Reporter.Warn("feature_unsupported", "type", fmt.Sprintf("%T", f))
	return 0, nil
}

// ImportAppearance writes a global appearance, one not owned by a feature.
func (m *Manager) ImportAppearance(ctx context.Context, a *citygml.Appearance) (int64, error) {
	if !m.cfg.Appearances {
		return 0, nil
	}
	return m.appearance().Insert(ctx, a, 0)
}

// Close flushes all importers, closes them and releases the connection.
// Every step runs even if an earlier one failed; all errors are returned.
func (m *Manager) Close() error {
	var errs []error
	if err := m.ExecuteBatch(context.Background()); err != nil {
		errs = append(errs, err)
	}
	for k, imp := range m.importers {
		if imp == nil {
			continue
		}
		if err := imp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s importer: %w", Kind(k), err))
		}
	}
	if err := m.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close import connection: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.L().Error("import_manager_close", "err", err)
		return err
	}
	return nil
}

// closeBatches reports rows left in bs and drops them.
func closeBatches(bs ...*adapter.Batch) error {
	n := 0
	for _, b := range bs {
		n += b.Len()
		b.Reset()
	}
	if n > 0 {
		return fmt.Errorf("%d buffered rows discarded", n)
	}
	return nil
}
