// Package exporter reads city objects back from the database and renders
// them as documents. Geometry trees are rebuilt from the SURFACE_GEOMETRY
// closure table; objects already written in the current run are emitted
// as references.
package exporter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/metrics"
)

// Kind enumerates the exporters a Manager hands out.
type Kind int

const (
	KindSurfaceGeometry Kind = iota
	KindImplicitGeometry
	KindCityObject
	KindBuilding
	KindCityFurniture
	KindCityObjectGroup
	KindAppearance
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
}

func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DefaultPrototypeCacheSize bounds the implicit geometry prototypes kept
// in memory.
const DefaultPrototypeCacheSize = 1024

// Config is shared by all exporters of a Manager.
type Config struct {
	Dialect adapter.Dialect

	// Appearances exports APPEARANCE rows and gives polygon rings ids so
	// texture coordinates can refer to them.
	Appearances bool

	// PrototypeCacheSize bounds the implicit geometry LRU.
	PrototypeCacheSize int

	Reporter *diag.Reporter
}

// Manager owns one exporter per kind and the sets of objects written in
// the current run. It is not safe for concurrent exports.
type Manager struct {
	cfg       Config
	db        adapter.Conn
	exporters [numKinds]any

	mu          sync.Mutex
	features    *roaring64.Bitmap
	roots       *roaring64.Bitmap
	surfaceData *roaring64.Bitmap
	geometryIDs map[string]struct{}
	counts      map[string]int64
}

func NewManager(db adapter.Conn, cfg Config) *Manager {
	if cfg.PrototypeCacheSize <= 0 {
		cfg.PrototypeCacheSize = DefaultPrototypeCacheSize
	}
	return &Manager{
		cfg:         cfg,
		db:          db,
		features:    roaring64.New(),
		roots:       roaring64.New(),
		surfaceData: roaring64.New(),
		geometryIDs: make(map[string]struct{}),
		counts:      make(map[string]int64),
	}
}

var constructors = [numKinds]func(*Manager) (any, error){
	KindSurfaceGeometry:  func(m *Manager) (any, error) { return newSurfaceGeometry(m), nil },
	KindImplicitGeometry: func(m *Manager) (any, error) { return newImplicitGeometry(m) },
	KindCityObject:       func(m *Manager) (any, error) { return newCityObject(m), nil },
	KindBuilding:         func(m *Manager) (any, error) { return newBuilding(m), nil },
	KindCityFurniture:    func(m *Manager) (any, error) { return newCityFurniture(m), nil },
	KindCityObjectGroup:  func(m *Manager) (any, error) { return newCityObjectGroup(m), nil },
	KindAppearance:       func(m *Manager) (any, error) { return newAppearance(m), nil },
}

// Exporter returns the exporter of kind k, creating it on first use.
func (m *Manager) Exporter(k Kind) (any, error) {
	if k < 0 || k >= numKinds {
		return nil, fmt.Errorf("unknown exporter kind %d", int(k))
	}
	if m.exporters[k] == nil {
		e, err := constructors[k](m)
		if err != nil {
			return nil, fmt.Errorf("create %s exporter: %w", k, err)
		}
		m.exporters[k] = e
	}
	return m.exporters[k], nil
}

func get[T any](m *Manager, k Kind) T {
	e, err := m.Exporter(k)
	if err != nil {
		panic(err)
	}
	return e.(T)
}

func (m *Manager) SurfaceGeometry() *SurfaceGeometry {
	return get[*SurfaceGeometry](m, KindSurfaceGeometry)
}

func (m *Manager) implicitGeometry() *ImplicitGeometry {
	return get[*ImplicitGeometry](m, KindImplicitGeometry)
}

func (m *Manager) cityObject() *CityObject { return get[*CityObject](m, KindCityObject) }

func (m *Manager) building() *Building { return get[*Building](m, KindBuilding) }

func (m *Manager) cityFurniture() *CityFurniture { return get[*CityFurniture](m, KindCityFurniture) }

func (m *Manager) cityObjectGroup() *CityObjectGroup {
	return get[*CityObjectGroup](m, KindCityObjectGroup)
}

func (m *Manager) appearance() *Appearance { return get[*Appearance](m, KindAppearance) }

// markFeature records id as written and reports whether it was new.
func (m *Manager) markFeature(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features.CheckedAdd(uint64(id))
}

func (m *Manager) isExported(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features.Contains(uint64(id))
}

func (m *Manager) markRoot(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roots.CheckedAdd(uint64(id))
}

func (m *Manager) markSurfaceData(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surfaceData.CheckedAdd(uint64(id))
}

// markGeometry records a written geometry gml:id and reports whether it
// was new.
func (m *Manager) markGeometry(gmlID string) bool {
	if gmlID == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.geometryIDs[gmlID]; ok {
		return false
	}
	m.geometryIDs[gmlID] = struct{}{}
	return true
}

func (m *Manager) count(class api.Class) {
	name := class.String()
	metrics.FeaturesExported.WithLabelValues(name).Inc()
	m.mu.Lock()
	m.counts[name]++
	m.mu.Unlock()
}

// Counts returns the number of exported features per class.
func (m *Manager) Counts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.counts)
}

func (m *Manager) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return m.db.QueryContext(ctx, m.cfg.Dialect.Rebind(query), args...)
}

func (m *Manager) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return m.db.QueryRowContext(ctx, m.cfg.Dialect.Rebind(query), args...)
}

// ExportFeature renders the city object id. It returns nil if the object
// was written before in this run or its class cannot be exported.
func (m *Manager) ExportFeature(ctx context.Context, id int64) (map[string]any, error) {
	if !m.markFeature(id) {
		return nil, nil
	}
	base, class, err := m.cityObject().Read(ctx, id)
	if err != nil || base == nil {
		return nil, err
	}
	var (
		f     citygml.Feature
		slots map[string]any
	)
	switch class {
	case api.ClassBuilding:
		f, slots, err = m.building().Read(ctx, id, base)
	case api.ClassCityFurniture:
		f, slots, err = m.cityFurniture().Read(ctx, id, base)
	case api.ClassCityObjectGroup:
		f, slots, err = m.cityObjectGroup().Read(ctx, id, base)
	default:
		m.cfg.Reporter.Warn("feature_export_unsupported", "gmlid", base.GmlID, "class", class)
		return nil, nil
	}
	if err != nil || f == nil {
		return nil, err
	}
	if m.cfg.Appearances {
		if f.Base().Appearances, err = m.appearance().ReadFor(ctx, id); err != nil {
			return nil, err
		}
	}
	m.count(class)
	return citygml.EncodeFeature(f, slots), nil
}

// Export writes all exportable city objects in id order, followed by the
// global appearances, as one document.
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	ids, err := m.featureIDs(ctx)
	if err != nil {
		return err
	}
	var features []map[string]any
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := m.ExportFeature(ctx, id)
		if err != nil {
			return err
		}
		if f != nil {
			features = append(features, f)
		}
	}
	var apps []map[string]any
	if m.cfg.Appearances {
		global, err := m.appearance().ReadGlobal(ctx)
		if err != nil {
			return err
		}
		for _, a := range global {
			apps = append(apps, citygml.EncodeAppearance(a))
		}
	}
	logger.L().Info("export_complete", "features", len(features), "appearances", len(apps))
	return citygml.WriteDocument(w, features, apps)
}

func (m *Manager) featureIDs(ctx context.Context) ([]int64, error) {
	rows, err := m.query(ctx, `SELECT ID FROM CITYOBJECT WHERE CLASS_ID IN (?, ?, ?) ORDER BY ID`,
		int(api.ClassBuilding), int(api.ClassCityFurniture), int(api.ClassCityObjectGroup))
	if err != nil {
		return nil, diag.Storage("list city objects", err)
	}
	ids, err := scanIDs(rows)
	return ids, diag.Storage("list city objects", err)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func href(gmlID string) string { return "#" + gmlID }
