package importer

import (
	"context"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
)

// CityObject writes the CITYOBJECT row shared by all feature types.
type CityObject struct {
	m     *Manager
	batch *adapter.Batch
}

func newCityObject(m *Manager) *CityObject {
	query := "INSERT INTO CITYOBJECT (ID, CLASS_ID, GMLID, GMLID_CODESPACE, NAME, DESCRIPTION, ENVELOPE) " +
		"VALUES (?, ?, ?, ?, ?, ?, " + m.cfg.Dialect.GeometryParam("?") + ")"
	return &CityObject{m: m, batch: m.newBatch(query)}
}

func (c *CityObject) Flush(ctx context.Context) error { return c.batch.Flush(ctx) }

func (c *CityObject) Close() error { return closeBatches(c.batch) }

// Insert reserves an id for f, registers its gml:id and buffers its
// CITYOBJECT row. The envelope covers the inline geometry of props.
func (c *CityObject) Insert(ctx context.Context, f citygml.Feature, props ...*citygml.Property) (int64, error) {
	m := c.m
	base := f.Base()
	id, err := m.nextID(ctx, adapter.SeqCityObject)
	if err != nil {
		return 0, err
	}
	stored := m.gmlID(base.GmlID)
	if base.GmlID != "" {
		e := gmlid.Entry{ID: id, RootID: id, Class: f.Class()}
		if stored != base.GmlID {
			e.Mapping = stored
		}
		if err := m.cfg.Features.Put(ctx, base.GmlID, e); err != nil {
			return 0, err
		}
	}

	var envelope any
	if env := featureEnvelope(m.cfg.SRID, props...); env != nil {
		if envelope, err = m.cfg.Dialect.Geometry().ToNative(env); err != nil {
			m.cfg.Reporter.Warn("envelope_skipped", "feature", base.GmlID, "err", err)
			envelope = nil
		}
	}
	if err := m.add(ctx, KindCityObject, c.batch, id, int(f.Class()), stored, nullString(m.cfg.Codespace),
		nullString(base.Name), nullString(base.Description), envelope); err != nil {
		return 0, err
	}
	m.cfg.Counters.feature(f.Class())
	return id, nil
}

// insertAppearances writes the appearances owned by the feature id.
func (m *Manager) insertAppearances(ctx context.Context, base *citygml.CityObject, id int64) error {
	if !m.cfg.Appearances {
		return nil
	}
	for _, a := range base.Appearances {
		if a == nil {
			continue
		}
		if _, err := m.appearance().Insert(ctx, a, id); err != nil {
			return err
		}
	}
	return nil
}

// featureEnvelope returns the 3D bounding box of all inline rings below
// props, or nil if there are none.
func featureEnvelope(srid int, props ...*citygml.Property) *geometry.Object {
	var rings [][]float64
	for _, p := range props {
		if p != nil && p.Object != nil {
			rings = collectRings(p.Object, rings)
		}
	}
	if len(rings) == 0 {
		return nil
	}
	obj, err := geometry.NewMultiCurve(rings, 3, srid)
	if err != nil {
		return nil
	}
	return obj.Envelope()
}

func collectRings(g citygml.Geometry, out [][]float64) [][]float64 {
	add := func(r *citygml.LinearRing) {
		if r != nil && len(r.Coords) >= 3 && len(r.Coords)%3 == 0 {
			out = append(out, r.Coords)
		}
	}
	members := func(ps []*citygml.Property) {
		for _, p := range ps {
			if p != nil && p.Object != nil {
				out = collectRings(p.Object, out)
			}
		}
	}
	switch x := g.(type) {
	case *citygml.LinearRing:
		add(x)
	case *citygml.Polygon:
		add(x.Exterior)
	case *citygml.OrientableSurface:
		members([]*citygml.Property{x.BaseSurface})
	case *citygml.TexturedSurface:
		members([]*citygml.Property{x.BaseSurface})
	case *citygml.CompositeSurface:
		members(x.Members)
	case *citygml.MultiSurface:
		members(x.Members)
	case *citygml.MultiPolygon:
		members(x.Members)
	case *citygml.CompositeSolid:
		members(x.Members)
	case *citygml.MultiSolid:
		members(x.Members)
	case *citygml.Solid:
		members([]*citygml.Property{x.Exterior})
	case *citygml.GeometricComplex:
		members(x.Elements)
	case *citygml.Surface:
		for _, p := range x.Patches {
			if p != nil {
				add(p.Exterior)
			}
		}
	case *citygml.TriangulatedSurface:
		for _, p := range x.Triangles {
			if p != nil {
				add(p.Exterior)
			}
		}
	}
	return out
}
