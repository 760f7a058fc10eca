package importer

import (
	"context"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// SurfaceGeometry flattens geometry trees into SURFACE_GEOMETRY rows.
type SurfaceGeometry struct {
	m     *Manager
	batch *adapter.Batch
}

func newSurfaceGeometry(m *Manager) *SurfaceGeometry {
	query := "INSERT INTO SURFACE_GEOMETRY (ID, GMLID, GMLID_CODESPACE, PARENT_ID, ROOT_ID, " +
		"IS_SOLID, IS_COMPOSITE, IS_TRIANGULATED, IS_XLINK, IS_REVERSE, GEOMETRY) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, " + m.cfg.Dialect.GeometryParam("?") + ")"
	return &SurfaceGeometry{m: m, batch: m.newBatch(query)}
}

func (s *SurfaceGeometry) Flush(ctx context.Context) error { return s.batch.Flush(ctx) }

func (s *SurfaceGeometry) Close() error { return closeBatches(s.batch) }

// Insert writes the tree g and returns the id of its root row. Keys for
// all rows are reserved in one call before the first row is written.
// Malformed or unsupported nodes are reported and skipped together with
// their subtree; a result of 0 means no row was written.
func (s *SurfaceGeometry) Insert(ctx context.Context, g citygml.Geometry, cityObjectID int64) (int64, error) {
	if g == nil {
		return 0, nil
	}
	n := CountRows(g)
	if n == 0 {
		reason := "no valid content"
		if g.Kind() == citygml.KindUnsupported {
			reason = "unsupported geometry type"
		}
		s.m.cfg.Reporter.Warn("geometry_skipped", "geometry", citygml.Signature(g), "cityobject", cityObjectID, "reason", reason)
		return 0, nil
	}
	ids, err := s.m.nextIDs(ctx, adapter.SeqSurfaceGeometry, n)
	if err != nil {
		return 0, err
	}
	w := &walk{s: s, ids: ids, cityObjectID: cityObjectID}
	if _, err := w.visit(ctx, g, 0, false, true); err != nil {
		return 0, err
	}
	if w.next != len(ids) {
		logger.L().Debug("surface_geometry_keys_unused", "geometry", citygml.Signature(g), "reserved", len(ids), "used", w.next)
	}
	return w.rootID, nil
}

// InsertProperty imports the geometry held by p and returns its root id.
// If p references a geometry instead, a reference to be written into
// fromTable.attr of row id is recorded and 0 is returned.
func (s *SurfaceGeometry) InsertProperty(ctx context.Context, p *citygml.Property, id int64, fromTable, attr string) (int64, error) {
	switch {
	case p.IsEmpty():
		return 0, nil
	case p.IsRemote():
		return 0, s.m.PropagateXlink(ctx, &xlink.Basic{
			ID: id, FromTable: fromTable, Attr: attr, Href: p.Href, ToTable: "SURFACE_GEOMETRY",
		})
	}
	return s.Insert(ctx, p.Object, id)
}

type rowFlags struct {
	solid, composite, triangulated bool
}

// walk assigns the reserved keys of one tree in depth-first order.
type walk struct {
	s            *SurfaceGeometry
	ids          []int64
	next         int
	rootID       int64
	cityObjectID int64
	// generated holds gml:ids given to nodes that had none.
	generated    map[citygml.Geometry]string
}

// idOf returns the gml:id of g, or the one generated for it in this walk.
func (w *walk) idOf(g citygml.Geometry) string {
	if id := g.ID(); id != "" {
		return id
	}
	return w.generated[g]
}

func (w *walk) take() int64 {
	id := w.ids[w.next]
	w.next++
	if w.rootID == 0 {
		w.rootID = id
	}
	return id
}

func (w *walk) warn(g citygml.Geometry, reason string) {
	w.s.m.cfg.Reporter.Warn("geometry_invalid", "geometry", citygml.Signature(g), "cityobject", w.cityObjectID, "reason", reason)
}

// visit writes g below parentID and returns the id of the first row it
// wrote, or 0.
func (w *walk) visit(ctx context.Context, g citygml.Geometry, parentID int64, reverse, top bool) (int64, error) {
	switch x := g.(type) {
	case *citygml.LinearRing:
		return w.ring(ctx, x, parentID, reverse)
	case *citygml.Polygon:
		return w.polygon(ctx, x, parentID, reverse)
	case *citygml.OrientableSurface:
		return w.orientable(ctx, x, x.Negative, x.BaseSurface, parentID, reverse)
	case *citygml.TexturedSurface:
		id, err := w.orientable(ctx, x, x.Negative, x.BaseSurface, parentID, reverse)
		if err != nil || id == 0 {
			return id, err
		}
		return id, w.texturedAppearances(ctx, x, id)
	case *citygml.CompositeSurface:
		return w.aggregate(ctx, x, x.Members, citygml.Kind.IsSurface, rowFlags{composite: true}, parentID, reverse)
	case *citygml.MultiSurface:
		return w.aggregate(ctx, x, x.Members, citygml.Kind.IsSurface, rowFlags{}, parentID, reverse)
	case *citygml.MultiPolygon:
		return w.aggregate(ctx, x, x.Members, isPolygon, rowFlags{}, parentID, reverse)
	case *citygml.CompositeSolid:
		return w.aggregate(ctx, x, x.Members, isVolume, rowFlags{solid: true, composite: true}, parentID, reverse)
	case *citygml.MultiSolid:
		return w.aggregate(ctx, x, x.Members, isVolume, rowFlags{}, parentID, reverse)
	case *citygml.Solid:
		if len(x.Interior) > 0 {
			w.warn(x, "interior shells are not supported")
		}
		return w.aggregate(ctx, x, []*citygml.Property{x.Exterior}, citygml.Kind.IsSurface, rowFlags{solid: true}, parentID, reverse)
	case *citygml.Surface:
		return w.patches(ctx, x, x.Patches, rowFlags{composite: true}, parentID, reverse)
	case *citygml.TriangulatedSurface:
		return w.patches(ctx, x, x.Triangles, rowFlags{triangulated: true}, parentID, reverse)
	case *citygml.GeometricComplex:
		if top && len(x.Elements) > 1 {
			return w.aggregate(ctx, x, x.Elements, anyKind, rowFlags{composite: true}, parentID, reverse)
		}
		var first int64
		for _, p := range x.Elements {
			id, err := w.member(ctx, x, p, anyKind, parentID, reverse)
			if err != nil {
				return 0, err
			}
			if first == 0 {
				first = id
			}
		}
		return first, nil
	}
	w.warn(g, "unsupported geometry type")
	return 0, nil
}

// closedRing validates and, if needed, closes one ring, reversing it when
// the enclosing orientation is negative.
func (w *walk) closedRing(owner citygml.Geometry, r *citygml.LinearRing, reverse bool) ([]float64, bool) {
	if r == nil {
		w.warn(owner, "missing ring")
		return nil, false
	}
	coords, ok := closeRing(r.Coords)
	if !ok {
		w.warn(owner, "ring "+citygml.Signature(r)+" has fewer than 4 points")
		return nil, false
	}
	if !isClosed(r.Coords) {
		w.s.m.cfg.Reporter.Warn("ring_repaired", "geometry", citygml.Signature(owner), "ring", r.ID(), "reason", "ring is not closed, appending its first point")
	}
	if reverse {
		coords = geometry.ReverseCoords(coords, 3)
	}
	return coords, true
}

func (w *walk) leaf(ctx context.Context, g citygml.Geometry, rings [][]float64, parentID int64, reverse bool) (int64, error) {
	obj, err := geometry.NewPolygon(rings, 3, w.s.m.cfg.SRID)
	if err != nil {
		w.warn(g, err.Error())
		return 0, nil
	}
	native, err := w.s.m.cfg.Dialect.Geometry().ToNative(obj)
	if err != nil {
		w.warn(g, err.Error())
		return 0, nil
	}
	id := w.take()
	return id, w.row(ctx, g, id, parentID, reverse, rowFlags{}, native)
}

func (w *walk) ring(ctx context.Context, r *citygml.LinearRing, parentID int64, reverse bool) (int64, error) {
	coords, ok := w.closedRing(r, r, reverse)
	if !ok {
		return 0, nil
	}
	return w.leaf(ctx, r, [][]float64{coords}, parentID, reverse)
}

func (w *walk) polygon(ctx context.Context, p *citygml.Polygon, parentID int64, reverse bool) (int64, error) {
	if p.Exterior == nil {
		w.warn(p, "missing exterior ring")
		return 0, nil
	}
	all := append([]*citygml.LinearRing{p.Exterior}, p.Interior...)
	rings := make([][]float64, 0, len(all))
	for _, r := range all {
		coords, ok := w.closedRing(p, r, reverse)
		if !ok {
			return 0, nil
		}
		rings = append(rings, coords)
	}
	id, err := w.leaf(ctx, p, rings, parentID, reverse)
	if err != nil || id == 0 {
		return id, err
	}
	for range all {
		w.s.m.cfg.Counters.geometry(citygml.KindLinearRing.String())
	}
	if !w.s.m.cfg.Appearances {
		return id, nil
	}
	for i, r := range all {
		if r.ID() == "" {
			continue
		}
		w.s.m.texCoords.RegisterLinearRing(r.ID(), id, i, reverse)
		if err := w.s.m.PropagateXlink(ctx, &xlink.LinearRing{
			GmlID: r.ID(), SurfaceGeometryID: id, RingNo: i, Reverse: reverse,
		}); err != nil {
			return id, err
		}
	}
	return id, nil
}

// orientable handles OrientableSurface and TexturedSurface. Neither writes
// a row of its own: the base surface is written in their place, and their
// gml:id becomes an alias of the base.
func (w *walk) orientable(ctx context.Context, g citygml.Geometry, negative bool, base *citygml.Property, parentID int64, reverse bool) (int64, error) {
	if negative {
		reverse = !reverse
	}
	if base.IsEmpty() {
		w.warn(g, "missing base surface")
		return 0, nil
	}
	var (
		id      int64
		mapping string
	)
	if base.IsRemote() {
		if err := w.s.m.PropagateXlink(ctx, &xlink.SurfaceGeometry{
			ParentID: parentID, RootID: w.rootID, Reverse: reverse, Href: base.Href,
		}); err != nil {
			return 0, err
		}
		mapping = citygml.TargetID(base.Href)
	} else {
		if !base.Object.Kind().IsSurface() {
			w.warn(g, "base surface "+citygml.Signature(base.Object)+" is not a surface")
			return 0, nil
		}
		if mapping = base.Object.ID(); mapping == "" {
			mapping = newGmlID()
			if w.generated == nil {
				w.generated = make(map[citygml.Geometry]string)
			}
			w.generated[base.Object] = mapping
		}
		var err error
		if id, err = w.visit(ctx, base.Object, parentID, reverse, false); err != nil {
			return 0, err
		}
	}
	if orig := g.ID(); orig != "" {
		alias := gmlid.Entry{ID: -1, RootID: -1, Reverse: negative, Mapping: mapping, Class: api.ClassSurfaceGeometry}
		if err := w.s.m.cfg.Geometries.Put(ctx, orig, alias); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (w *walk) texturedAppearances(ctx context.Context, t *citygml.TexturedSurface, baseID int64) error {
	if !w.s.m.cfg.Appearances {
		return nil
	}
	for _, ap := range t.Appearances {
		if ap == nil {
			continue
		}
		if ap.Data == nil {
			if ap.Href == "" {
				continue
			}
			if err := w.s.m.PropagateXlink(ctx, &xlink.DeprecatedMaterial{SurfaceGeometryID: baseID, Href: ap.Href}); err != nil {
				return err
			}
			continue
		}
		if _, isTexture := ap.Data.(*citygml.ParameterizedTexture); isTexture && t.BaseSurface.Object.Kind() != citygml.KindPolygon {
			w.warn(t, "textures are only supported on polygon base surfaces")
			continue
		}
		if err := w.s.m.appearance().InsertDeprecated(ctx, ap.Data, !ap.Negative, w.cityObjectID, baseID); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) aggregate(ctx context.Context, g citygml.Geometry, members []*citygml.Property, accept func(citygml.Kind) bool,
	flags rowFlags, parentID int64, reverse bool) (int64, error) {
	id := w.take()
	if err := w.row(ctx, g, id, parentID, reverse, flags, nil); err != nil {
		return 0, err
	}
	for _, p := range members {
		if _, err := w.member(ctx, g, p, accept, id, reverse); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (w *walk) member(ctx context.Context, owner citygml.Geometry, p *citygml.Property, accept func(citygml.Kind) bool,
	parentID int64, reverse bool) (int64, error) {
	switch {
	case p.IsEmpty():
		return 0, nil
	case p.IsRemote():
		return 0, w.s.m.PropagateXlink(ctx, &xlink.SurfaceGeometry{
			ParentID: parentID, RootID: w.rootID, Reverse: reverse, Href: p.Href,
		})
	case !accept(p.Object.Kind()):
		w.warn(owner, citygml.Signature(p.Object)+" is not allowed as a member")
		return 0, nil
	}
	return w.visit(ctx, p.Object, parentID, reverse, false)
}

func (w *walk) patches(ctx context.Context, g citygml.Geometry, patches []*citygml.Patch, flags rowFlags, parentID int64, reverse bool) (int64, error) {
	id := w.take()
	if err := w.row(ctx, g, id, parentID, reverse, flags, nil); err != nil {
		return 0, err
	}
	for _, p := range patches {
		if p == nil || p.Exterior == nil {
			continue
		}
		if _, err := w.ring(ctx, p.Exterior, id, reverse); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// row buffers one SURFACE_GEOMETRY row and registers the node's gml:id.
func (w *walk) row(ctx context.Context, g citygml.Geometry, id, parentID int64, reverse bool, flags rowFlags, native any) error {
	m := w.s.m
	orig := w.idOf(g)
	stored := m.gmlID(orig)
	if orig != "" {
		e := gmlid.Entry{ID: id, RootID: w.rootID, Reverse: reverse, Class: api.ClassSurfaceGeometry}
		if stored != orig {
			e.Mapping = stored
		}
		if err := m.cfg.Geometries.Put(ctx, orig, e); err != nil {
			return err
		}
	}
	var parent any
	if parentID != 0 {
		parent = parentID
	}
	if err := m.add(ctx, KindSurfaceGeometry, w.s.batch,
		id, stored, nullString(m.cfg.Codespace), parent, w.rootID,
		adapter.Flag(flags.solid), adapter.Flag(flags.composite), adapter.Flag(flags.triangulated),
		adapter.Flag(reverse), native); err != nil {
		return err
	}
	m.cfg.Counters.geometry(g.Kind().String())
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
