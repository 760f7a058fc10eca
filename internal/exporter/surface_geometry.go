package exporter

import (
	"context"
	"fmt"

	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/geometry"
)

// Result is a rebuilt geometry tree or, when the tree was written before
// in this run, a reference to it. The zero Result means no geometry.
type Result struct {
	Geometry citygml.Geometry
	Href     string
}

func (r Result) IsHref() bool { return r.Geometry == nil && r.Href != "" }

func (r Result) IsEmpty() bool { return r.Geometry == nil && r.Href == "" }

// Property returns r as a geometry property, or nil for an empty result.
func (r Result) Property() *citygml.Property {
	switch {
	case r.Geometry != nil:
		return citygml.Inline(r.Geometry)
	case r.Href != "":
		return citygml.Ref(r.Href)
	}
	return nil
}

// RingID names ring i of the polygon gmlID on export, so that texture
// coordinates can refer to it.
func RingID(gmlID string, i int) string {
	return fmt.Sprintf("%s_ring%d", gmlID, i)
}

// SurfaceGeometry rebuilds geometry trees from SURFACE_GEOMETRY rows.
type SurfaceGeometry struct {
	m     *Manager
	query string
}

func newSurfaceGeometry(m *Manager) *SurfaceGeometry {
	query := "SELECT ID, GMLID, PARENT_ID, IS_SOLID, IS_COMPOSITE, IS_TRIANGULATED, IS_XLINK, IS_REVERSE, " +
		m.cfg.Dialect.SelectGeometry("GEOMETRY") + " FROM SURFACE_GEOMETRY WHERE ROOT_ID = ? ORDER BY ID"
	return &SurfaceGeometry{m: m, query: query}
}

type geomRow struct {
	id, parentID                             int64
	gmlID                                    string
	solid, composite, triang, xlink, reverse bool
	native                                   []byte
	children                                 []*geomRow
}

// Read rebuilds the tree rooted at rootID. Rows stored reversed are turned
// back and wrapped in a negative OrientableSurface. Subtrees that cannot be
// rebuilt are reported and left out.
func (s *SurfaceGeometry) Read(ctx context.Context, rootID int64) (Result, error) {
	if rootID == 0 {
		return Result{}, nil
	}
	root, err := s.load(ctx, rootID)
	if err != nil {
		return Result{}, err
	}
	if root == nil {
		s.m.cfg.Reporter.Warn("geometry_missing", "root", rootID)
		return Result{}, nil
	}

	var p *citygml.Property
	if !s.m.markRoot(rootID) && root.gmlID != "" {
		p = citygml.Ref(href(root.gmlID))
	} else {
		p = s.node(root)
	}
	p = orient(p, root.reverse)
	switch {
	case p == nil:
		return Result{}, nil
	case p.Object == nil:
		return Result{Href: p.Href}, nil
	}
	return Result{Geometry: p.Object}, nil
}

func (s *SurfaceGeometry) load(ctx context.Context, rootID int64) (*geomRow, error) {
	rows, err := s.m.query(ctx, s.query, rootID)
	if err != nil {
		return nil, diag.Storage("read geometry", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*geomRow)
	var order []*geomRow
	for rows.Next() {
		var (
			r                                        geomRow
			gmlID                                    *string
			parentID                                 *int64
			solid, composite, triang, xlink, reverse int
		)
		if err := rows.Scan(&r.id, &gmlID, &parentID, &solid, &composite, &triang, &xlink, &reverse, &r.native); err != nil {
			return nil, diag.Storage("read geometry", err)
		}
		if gmlID != nil {
			r.gmlID = *gmlID
		}
		if parentID != nil {
			r.parentID = *parentID
		}
		r.solid, r.composite, r.triang = solid != 0, composite != 0, triang != 0
		r.xlink, r.reverse = xlink != 0, reverse != 0
		byID[r.id] = &r
		order = append(order, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, diag.Storage("read geometry", err)
	}
	for _, r := range order {
		if parent, ok := byID[r.parentID]; ok && r.id != rootID {
			parent.children = append(parent.children, r)
		}
	}
	return byID[rootID], nil
}

// orient wraps p in a negative OrientableSurface when flip is set.
func orient(p *citygml.Property, flip bool) *citygml.Property {
	if p == nil || !flip {
		return p
	}
	return citygml.Inline(&citygml.OrientableSurface{Negative: true, BaseSurface: p})
}

// child rebuilds r below a parent stored with orientation parentReverse.
func (s *SurfaceGeometry) child(r *geomRow, parentReverse bool) *citygml.Property {
	var p *citygml.Property
	if r.xlink && r.gmlID != "" && !s.m.markGeometry(r.gmlID) {
		p = citygml.Ref(href(r.gmlID))
	} else {
		p = s.node(r)
	}
	return orient(p, r.reverse != parentReverse)
}

func (s *SurfaceGeometry) node(r *geomRow) *citygml.Property {
	s.m.markGeometry(r.gmlID)
	if r.native != nil {
		poly := s.polygon(r)
		if poly == nil {
			return nil
		}
		return citygml.Inline(poly)
	}
	if r.triang {
		tin := &citygml.TriangulatedSurface{GmlID: citygml.GmlID{Value: r.gmlID}}
		for _, c := range r.children {
			if poly := s.polygon(c); poly != nil {
				tin.Triangles = append(tin.Triangles, &citygml.Patch{Type: citygml.PatchTriangle, Exterior: poly.Exterior})
			}
		}
		if len(tin.Triangles) == 0 {
			return s.empty(r)
		}
		return citygml.Inline(tin)
	}

	var members []*citygml.Property
	hasSolid := false
	for _, c := range r.children {
		if p := s.child(c, r.reverse); p != nil {
			members = append(members, p)
			hasSolid = hasSolid || (p.Object != nil && p.Object.Kind().IsSolid())
		}
	}
	if len(members) == 0 {
		return s.empty(r)
	}
	id := citygml.GmlID{Value: r.gmlID}
	switch {
	case r.solid && r.composite:
		return citygml.Inline(&citygml.CompositeSolid{GmlID: id, Members: members})
	case r.solid:
		if len(members) > 1 {
			s.m.cfg.Reporter.Warn("geometry_shells_dropped", "gmlid", r.gmlID, "shells", len(members)-1)
		}
		return citygml.Inline(&citygml.Solid{GmlID: id, Exterior: members[0]})
	case r.composite && hasSolid:
		return citygml.Inline(&citygml.GeometricComplex{GmlID: id, Elements: members})
	case r.composite:
		return citygml.Inline(&citygml.CompositeSurface{GmlID: id, Members: members})
	case hasSolid:
		return citygml.Inline(&citygml.MultiSolid{GmlID: id, Members: members})
	}
	return citygml.Inline(&citygml.MultiSurface{GmlID: id, Members: members})
}

func (s *SurfaceGeometry) empty(r *geomRow) *citygml.Property {
	s.m.cfg.Reporter.Warn("geometry_empty", "gmlid", r.gmlID, "id", r.id)
	return nil
}

// polygon decodes the payload of a leaf row, restoring the document
// orientation of its rings.
func (s *SurfaceGeometry) polygon(r *geomRow) *citygml.Polygon {
	if r.native == nil {
		s.m.cfg.Reporter.Warn("geometry_invalid", "gmlid", r.gmlID, "reason", "leaf row without geometry")
		return nil
	}
	obj, err := s.m.cfg.Dialect.Geometry().ToPolygon(r.native)
	if err != nil {
		s.m.cfg.Reporter.Warn("geometry_invalid", "gmlid", r.gmlID, "err", err)
		return nil
	}
	poly := &citygml.Polygon{GmlID: citygml.GmlID{Value: r.gmlID}}
	for i := range obj.NumElements() {
		coords := obj.Element(i)
		if r.reverse {
			coords = geometry.ReverseCoords(coords, obj.Dimension())
		}
		ring := &citygml.LinearRing{Coords: coords}
		if s.m.cfg.Appearances && r.gmlID != "" {
			ring.SetID(RingID(r.gmlID, i))
		}
		if i == 0 {
			poly.Exterior = ring
		} else {
			poly.Interior = append(poly.Interior, ring)
		}
	}
	if poly.Exterior == nil {
		s.m.cfg.Reporter.Warn("geometry_invalid", "gmlid", r.gmlID, "reason", "polygon without rings")
		return nil
	}
	return poly
}
