package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// CityFurniture writes CITY_FURNITURE rows.
type CityFurniture struct {
	m     *Manager
	batch *adapter.Batch
}

func newCityFurniture(m *Manager) *CityFurniture {
	var cols []string
	for _, f := range []string{"LOD%d_GEOMETRY_ID", "LOD%d_IMPLICIT_REP_ID", "LOD%d_IMPLICIT_REF_POINT", "LOD%d_IMPLICIT_TRANSFORMATION"} {
		for lod := 1; lod <= citygml.MaxLOD; lod++ {
			cols = append(cols, fmt.Sprintf(f, lod))
		}
	}
	params := []string{"?", "?", "?"}
	for i := range cols {
		p := "?"
		if strings.HasSuffix(cols[i], "_REF_POINT") {
			p = m.cfg.Dialect.GeometryParam("?")
		}
		params = append(params, p)
	}
	query := "INSERT INTO CITY_FURNITURE (ID, CLASS, FUNCTION, " + strings.Join(cols, ", ") + ") " +
		"VALUES (" + strings.Join(params, ", ") + ")"
	return &CityFurniture{m: m, batch: m.newBatch(query)}
}

func (c *CityFurniture) Flush(ctx context.Context) error { return c.batch.Flush(ctx) }

func (c *CityFurniture) Close() error { return closeBatches(c.batch) }

// Insert writes x with its explicit and implicit geometry and appearances.
func (c *CityFurniture) Insert(ctx context.Context, x *citygml.CityFurniture) (int64, error) {
	m := c.m
	id, err := m.cityObject().Insert(ctx, x, x.LodGeometry[1:]...)
	if err != nil {
		return 0, err
	}

	var (
		geoms, reps, points, matrices []any
	)
	sg := m.SurfaceGeometry()
	for lod := 1; lod <= citygml.MaxLOD; lod++ {
		gid, err := sg.InsertProperty(ctx, x.LodGeometry[lod], id, "CITY_FURNITURE", fmt.Sprintf("LOD%d_GEOMETRY_ID", lod))
		if err != nil {
			return 0, err
		}
		geoms = append(geoms, nullID(gid))

		rep := x.LodImplicit[lod]
		repID, err := m.implicitGeometry().InsertRepresentation(ctx, rep, id, "CITY_FURNITURE", fmt.Sprintf("LOD%d_IMPLICIT_REP_ID", lod))
		if err != nil {
			return 0, err
		}
		var point, matrix any
		if rep != nil {
			point = c.referencePoint(x, rep)
			if len(rep.TransformationMatrix) > 0 {
				matrix = adapter.FormatCoordLists([][]float64{rep.TransformationMatrix})
			}
		}
		reps = append(reps, nullID(repID))
		points = append(points, point)
		matrices = append(matrices, matrix)
	}

	args := []any{id, nullString(x.Classifier), nullString(x.Function)}
	args = append(append(append(append(args, geoms...), reps...), points...), matrices...)
	if err := m.add(ctx, KindCityFurniture, c.batch, args...); err != nil {
		return 0, err
	}
	return id, m.insertAppearances(ctx, &x.CityObject, id)
}

func (c *CityFurniture) referencePoint(x *citygml.CityFurniture, rep *citygml.ImplicitRepresentation) any {
	if len(rep.ReferencePoint) == 0 {
		return nil
	}
	obj, err := geometry.NewPoint(rep.ReferencePoint, len(rep.ReferencePoint), c.m.cfg.SRID)
	if err == nil {
		var native any
		if native, err = c.m.cfg.Dialect.Geometry().ToNative(obj); err == nil {
			return native
		}
	}
	c.m.cfg.Reporter.Warn("reference_point_skipped", "feature", x.GmlID, "err", err)
	return nil
}

// ImplicitGeometry writes the prototypes of implicit representations. A
// prototype with a gml:id is written once and shared by later references.
type ImplicitGeometry struct {
	m     *Manager
	batch *adapter.Batch
}

func newImplicitGeometry(m *Manager) *ImplicitGeometry {
	query := "INSERT INTO IMPLICIT_GEOMETRY (ID, GMLID, MIME_TYPE, REFERENCE_TO_LIBRARY, RELATIVE_GEOMETRY_ID) VALUES (?, ?, ?, ?, ?)"
	return &ImplicitGeometry{m: m, batch: m.newBatch(query)}
}

func (g *ImplicitGeometry) Flush(ctx context.Context) error { return g.batch.Flush(ctx) }

func (g *ImplicitGeometry) Close() error { return closeBatches(g.batch) }

// InsertRepresentation returns the prototype id of rep. A reference to a
// prototype not seen yet is recorded for fromTable.attr of row ownerID and
// yields 0.
func (g *ImplicitGeometry) InsertRepresentation(ctx context.Context, rep *citygml.ImplicitRepresentation, ownerID int64, fromTable, attr string) (int64, error) {
	switch {
	case rep == nil:
		return 0, nil
	case rep.Geometry != nil:
		return g.Insert(ctx, rep.Geometry)
	case rep.Href == "":
		return 0, nil
	}
	if e, ok, err := g.m.cfg.Features.Get(ctx, citygml.TargetID(rep.Href)); err != nil {
		return 0, err
	} else if ok && e.Class == api.ClassImplicitGeometry {
		return e.ID, nil
	}
	return 0, g.m.PropagateXlink(ctx, &xlink.Basic{
		ID: ownerID, FromTable: fromTable, Attr: attr, Href: rep.Href, ToTable: "IMPLICIT_GEOMETRY",
	})
}

// Insert writes the prototype x unless a prototype with its gml:id exists.
func (g *ImplicitGeometry) Insert(ctx context.Context, x *citygml.ImplicitGeometry) (int64, error) {
	m := g.m
	if x.GmlID != "" {
		e, ok, err := m.cfg.Features.Get(ctx, x.GmlID)
		if err != nil {
			return 0, err
		}
		if ok && e.Class == api.ClassImplicitGeometry {
			return e.ID, nil
		}
	}
	id, err := m.nextID(ctx, adapter.SeqImplicitGeometry)
	if err != nil {
		return 0, err
	}
	stored := m.gmlID(x.GmlID)
	if x.GmlID != "" {
		if err := m.cfg.Features.Put(ctx, x.GmlID, gmlid.Entry{ID: id, RootID: id, Class: api.ClassImplicitGeometry}); err != nil {
			return 0, err
		}
	}
	relID, err := m.SurfaceGeometry().InsertProperty(ctx, x.RelativeGeometry, id, "IMPLICIT_GEOMETRY", "RELATIVE_GEOMETRY_ID")
	if err != nil {
		return 0, err
	}
	if x.LibraryObject != "" && !strings.Contains(x.LibraryObject, "://") {
		if err := m.PropagateXlink(ctx, &xlink.LibraryObject{ImplicitGeometryID: id, URI: x.LibraryObject}); err != nil {
			return 0, err
		}
	}
	if err := m.add(ctx, KindImplicitGeometry, g.batch,
		id, stored, nullString(x.MimeType), nullString(x.LibraryObject), nullID(relID)); err != nil {
		return 0, err
	}
	m.cfg.Counters.feature(api.ClassImplicitGeometry)
	return id, nil
}
