package exporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
)

// CityObject reads the CITYOBJECT row shared by all features.
type CityObject struct{ m *Manager }

func newCityObject(m *Manager) *CityObject { return &CityObject{m: m} }

// Read returns the shared attributes and the class of city object id, or
// nil if there is no such row.
func (c *CityObject) Read(ctx context.Context, id int64) (*citygml.CityObject, api.Class, error) {
	var (
		gmlID, name, desc sql.NullString
		classID           int
	)
	err := c.m.queryRow(ctx, `SELECT GMLID, CLASS_ID, NAME, DESCRIPTION FROM CITYOBJECT WHERE ID = ?`, id).
		Scan(&gmlID, &classID, &name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		c.m.cfg.Reporter.Warn("feature_missing", "id", id)
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, diag.Storage("read city object", err)
	}
	return &citygml.CityObject{GmlID: gmlID.String, Name: name.String, Description: desc.String}, api.Class(classID), nil
}

// Building reads BUILDING rows.
type Building struct {
	m     *Manager
	query string
}

func newBuilding(m *Manager) *Building {
	var cols []string
	for _, f := range []string{"LOD%d_MULTI_SURFACE_ID", "LOD%d_SOLID_ID"} {
		for lod := 1; lod <= citygml.MaxLOD; lod++ {
			cols = append(cols, fmt.Sprintf(f, lod))
		}
	}
	return &Building{m: m, query: "SELECT CLASS, FUNCTION, " + strings.Join(cols, ", ") + " FROM BUILDING WHERE ID = ?"}
}

func (b *Building) Read(ctx context.Context, id int64, base *citygml.CityObject) (citygml.Feature, map[string]any, error) {
	var (
		class, function sql.NullString
		ms, solids      [citygml.MaxLOD]sql.NullInt64
	)
	dest := []any{&class, &function}
	for i := range ms {
		dest = append(dest, &ms[i])
	}
	for i := range solids {
		dest = append(dest, &solids[i])
	}
	if err := b.m.queryRow(ctx, b.query, id).Scan(dest...); err != nil {
		return nil, nil, missing(b.m, err, "building", base)
	}

	x := &citygml.Building{CityObject: *base, Classifier: class.String, Function: function.String}
	slots := map[string]any{}
	sg := b.m.SurfaceGeometry()
	for i := range citygml.MaxLOD {
		lod := i + 1
		p, err := readSlot(ctx, sg, ms[i], slots, fmt.Sprintf("lod%dMultiSurface", lod))
		if err != nil {
			return nil, nil, err
		}
		x.LodMultiSurface[lod] = p
		if p, err = readSlot(ctx, sg, solids[i], slots, fmt.Sprintf("lod%dSolid", lod)); err != nil {
			return nil, nil, err
		}
		x.LodSolid[lod] = p
	}
	return x, slots, nil
}

// readSlot rebuilds the geometry of column value id and stores it in
// slots under name.
func readSlot(ctx context.Context, sg *SurfaceGeometry, id sql.NullInt64, slots map[string]any, name string) (*citygml.Property, error) {
	if !id.Valid {
		return nil, nil
	}
	res, err := sg.Read(ctx, id.Int64)
	if err != nil {
		return nil, err
	}
	p := res.Property()
	if p != nil {
		slots[name] = citygml.EncodeProperty(p)
	}
	return p, nil
}

func missing(m *Manager, err error, table string, base *citygml.CityObject) error {
	if errors.Is(err, sql.ErrNoRows) {
		m.cfg.Reporter.Warn("feature_incomplete", "gmlid", base.GmlID, "table", table)
		return nil
	}
	return diag.Storage("read "+table, err)
}

// CityFurniture reads CITY_FURNITURE rows with their implicit
// representations.
type CityFurniture struct {
	m     *Manager
	query string
}

func newCityFurniture(m *Manager) *CityFurniture {
	var cols []string
	for _, f := range []string{"LOD%d_GEOMETRY_ID", "LOD%d_IMPLICIT_REP_ID", "LOD%d_IMPLICIT_REF_POINT", "LOD%d_IMPLICIT_TRANSFORMATION"} {
		for lod := 1; lod <= citygml.MaxLOD; lod++ {
			col := fmt.Sprintf(f, lod)
			if strings.HasSuffix(col, "_REF_POINT") {
				col = m.cfg.Dialect.SelectGeometry(col)
			}
			cols = append(cols, col)
		}
	}
	return &CityFurniture{m: m, query: "SELECT CLASS, FUNCTION, " + strings.Join(cols, ", ") + " FROM CITY_FURNITURE WHERE ID = ?"}
}

func (c *CityFurniture) Read(ctx context.Context, id int64, base *citygml.CityObject) (citygml.Feature, map[string]any, error) {
	var (
		class, function sql.NullString
		geoms, reps     [citygml.MaxLOD]sql.NullInt64
		points          [citygml.MaxLOD][]byte
		matrices        [citygml.MaxLOD]sql.NullString
	)
	dest := []any{&class, &function}
	for i := range geoms {
		dest = append(dest, &geoms[i])
	}
	for i := range reps {
		dest = append(dest, &reps[i])
	}
	for i := range points {
		dest = append(dest, &points[i])
	}
	for i := range matrices {
		dest = append(dest, &matrices[i])
	}
	if err := c.m.queryRow(ctx, c.query, id).Scan(dest...); err != nil {
		return nil, nil, missing(c.m, err, "city furniture", base)
	}

	x := &citygml.CityFurniture{CityObject: *base, Classifier: class.String, Function: function.String}
	slots := map[string]any{}
	sg := c.m.SurfaceGeometry()
	for i := range citygml.MaxLOD {
		lod := i + 1
		p, err := readSlot(ctx, sg, geoms[i], slots, fmt.Sprintf("lod%dGeometry", lod))
		if err != nil {
			return nil, nil, err
		}
		x.LodGeometry[lod] = p
		if !reps[i].Valid {
			continue
		}

		rep := &citygml.ImplicitRepresentation{}
		if points[i] != nil {
			if obj, err := c.m.cfg.Dialect.Geometry().ToPoint(points[i]); err != nil {
				c.m.cfg.Reporter.Warn("reference_point_invalid", "gmlid", base.GmlID, "lod", lod, "err", err)
			} else {
				rep.ReferencePoint = obj.Element(0)
			}
		}
		if matrices[i].Valid {
			if lists, err := adapter.ParseCoordLists(matrices[i].String); err == nil && len(lists) > 0 {
				rep.TransformationMatrix = lists[0]
			}
		}
		enc, err := c.m.implicitGeometry().Read(ctx, reps[i].Int64, rep)
		if err != nil {
			return nil, nil, err
		}
		if enc != nil {
			x.LodImplicit[lod] = rep
			slots[fmt.Sprintf("lod%dImplicitRepresentation", lod)] = enc
		}
	}
	return x, slots, nil
}

type prototype struct {
	gmlID, mimeType, library string
	relativeID               int64
}

// ImplicitGeometry reads prototypes of implicit representations. The
// first representation of a prototype carries it inline, later ones refer
// to it by gml:id. Prototype rows are kept in an LRU since the same few
// prototypes are placed by many features.
type ImplicitGeometry struct {
	m     *Manager
	cache *lru.Cache[int64, *prototype]

	mu      sync.Mutex
	written *roaring64.Bitmap
}

func newImplicitGeometry(m *Manager) (*ImplicitGeometry, error) {
	cache, err := lru.New[int64, *prototype](m.cfg.PrototypeCacheSize)
	if err != nil {
		return nil, err
	}
	return &ImplicitGeometry{m: m, cache: cache, written: roaring64.New()}, nil
}

// Read completes rep with the prototype id and returns it encoded, or nil
// if the prototype does not exist.
func (g *ImplicitGeometry) Read(ctx context.Context, id int64, rep *citygml.ImplicitRepresentation) (map[string]any, error) {
	proto, err := g.prototype(ctx, id)
	if err != nil || proto == nil {
		return nil, err
	}
	g.mu.Lock()
	first := g.written.CheckedAdd(uint64(id))
	g.mu.Unlock()
	if !first && proto.gmlID != "" {
		rep.Href = href(proto.gmlID)
		return citygml.EncodeImplicitRepresentation(rep, nil), nil
	}

	rep.Geometry = &citygml.ImplicitGeometry{GmlID: proto.gmlID, MimeType: proto.mimeType, LibraryObject: proto.library}
	var relative map[string]any
	if proto.relativeID != 0 {
		res, err := g.m.SurfaceGeometry().Read(ctx, proto.relativeID)
		if err != nil {
			return nil, err
		}
		rep.Geometry.RelativeGeometry = res.Property()
		relative = citygml.EncodeProperty(rep.Geometry.RelativeGeometry)
	}
	return citygml.EncodeImplicitRepresentation(rep, relative), nil
}

func (g *ImplicitGeometry) prototype(ctx context.Context, id int64) (*prototype, error) {
	if p, ok := g.cache.Get(id); ok {
		return p, nil
	}
	var (
		gmlID, mime, library sql.NullString
		relID                sql.NullInt64
	)
	err := g.m.queryRow(ctx, `SELECT GMLID, MIME_TYPE, REFERENCE_TO_LIBRARY, RELATIVE_GEOMETRY_ID FROM IMPLICIT_GEOMETRY WHERE ID = ?`, id).
		Scan(&gmlID, &mime, &library, &relID)
	if errors.Is(err, sql.ErrNoRows) {
		g.m.cfg.Reporter.Warn("implicit_geometry_missing", "id", id)
		return nil, nil
	}
	if err != nil {
		return nil, diag.Storage("read implicit geometry", err)
	}
	p := &prototype{gmlID: gmlID.String, mimeType: mime.String, library: library.String, relativeID: relID.Int64}
	g.cache.Add(id, p)
	return p, nil
}

// CityObjectGroup reads CITYOBJECTGROUP rows. Members not written yet are
// exported inline, the others are referenced.
type CityObjectGroup struct{ m *Manager }

func newCityObjectGroup(m *Manager) *CityObjectGroup { return &CityObjectGroup{m: m} }

type groupMember struct {
	id    int64
	gmlID string
	role  string
}

func (g *CityObjectGroup) Read(ctx context.Context, id int64, base *citygml.CityObject) (citygml.Feature, map[string]any, error) {
	var (
		class, function sql.NullString
		parentID        sql.NullInt64
	)
	err := g.m.queryRow(ctx, `SELECT CLASS, FUNCTION, PARENT_CITYOBJECT_ID FROM CITYOBJECTGROUP WHERE ID = ?`, id).
		Scan(&class, &function, &parentID)
	if err != nil {
		return nil, nil, missing(g.m, err, "city object group", base)
	}
	x := &citygml.CityObjectGroup{CityObject: *base, Classifier: class.String, Function: function.String}
	if parentID.Valid {
		var parent sql.NullString
		err := g.m.queryRow(ctx, `SELECT GMLID FROM CITYOBJECT WHERE ID = ?`, parentID.Int64).Scan(&parent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, diag.Storage("read group parent", err)
		}
		if parent.String != "" {
			x.Parent = href(parent.String)
		}
	}

	members, err := g.members(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	encoded := make([]any, 0, len(members))
	for _, mem := range members {
		em := map[string]any{}
		if mem.role != "" {
			em["role"] = mem.role
		}
		var f map[string]any
		if !g.m.isExported(mem.id) {
			if f, err = g.m.ExportFeature(ctx, mem.id); err != nil {
				return nil, nil, err
			}
		}
		if f != nil {
			em["feature"] = f
		} else if mem.gmlID != "" {
			em["href"] = href(mem.gmlID)
		} else {
			continue
		}
		x.Members = append(x.Members, &citygml.GroupMember{Href: href(mem.gmlID), Role: mem.role})
		encoded = append(encoded, em)
	}
	return x, map[string]any{"members": encoded}, nil
}

func (g *CityObjectGroup) members(ctx context.Context, id int64) ([]groupMember, error) {
	rows, err := g.m.query(ctx, `SELECT m.CITYOBJECT_ID, c.GMLID, m.ROLE FROM GROUP_TO_CITYOBJECT m
		LEFT JOIN CITYOBJECT c ON c.ID = m.CITYOBJECT_ID
		WHERE m.CITYOBJECTGROUP_ID = ? ORDER BY m.CITYOBJECT_ID`, id)
	if err != nil {
		return nil, diag.Storage("read group members", err)
	}
	defer func() { _ = rows.Close() }()
	var out []groupMember
	for rows.Next() {
		var (
			mem         groupMember
			gmlID, role sql.NullString
		)
		if err := rows.Scan(&mem.id, &gmlID, &role); err != nil {
			return nil, diag.Storage("read group members", err)
		}
		mem.gmlID, mem.role = gmlID.String, role.String
		out = append(out, mem)
	}
	return out, diag.Storage("read group members", rows.Err())
}
