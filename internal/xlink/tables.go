package xlink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/cachetable"
	"github.com/gebin/importer-exporter/internal/diag"
)

// codec describes how one kind is stored in its temporary table.
type codec struct {
	model   cachetable.Model
	columns []string
	args    func(Item) []any
	scan    func(*sql.Rows) (Item, error)
}

var codecs = map[Kind]codec{
	KindSurfaceGeometry: {
		model:   cachetable.Model{Name: "tmp_xlink_surface_geometry", Columns: "PARENT_ID INTEGER, ROOT_ID INTEGER, REVERSE INTEGER, GMLID TEXT"},
		columns: []string{"PARENT_ID", "ROOT_ID", "REVERSE", "GMLID"},
		args: func(i Item) []any {
			x := i.(*SurfaceGeometry)
			return []any{x.ParentID, x.RootID, x.Reverse, x.Href}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &SurfaceGeometry{}
			return x, r.Scan(&x.ParentID, &x.RootID, &x.Reverse, &x.Href)
		},
	},
	KindLinearRing: {
		model: cachetable.Model{
			Name:    "tmp_xlink_linear_ring",
			Columns: "GMLID TEXT, SURFACE_GEOMETRY_ID INTEGER, RING_NO INTEGER, REVERSE INTEGER",
			Indexes: []string{"GMLID"},
		},
		columns: []string{"GMLID", "SURFACE_GEOMETRY_ID", "RING_NO", "REVERSE"},
		args: func(i Item) []any {
			x := i.(*LinearRing)
			return []any{x.GmlID, x.SurfaceGeometryID, x.RingNo, x.Reverse}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &LinearRing{}
			return x, r.Scan(&x.GmlID, &x.SurfaceGeometryID, &x.RingNo, &x.Reverse)
		},
	},
	KindBasic: {
		model:   cachetable.Model{Name: "tmp_xlink_basic", Columns: "ID INTEGER, FROM_TABLE TEXT, ATTRNAME TEXT, GMLID TEXT, TO_TABLE TEXT"},
		columns: []string{"ID", "FROM_TABLE", "ATTRNAME", "GMLID", "TO_TABLE"},
		args: func(i Item) []any {
			x := i.(*Basic)
			return []any{x.ID, x.FromTable, x.Attr, x.Href, x.ToTable}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &Basic{}
			return x, r.Scan(&x.ID, &x.FromTable, &x.Attr, &x.Href, &x.ToTable)
		},
	},
	KindTextureParam: {
		model: cachetable.Model{
			Name:    "tmp_xlink_texture_param",
			Columns: "SURFACE_DATA_ID INTEGER, TARGET TEXT, IS_TEXTURE_PARAMETRIZATION INTEGER, WORLD_TO_TEXTURE TEXT, RINGS TEXT, TEXTURE_COORDINATES TEXT",
		},
		columns: []string{"SURFACE_DATA_ID", "TARGET", "IS_TEXTURE_PARAMETRIZATION", "WORLD_TO_TEXTURE", "RINGS", "TEXTURE_COORDINATES"},
		args: func(i Item) []any {
			x := i.(*TextureParam)
			var w2t string
			if len(x.WorldToTexture) > 0 {
				w2t = adapter.FormatCoordLists([][]float64{x.WorldToTexture})
			}
			return []any{x.SurfaceDataID, x.Target, x.IsParametrization, w2t,
				strings.Join(x.Rings, ";"), adapter.FormatCoordLists(x.TexCoords)}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &TextureParam{}
			var w2t, rings, coords string
			if err := r.Scan(&x.SurfaceDataID, &x.Target, &x.IsParametrization, &w2t, &rings, &coords); err != nil {
				return nil, err
			}
			if w2t != "" {
				l, err := adapter.ParseCoordLists(w2t)
				if err != nil {
					return nil, err
				}
				x.WorldToTexture = l[0]
			}
			if rings != "" {
				x.Rings = strings.Split(rings, ";")
				var err error
				if x.TexCoords, err = adapter.ParseCoordLists(coords); err != nil {
					return nil, err
				}
			}
			return x, nil
		},
	},
	KindTextureAssociation: {
		model: cachetable.Model{
			Name:    "tmp_xlink_texture_association",
			Columns: "SURFACE_DATA_ID INTEGER, GMLID TEXT, TARGET TEXT, HREF TEXT",
			Indexes: []string{"GMLID"},
		},
		columns: []string{"SURFACE_DATA_ID", "GMLID", "TARGET", "HREF"},
		args: func(i Item) []any {
			x := i.(*TextureAssociation)
			return []any{x.SurfaceDataID, x.GmlID, x.Target, x.Href}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &TextureAssociation{}
			return x, r.Scan(&x.SurfaceDataID, &x.GmlID, &x.Target, &x.Href)
		},
	},
	KindDeprecatedMaterial: {
		model:   cachetable.Model{Name: "tmp_xlink_deprecated_material", Columns: "SURFACE_GEOMETRY_ID INTEGER, GMLID TEXT"},
		columns: []string{"SURFACE_GEOMETRY_ID", "GMLID"},
		args: func(i Item) []any {
			x := i.(*DeprecatedMaterial)
			return []any{x.SurfaceGeometryID, x.Href}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &DeprecatedMaterial{}
			return x, r.Scan(&x.SurfaceGeometryID, &x.Href)
		},
	},
	KindGroupToCityObject: {
		model: cachetable.Model{
			Name:    "tmp_xlink_group_to_cityobject",
			Columns: "GROUP_ID INTEGER, GMLID TEXT, IS_PARENT INTEGER, ROLE TEXT",
			Indexes: []string{"GROUP_ID"},
		},
		columns: []string{"GROUP_ID", "GMLID", "IS_PARENT", "ROLE"},
		args: func(i Item) []any {
			x := i.(*GroupToCityObject)
			return []any{x.GroupID, x.Href, x.IsParent, x.Role}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &GroupToCityObject{}
			return x, r.Scan(&x.GroupID, &x.Href, &x.IsParent, &x.Role)
		},
	},
	KindTextureFile: {
		model:   cachetable.Model{Name: "tmp_xlink_texture_file", Columns: "ID INTEGER, URI TEXT"},
		columns: []string{"ID", "URI"},
		args: func(i Item) []any {
			x := i.(*TextureFile)
			return []any{x.SurfaceDataID, x.URI}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &TextureFile{}
			return x, r.Scan(&x.SurfaceDataID, &x.URI)
		},
	},
	KindLibraryObject: {
		model:   cachetable.Model{Name: "tmp_xlink_library_object", Columns: "ID INTEGER, URI TEXT"},
		columns: []string{"ID", "URI"},
		args: func(i Item) []any {
			x := i.(*LibraryObject)
			return []any{x.ImplicitGeometryID, x.URI}
		},
		scan: func(r *sql.Rows) (Item, error) {
			x := &LibraryObject{}
			return x, r.Scan(&x.ImplicitGeometryID, &x.URI)
		},
	},
}

// Tables holds the temporary table of each kind. A table is created on
// first use.
type Tables struct {
	manager *cachetable.Manager

	mu     sync.Mutex
	tables map[Kind]*cachetable.Table
}

// NewTables returns an empty set of xlink tables backed by manager.
func NewTables(manager *cachetable.Manager) *Tables {
	return &Tables{manager: manager, tables: make(map[Kind]*cachetable.Table)}
}

// Table returns the table of kind, creating it if needed.
func (t *Tables) Table(ctx context.Context, kind Kind) (*cachetable.Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tbl, ok := t.tables[kind]; ok {
		return tbl, nil
	}
	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("no xlink table for kind %v", kind)
	}
	tbl, err := t.manager.CreateTable(ctx, c.model)
	if err != nil {
		return nil, diag.Storage("create xlink table "+kind.String(), err)
	}
	t.tables[kind] = tbl
	return tbl, nil
}

// existing returns the table of kind, or nil if nothing was recorded.
func (t *Tables) existing(kind Kind) *cachetable.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tables[kind]
}

// Count returns the number of recorded items of kind.
func (t *Tables) Count(ctx context.Context, kind Kind) (int64, error) {
	tbl := t.existing(kind)
	if tbl == nil {
		return 0, nil
	}
	n, err := tbl.Count(ctx)
	return n, diag.Storage("count xlinks "+kind.String(), err)
}

// Each calls fn for every recorded item of kind in insertion order and
// stops at the first error.
func (t *Tables) Each(ctx context.Context, kind Kind, fn func(Item) error) error {
	tbl := t.existing(kind)
	if tbl == nil {
		return nil
	}
	c := codecs[kind]
	rows, err := tbl.DB().QueryContext(ctx,
		"SELECT "+strings.Join(c.columns, ", ")+" FROM "+tbl.Name()+" ORDER BY rowid")
	if err != nil {
		return diag.Storage("read xlinks "+kind.String(), err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		item, err := c.scan(rows)
		if err != nil {
			return diag.Storage("read xlinks "+kind.String(), err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return diag.Storage("read xlinks "+kind.String(), rows.Err())
}

// CreateIndexes builds the lookup indexes of all created tables.
func (t *Tables) CreateIndexes(ctx context.Context) error {
	t.mu.Lock()
	tables := make([]*cachetable.Table, 0, len(t.tables))
	for _, tbl := range t.tables {
		tables = append(tables, tbl)
	}
	t.mu.Unlock()
	for _, tbl := range tables {
		if err := tbl.CreateIndexes(ctx); err != nil {
			return diag.Storage("index xlink tables", err)
		}
	}
	return nil
}

// LookupRing returns the ring registered under gmlID.
func (t *Tables) LookupRing(ctx context.Context, gmlID string) (*LinearRing, bool, error) {
	tbl := t.existing(KindLinearRing)
	if tbl == nil {
		return nil, false, nil
	}
	x := &LinearRing{GmlID: gmlID}
	err := tbl.DB().QueryRowContext(ctx,
		"SELECT SURFACE_GEOMETRY_ID, RING_NO, REVERSE FROM "+tbl.Name()+" WHERE GMLID = ? ORDER BY rowid LIMIT 1",
		gmlID).Scan(&x.SurfaceGeometryID, &x.RingNo, &x.Reverse)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, diag.Storage("look up linear ring", err)
	}
	return x, true, nil
}

// LookupTextureAssociation returns the registration stored under gmlID.
func (t *Tables) LookupTextureAssociation(ctx context.Context, gmlID string) (*TextureAssociation, bool, error) {
	tbl := t.existing(KindTextureAssociation)
	if tbl == nil {
		return nil, false, nil
	}
	x := &TextureAssociation{GmlID: gmlID}
	err := tbl.DB().QueryRowContext(ctx,
		"SELECT SURFACE_DATA_ID, TARGET FROM "+tbl.Name()+" WHERE GMLID = ? AND HREF = '' ORDER BY rowid LIMIT 1",
		gmlID).Scan(&x.SurfaceDataID, &x.Target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, diag.Storage("look up texture association", err)
	}
	return x, true, nil
}

func insertQuery(kind Kind, table string) string {
	cols := codecs[kind].columns
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
}
