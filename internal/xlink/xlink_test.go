package xlink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/cachetable"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/worker"
)

type fixture struct {
	d        *adapter.SQLite
	db       *sql.DB
	tables   *Tables
	geoms    *gmlid.LookupServer
	features *gmlid.LookupServer
	reporter *diag.Reporter
	stats    *Stats
	baseDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	d := adapter.NewSQLite()
	db, err := d.Open(filepath.Join(dir, "city.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, adapter.EnsureSchema(ctx, db, d, 4326))

	cm, err := cachetable.NewManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	gc, err := gmlid.NewCache(ctx, cm, "geometry", 2, 100)
	require.NoError(t, err)
	fc, err := gmlid.NewCache(ctx, cm, "feature", 2, 100)
	require.NoError(t, err)

	return &fixture{
		d:        d,
		db:       db,
		tables:   NewTables(cm),
		geoms:    gmlid.NewLookupServer(gc, 1000, 0),
		features: gmlid.NewLookupServer(fc, 1000, 0),
		reporter: diag.NewReporter(nil, 0),
		stats:    &Stats{},
		baseDir:  dir,
	}
}

// record writes items through an importer pool, the way importer workers do.
func (f *fixture) record(t *testing.T, items ...Item) {
	t.Helper()
	ctx := context.Background()
	pool := worker.New("xlink", 2, 4, f.tables.Factory(3))
	require.NoError(t, pool.Start(ctx))
	for _, it := range items {
		require.NoError(t, pool.AddWork(ctx, it))
	}
	require.NoError(t, pool.Shutdown())
}

func (f *fixture) resolveAll(t *testing.T) {
	t.Helper()
	cfg := ResolverConfig{
		Dialect:    f.d,
		Geometries: f.geoms,
		Features:   f.features,
		Tables:     f.tables,
		Reporter:   f.reporter,
		Stats:      f.stats,
		BaseDir:    f.baseDir,
	}
	require.NoError(t, f.tables.ResolveAll(context.Background(), 2, 4, ResolverFactory(f.db, cfg)))
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestRecordItems(t *testing.T) {
	f := newFixture(t)
	f.record(t,
		&Basic{ID: 1, FromTable: "BUILDING", Attr: "LOD2_SOLID_ID", Href: "#s1", ToTable: "SURFACE_GEOMETRY"},
		&Basic{ID: 2, FromTable: "BUILDING", Attr: "LOD2_SOLID_ID", Href: "#s2", ToTable: "SURFACE_GEOMETRY"},
		&TextureParam{SurfaceDataID: 3, Target: "#p1", Rings: []string{"#r1", "#r2"}, TexCoords: [][]float64{{0, 0, 1, 1}, {0.5, 0.5}}},
		&LinearRing{GmlID: "r1", SurfaceGeometryID: 9, RingNo: 0},
	)

	ctx := context.Background()
	n, err := f.tables.Count(ctx, KindBasic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var got *TextureParam
	require.NoError(t, f.tables.Each(ctx, KindTextureParam, func(it Item) error {
		got = it.(*TextureParam)
		return nil
	}))
	require.NotNil(t, got)
	assert.Equal(t, []string{"#r1", "#r2"}, got.Rings)
	assert.Equal(t, [][]float64{{0, 0, 1, 1}, {0.5, 0.5}}, got.TexCoords)
	assert.Empty(t, got.WorldToTexture)

	n, err = f.tables.Count(ctx, KindGroupToCityObject)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolveSurfaceGeometryCopiesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.d.NextSequenceValues(ctx, f.db, adapter.SeqSurfaceGeometry, 3)
	require.NoError(t, err)
	root, poly, host := ids[0], ids[1], ids[2]

	ring := []float64{0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 0, 0}
	obj, err := geometry.NewPolygon([][]float64{ring}, 3, 4326)
	require.NoError(t, err)
	native, err := f.d.Geometry().ToNative(obj)
	require.NoError(t, err)

	insert := `INSERT INTO SURFACE_GEOMETRY (ID, GMLID, PARENT_ID, ROOT_ID, IS_COMPOSITE, GEOMETRY) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = f.db.Exec(insert, root, "cs", nil, root, 1, nil)
	require.NoError(t, err)
	_, err = f.db.Exec(insert, poly, "poly", root, root, 0, native)
	require.NoError(t, err)
	_, err = f.db.Exec(insert, host, "host", nil, host, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.geoms.Put(ctx, "cs", gmlid.Entry{ID: root, RootID: root}))
	require.NoError(t, f.geoms.Put(ctx, "poly", gmlid.Entry{ID: poly, RootID: root}))

	f.record(t, &SurfaceGeometry{ParentID: host, RootID: host, Reverse: true, Href: "#cs"})
	f.resolveAll(t)
	assert.Equal(t, int64(1), f.stats.Resolved(KindSurfaceGeometry))

	rows, err := f.db.Query(`SELECT ID, GMLID, PARENT_ID, IS_XLINK, IS_REVERSE, GEOMETRY FROM SURFACE_GEOMETRY WHERE ROOT_ID = ? AND ID <> ? ORDER BY ID`, host, host)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	type copied struct {
		id, parent int64
		gmlID      string
		xlink, rev int
		native     []byte
	}
	var got []copied
	for rows.Next() {
		var c copied
		var parent sql.NullInt64
		require.NoError(t, rows.Scan(&c.id, &c.gmlID, &parent, &c.xlink, &c.rev, &c.native))
		c.parent = parent.Int64
		got = append(got, c)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "cs", got[0].gmlID)
	assert.Equal(t, host, got[0].parent)
	assert.Equal(t, "poly", got[1].gmlID)
	assert.Equal(t, got[0].id, got[1].parent)
	for _, c := range got {
		assert.Equal(t, 1, c.xlink)
		assert.Equal(t, 1, c.rev)
	}

	back, err := f.d.Geometry().ToPolygon(got[1].native)
	require.NoError(t, err)
	assert.Equal(t, geometry.ReverseCoords(ring, 3), back.Element(0))
}

func TestResolveIsSinglePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.Exec(`INSERT INTO CITYOBJECTGROUP (ID) VALUES (1)`)
	require.NoError(t, err)

	f.record(t, &GroupToCityObject{GroupID: 1, Href: "#late", Role: "member"})
	f.resolveAll(t)

	require.NoError(t, f.features.Put(ctx, "late", gmlid.Entry{ID: 2, RootID: 2, Class: api.ClassBuilding}))

	assert.Equal(t, int64(1), f.stats.Dangling(KindGroupToCityObject))
	assert.Zero(t, f.stats.Resolved(KindGroupToCityObject))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM GROUP_TO_CITYOBJECT`))
	assert.Equal(t, 1, f.reporter.Count())
}

func TestResolveGroupMembersAndParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.Exec(`INSERT INTO CITYOBJECTGROUP (ID) VALUES (1)`)
	require.NoError(t, err)
	require.NoError(t, f.features.Put(ctx, "b1", gmlid.Entry{ID: 2, RootID: 2, Class: api.ClassBuilding}))
	require.NoError(t, f.features.Put(ctx, "parent", gmlid.Entry{ID: 3, RootID: 3, Class: api.ClassCityObjectGroup}))
	require.NoError(t, f.features.Put(ctx, "mat", gmlid.Entry{ID: 4, RootID: 4, Class: api.ClassX3DMaterial}))

	f.record(t,
		&GroupToCityObject{GroupID: 1, Href: "#b1", Role: "member"},
		&GroupToCityObject{GroupID: 1, Href: "#parent", IsParent: true},
		&GroupToCityObject{GroupID: 1, Href: "#mat"},
	)
	f.resolveAll(t)

	assert.Equal(t, int64(2), f.stats.Resolved(KindGroupToCityObject))
	assert.Equal(t, int64(1), f.stats.Dangling(KindGroupToCityObject), "surface data is not a group member")
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM GROUP_TO_CITYOBJECT WHERE CITYOBJECT_ID = 2 AND ROLE = 'member'`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM CITYOBJECTGROUP WHERE PARENT_CITYOBJECT_ID = 3`))
}

func TestResolveTextureParamThroughRings(t *testing.T) {
	f := newFixture(t)
	f.record(t,
		&LinearRing{GmlID: "ext", SurfaceGeometryID: 7, RingNo: 0},
		&LinearRing{GmlID: "int", SurfaceGeometryID: 7, RingNo: 1, Reverse: true},
		&TextureParam{SurfaceDataID: 5, Target: "#p", IsParametrization: true,
			Rings: []string{"#int", "#ext"}, TexCoords: [][]float64{{0, 0, 1, 0, 1, 1}, {0.5, 0.5, 0, 0}}},
	)
	f.resolveAll(t)

	var coords string
	require.NoError(t, f.db.QueryRow(`SELECT TEXTURE_COORDINATES FROM TEXTURE_PARAM WHERE SURFACE_GEOMETRY_ID = 7 AND SURFACE_DATA_ID = 5`).Scan(&coords))
	assert.Equal(t, "0.5 0.5 0 0;1 1 1 0 0 0", coords)
}

func TestResolveBasicAndFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.Exec(`INSERT INTO BUILDING (ID) VALUES (1)`)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO SURFACE_DATA (ID, TYPE) VALUES (2, 52)`)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO SURFACE_GEOMETRY (ID, ROOT_ID, IS_SOLID) VALUES (40, 40, 1)`)
	require.NoError(t, err)
	require.NoError(t, f.geoms.Put(ctx, "solid", gmlid.Entry{ID: 40, RootID: 40}))
	require.NoError(t, os.WriteFile(filepath.Join(f.baseDir, "tex.png"), []byte("png"), 0o644))

	f.record(t,
		&Basic{ID: 1, FromTable: "BUILDING", Attr: "LOD2_SOLID_ID", Href: "#solid", ToTable: "SURFACE_GEOMETRY"},
		&Basic{ID: 1, FromTable: "BUILDING", Attr: "LOD3_SOLID_ID", Href: "#nowhere", ToTable: "SURFACE_GEOMETRY"},
		&TextureFile{SurfaceDataID: 2, URI: "tex.png"},
		&TextureFile{SurfaceDataID: 2, URI: "missing.png"},
	)
	f.resolveAll(t)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM BUILDING WHERE LOD2_SOLID_ID = 40 AND LOD3_SOLID_ID IS NULL`))
	assert.Equal(t, int64(1), f.stats.Dangling(KindBasic))

	var img []byte
	require.NoError(t, f.db.QueryRow(`SELECT TEX_IMAGE FROM SURFACE_DATA WHERE ID = 2`).Scan(&img))
	assert.Equal(t, []byte("png"), img)
	assert.Equal(t, int64(1), f.stats.Dangling(KindTextureFile))
}

func TestResolveRejectsBadIdentifiers(t *testing.T) {
	f := newFixture(t)
	r, err := NewResolverManager(context.Background(), f.db, ResolverConfig{Dialect: f.d, Geometries: f.geoms, Features: f.features})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	err = r.Resolve(context.Background(), &Basic{ID: 1, FromTable: "BUILDING; DROP", Attr: "X", Href: "#a"})
	assert.Error(t, err)
}
