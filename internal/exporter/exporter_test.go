package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/cachetable"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/importer"
	"github.com/gebin/importer-exporter/internal/xlink"
)

type discardSink struct{}

func (discardSink) AddWork(context.Context, xlink.Item) error { return nil }

type store struct {
	d        *adapter.SQLite
	db       *sql.DB
	im       *importer.Manager
	reporter *diag.Reporter
}

func newStore(t *testing.T) *store {
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

	s := &store{d: d, db: db, reporter: diag.NewReporter(nil, 0)}
	s.im, err = importer.NewManager(ctx, db, importer.Config{
		Dialect:     d,
		SRID:        4326,
		Appearances: true,
		Geometries:  gmlid.NewLookupServer(gc, 1000, 0),
		Features:    gmlid.NewLookupServer(fc, 1000, 0),
		Xlinks:      discardSink{},
		Reporter:    s.reporter,
	})
	require.NoError(t, err)
	return s
}

func (s *store) insert(t *testing.T, g citygml.Geometry) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.im.SurfaceGeometry().Insert(ctx, g, 0)
	require.NoError(t, err)
	require.NoError(t, s.im.ExecuteBatch(ctx))
	return id
}

func (s *store) exporter(appearances bool) *Manager {
	return NewManager(s.db, Config{Dialect: s.d, Appearances: appearances, Reporter: s.reporter})
}

func square(z float64) []float64 {
	return []float64{0, 0, z, 1, 0, z, 1, 1, z, 0, 1, z, 0, 0, z}
}

func hole(z float64) []float64 {
	return []float64{0.25, 0.25, z, 0.25, 0.75, z, 0.75, 0.75, z, 0.25, 0.25, z}
}

func polygon(id string, z float64) *citygml.Polygon {
	return &citygml.Polygon{GmlID: citygml.GmlID{Value: id}, Exterior: &citygml.LinearRing{Coords: square(z)}}
}

func TestReadCompositeSolid(t *testing.T) {
	s := newStore(t)
	withHole := polygon("p1", 0)
	withHole.Interior = []*citygml.LinearRing{{Coords: hole(0)}}
	rootID := s.insert(t, &citygml.CompositeSolid{
		GmlID: citygml.GmlID{Value: "csolid"},
		Members: []*citygml.Property{citygml.Inline(&citygml.CompositeSurface{
			GmlID:   citygml.GmlID{Value: "shell"},
			Members: []*citygml.Property{citygml.Inline(withHole), citygml.Inline(polygon("p2", 1))},
		})},
	})

	res, err := s.exporter(false).SurfaceGeometry().Read(context.Background(), rootID)
	require.NoError(t, err)
	require.False(t, res.IsHref())

	cs, ok := res.Geometry.(*citygml.CompositeSolid)
	require.True(t, ok, "got %T", res.Geometry)
	assert.Equal(t, "csolid", cs.ID())
	require.Len(t, cs.Members, 1)
	shell, ok := cs.Members[0].Object.(*citygml.CompositeSurface)
	require.True(t, ok)
	assert.Equal(t, "shell", shell.ID())
	require.Len(t, shell.Members, 2)

	p1 := shell.Members[0].Object.(*citygml.Polygon)
	assert.Equal(t, "p1", p1.ID())
	assert.Equal(t, square(0), p1.Exterior.Coords)
	require.Len(t, p1.Interior, 1)
	assert.Equal(t, hole(0), p1.Interior[0].Coords)
	assert.Empty(t, p1.Exterior.ID(), "ring ids are only generated with appearances")
	assert.Equal(t, square(1), shell.Members[1].Object.(*citygml.Polygon).Exterior.Coords)
}

func TestReadRestoresOrientation(t *testing.T) {
	s := newStore(t)
	rootID := s.insert(t, &citygml.MultiSurface{
		GmlID: citygml.GmlID{Value: "ms"},
		Members: []*citygml.Property{
			citygml.Inline(polygon("up", 0)),
			citygml.Inline(&citygml.OrientableSurface{Negative: true, BaseSurface: citygml.Inline(polygon("down", 1))}),
		},
	})

	res, err := s.exporter(false).SurfaceGeometry().Read(context.Background(), rootID)
	require.NoError(t, err)
	ms, ok := res.Geometry.(*citygml.MultiSurface)
	require.True(t, ok)
	require.Len(t, ms.Members, 2)

	assert.Equal(t, square(0), ms.Members[0].Object.(*citygml.Polygon).Exterior.Coords)
	os, ok := ms.Members[1].Object.(*citygml.OrientableSurface)
	require.True(t, ok, "got %T", ms.Members[1].Object)
	assert.True(t, os.Negative)
	base := os.BaseSurface.Object.(*citygml.Polygon)
	assert.Equal(t, "down", base.ID())
	assert.Equal(t, square(1), base.Exterior.Coords)
}

func TestReadTopLevelOrientableSurface(t *testing.T) {
	s := newStore(t)
	rootID := s.insert(t, &citygml.OrientableSurface{Negative: true, BaseSurface: citygml.Inline(polygon("base", 0))})

	res, err := s.exporter(false).SurfaceGeometry().Read(context.Background(), rootID)
	require.NoError(t, err)
	os, ok := res.Geometry.(*citygml.OrientableSurface)
	require.True(t, ok)
	assert.True(t, os.Negative)
	assert.Equal(t, square(0), os.BaseSurface.Object.(*citygml.Polygon).Exterior.Coords)
}

func TestReadTriangulatedSurface(t *testing.T) {
	s := newStore(t)
	tri := []float64{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0}
	rootID := s.insert(t, &citygml.TriangulatedSurface{
		GmlID:     citygml.GmlID{Value: "tin"},
		Triangles: []*citygml.Patch{{Exterior: &citygml.LinearRing{Coords: tri}}, {Exterior: &citygml.LinearRing{Coords: tri}}},
	})

	res, err := s.exporter(false).SurfaceGeometry().Read(context.Background(), rootID)
	require.NoError(t, err)
	ts, ok := res.Geometry.(*citygml.TriangulatedSurface)
	require.True(t, ok)
	require.Len(t, ts.Triangles, 2)
	assert.Equal(t, tri, ts.Triangles[1].Exterior.Coords)
}

func TestReadRepeatedRootIsHref(t *testing.T) {
	s := newStore(t)
	rootID := s.insert(t, polygon("once", 0))
	sg := s.exporter(false).SurfaceGeometry()

	first, err := sg.Read(context.Background(), rootID)
	require.NoError(t, err)
	require.NotNil(t, first.Geometry)

	second, err := sg.Read(context.Background(), rootID)
	require.NoError(t, err)
	assert.True(t, second.IsHref())
	assert.Equal(t, "#once", second.Href)
	assert.Equal(t, citygml.Ref("#once"), second.Property())
}

func TestReadXlinkCopy(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	obj, err := geometry.NewPolygon([][]float64{square(0)}, 3, 4326)
	require.NoError(t, err)
	native, err := s.d.Geometry().ToNative(obj)
	require.NoError(t, err)

	insert := `INSERT INTO SURFACE_GEOMETRY (ID, GMLID, PARENT_ID, ROOT_ID, IS_XLINK, IS_REVERSE, GEOMETRY) VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, row := range [][]any{
		{1, "shared", nil, 1, 0, 0, native},
		{10, "ms", nil, 10, 0, 0, nil},
		{11, "shared", 10, 10, 1, 0, native},
		{20, "ms2", nil, 20, 0, 0, nil},
		{21, "unseen", 20, 20, 1, 0, native},
	} {
		_, err := s.db.Exec(insert, row...)
		require.NoError(t, err)
	}

	sg := s.exporter(false).SurfaceGeometry()
	_, err = sg.Read(ctx, 1)
	require.NoError(t, err)

	res, err := sg.Read(ctx, 10)
	require.NoError(t, err)
	ms := res.Geometry.(*citygml.MultiSurface)
	require.Len(t, ms.Members, 1)
	assert.Equal(t, citygml.Ref("#shared"), ms.Members[0])

	res, err = sg.Read(ctx, 20)
	require.NoError(t, err)
	ms = res.Geometry.(*citygml.MultiSurface)
	require.Len(t, ms.Members, 1)
	assert.Equal(t, "unseen", ms.Members[0].Object.ID(), "copies of geometry not written yet are inlined")
}

func TestReadSkipsBrokenSubtrees(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	obj, err := geometry.NewPolygon([][]float64{square(0)}, 3, 4326)
	require.NoError(t, err)
	native, err := s.d.Geometry().ToNative(obj)
	require.NoError(t, err)

	insert := `INSERT INTO SURFACE_GEOMETRY (ID, GMLID, PARENT_ID, ROOT_ID, GEOMETRY) VALUES (?, ?, ?, ?, ?)`
	for _, row := range [][]any{
		{1, "ms", nil, 1, nil},
		{2, "good", 1, 1, native},
		{3, "broken", 1, 1, []byte{0x01, 0x02}},
		{4, "empty", 1, 1, nil},
	} {
		_, err := s.db.Exec(insert, row...)
		require.NoError(t, err)
	}

	res, err := s.exporter(false).SurfaceGeometry().Read(ctx, 1)
	require.NoError(t, err)
	ms := res.Geometry.(*citygml.MultiSurface)
	require.Len(t, ms.Members, 1)
	assert.Equal(t, "good", ms.Members[0].Object.ID())
	assert.Equal(t, 2, s.reporter.Count())

	missing, err := s.exporter(false).SurfaceGeometry().Read(ctx, 999)
	require.NoError(t, err)
	assert.True(t, missing.IsEmpty())
}

func TestExportDocument(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	roof := &citygml.Polygon{
		GmlID:    citygml.GmlID{Value: "roof"},
		Exterior: &citygml.LinearRing{GmlID: citygml.GmlID{Value: "roof_ext"}, Coords: square(10)},
	}
	b := &citygml.Building{
		CityObject: citygml.CityObject{
			GmlID: "b1",
			Name:  "town hall",
			Appearances: []*citygml.Appearance{{
				Theme: "summer",
				SurfaceData: []*citygml.SurfaceDataProperty{{Data: &citygml.ParameterizedTexture{
					GmlID:    "tex",
					IsFront:  true,
					ImageURI: "roof.png",
					Targets: []*citygml.TextureTarget{{
						URI:       "#roof",
						TexCoords: []*citygml.TexCoordList{{Ring: "#roof_ext", Coords: []float64{0, 0, 1, 0, 1, 1, 0, 1, 0, 0}}},
					}},
				}}},
			}},
		},
		Function: "1000",
	}
	b.LodMultiSurface[2] = citygml.Inline(&citygml.MultiSurface{Members: []*citygml.Property{citygml.Inline(roof)}})
	g := &citygml.CityObjectGroup{
		CityObject: citygml.CityObject{GmlID: "g"},
		Members:    []*citygml.GroupMember{{Feature: &citygml.Building{CityObject: citygml.CityObject{GmlID: "inner"}}, Role: "main"}},
	}
	for _, f := range []citygml.Feature{b, g} {
		_, err := s.im.ImportFeature(ctx, f)
		require.NoError(t, err)
	}
	require.NoError(t, s.im.Close())

	m := s.exporter(true)
	var buf bytes.Buffer
	require.NoError(t, m.Export(ctx, &buf))
	assert.Equal(t, map[string]int64{"Building": 2, "CityObjectGroup": 1}, m.Counts())

	doc, err := citygml.ReadDocument(&buf, "", nil)
	require.NoError(t, err)
	require.Len(t, doc.Features, 2, "inline group members are not repeated at top level")

	got := doc.Features[0].(*citygml.Building)
	assert.Equal(t, "b1", got.GmlID)
	assert.Equal(t, "town hall", got.Name)
	assert.Equal(t, "1000", got.Function)
	ms := got.LodMultiSurface[2].Object.(*citygml.MultiSurface)
	poly := ms.Members[0].Object.(*citygml.Polygon)
	assert.Equal(t, "roof", poly.ID())
	assert.Equal(t, "roof_ring0", poly.Exterior.ID())

	require.Len(t, got.Appearances, 1)
	assert.Equal(t, "summer", got.Appearances[0].Theme)
	tex := got.Appearances[0].SurfaceData[0].Data.(*citygml.ParameterizedTexture)
	assert.Equal(t, "roof.png", tex.ImageURI)
	require.Len(t, tex.Targets, 1)
	assert.Equal(t, "#roof", tex.Targets[0].URI)
	require.Len(t, tex.Targets[0].TexCoords, 1)
	assert.Equal(t, "#roof_ring0", tex.Targets[0].TexCoords[0].Ring)
	assert.Equal(t, []float64{0, 0, 1, 0, 1, 1, 0, 1, 0, 0}, tex.Targets[0].TexCoords[0].Coords)

	group := doc.Features[1].(*citygml.CityObjectGroup)
	require.Len(t, group.Members, 1)
	assert.Equal(t, "main", group.Members[0].Role)
	require.NotNil(t, group.Members[0].Feature)
	assert.Equal(t, "inner", group.Members[0].Feature.Base().GmlID)
}

func TestExportSharesImplicitPrototypes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	proto := &citygml.ImplicitGeometry{GmlID: "bench", RelativeGeometry: citygml.Inline(polygon("bench_shape", 0))}
	first := &citygml.CityFurniture{CityObject: citygml.CityObject{GmlID: "f1"}}
	first.LodImplicit[2] = &citygml.ImplicitRepresentation{
		Geometry:             proto,
		ReferencePoint:       []float64{1, 2, 3},
		TransformationMatrix: []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
	}
	second := &citygml.CityFurniture{CityObject: citygml.CityObject{GmlID: "f2"}}
	second.LodImplicit[2] = &citygml.ImplicitRepresentation{Href: "#bench", ReferencePoint: []float64{4, 5, 6}}
	for _, f := range []citygml.Feature{first, second} {
		_, err := s.im.ImportFeature(ctx, f)
		require.NoError(t, err)
	}
	require.NoError(t, s.im.Close())

	var buf bytes.Buffer
	require.NoError(t, s.exporter(false).Export(ctx, &buf))
	doc, err := citygml.ReadDocument(&buf, "", nil)
	require.NoError(t, err)
	require.Len(t, doc.Features, 2)

	rep := doc.Features[0].(*citygml.CityFurniture).LodImplicit[2]
	require.NotNil(t, rep)
	require.NotNil(t, rep.Geometry)
	assert.Equal(t, "bench", rep.Geometry.GmlID)
	assert.Equal(t, "bench_shape", rep.Geometry.RelativeGeometry.Object.ID())
	assert.Equal(t, []float64{1, 2, 3}, rep.ReferencePoint)
	assert.Len(t, rep.TransformationMatrix, 16)

	rep = doc.Features[1].(*citygml.CityFurniture).LodImplicit[2]
	require.NotNil(t, rep)
	assert.Equal(t, "#bench", rep.Href)
	assert.Equal(t, []float64{4, 5, 6}, rep.ReferencePoint)
}
