package adapter

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gebin/importer-exporter/internal/geometry"
)

func openTestDB(t *testing.T) (*SQLite, *sql.DB) {
	t.Helper()
	d := NewSQLite()
	db, err := d.Open(filepath.Join(t.TempDir(), "city.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db, d, 4326))
	return d, db
}

func TestEWKBRoundTrip(t *testing.T) {
	conv := NewSQLite().Geometry()

	poly, err := geometry.NewPolygon([][]float64{
		{0, 0, 0, 10, 0, 0, 10, 10, 0, 0, 0, 0},
		{2, 2, 0, 4, 2, 0, 4, 4, 0, 2, 2, 0},
	}, 3, 25832)
	require.NoError(t, err)

	native, err := conv.ToNative(poly)
	require.NoError(t, err)
	require.IsType(t, []byte{}, native)

	back, err := conv.ToPolygon(native)
	require.NoError(t, err)
	assert.Equal(t, geometry.Polygon, back.Kind())
	assert.Equal(t, 25832, back.SRID())
	assert.Equal(t, 3, back.Dimension())
	require.Equal(t, 2, back.NumElements())
	assert.Equal(t, poly.Element(1), back.Element(1))
	assert.True(t, back.IsExterior(0))
	assert.False(t, back.IsExterior(1))

	_, err = conv.ToCurve(native)
	assert.Error(t, err)
}

func TestEWKBMultiPolygon(t *testing.T) {
	conv := NewPostGIS().Geometry()
	sq := []float64{0, 0, 1, 0, 1, 1, 0, 0}
	mp, err := geometry.NewMultiPolygon([][]float64{sq, sq, sq}, []bool{true, false, true}, 2, 0)
	require.NoError(t, err)

	native, err := conv.ToNative(mp)
	require.NoError(t, err)
	back, err := conv.ToMultiPolygon(native)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, back.ExteriorRings())
}

func TestEWKBEnvelope(t *testing.T) {
	conv := NewSQLite().Geometry()
	env, err := geometry.NewEnvelope([]float64{1, 2, 3}, []float64{4, 5, 6}, 3, 4326)
	require.NoError(t, err)

	native, err := conv.ToNative(env)
	require.NoError(t, err)
	back, err := conv.ToEnvelope(native)
	require.NoError(t, err)
	assert.Equal(t, env.Element(0), back.Element(0))
}

func TestNilNative(t *testing.T) {
	conv := NewSQLite().Geometry()
	obj, err := conv.ToGeneric(nil)
	require.NoError(t, err)
	assert.Nil(t, obj)

	native, err := conv.ToNative(nil)
	require.NoError(t, err)
	assert.Nil(t, native)
}

func TestNullGeometryType(t *testing.T) {
	assert.Equal(t, "BLOB", NewSQLite().Geometry().NullGeometryTypeName())
	assert.Equal(t, "GEOMETRY", NewPostGIS().Geometry().NullGeometryTypeName())
	assert.Equal(t, 1111, NewPostGIS().Geometry().NullGeometryType())
}

func TestSQLiteSequences(t *testing.T) {
	d, db := openTestDB(t)
	ctx := context.Background()

	first, err := d.NextSequenceValues(ctx, db, SeqSurfaceGeometry, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, first)

	second, err := d.NextSequenceValues(ctx, db, SeqSurfaceGeometry, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, second)

	other, err := d.NextSequenceValues(ctx, db, SeqCityObject, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, other)

	none, err := d.NextSequenceValues(ctx, db, SeqCityObject, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = d.NextSequenceValues(ctx, db, "NO_SUCH_SEQ", 1)
	assert.Error(t, err)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	d, db := openTestDB(t)
	require.NoError(t, EnsureSchema(context.Background(), db, d, 4326))

	var n int
	require.NoError(t, db.QueryRow(`SELECT VALUE FROM SEQUENCES WHERE NAME = ?`, SeqSurfaceGeometry).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestBatchFlush(t *testing.T) {
	_, db := openTestDB(t)
	ctx := context.Background()

	b := NewBatch(db, `INSERT INTO CITYOBJECTGROUP (ID, CLASS) VALUES (?, ?)`, 2)
	assert.False(t, b.Add(int64(1), "a"))
	assert.True(t, b.Add(int64(2), "b"))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.Len())

	b.Add(int64(2), "dup")
	assert.Error(t, b.Flush(ctx))
	assert.Equal(t, 1, b.Len(), "rows stay buffered after a failed flush")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM CITYOBJECTGROUP`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT $1, '?', $2", rebindDollar("SELECT ?, '?', ?"))
	assert.Equal(t, "SELECT ?", NewSQLite().Rebind("SELECT ?"))
	assert.Equal(t, "ST_GeomFromEWKB($3)", NewPostGIS().GeometryParam("$3"))
}

func TestForName(t *testing.T) {
	d, err := ForName("PostGIS")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.DriverName())

	d, err = ForName("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	_, err = ForName("oracle")
	assert.Error(t, err)
}

func TestCoordLists(t *testing.T) {
	s := FormatCoordLists([][]float64{{0, 0.5, 1}, {}, {2.25}})
	assert.Equal(t, "0 0.5 1;;2.25", s)

	lists, err := ParseCoordLists(s)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0.5, 1}, nil, {2.25}}, lists)

	lists, err = ParseCoordLists("")
	require.NoError(t, err)
	assert.Nil(t, lists)

	_, err = ParseCoordLists("1 x")
	assert.Error(t, err)
}
