// Package adapter isolates everything that differs between the supported
// spatial databases: geometry encoding, placeholders, sequences, batch size
// limits and DDL.
package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/gebin/importer-exporter/internal/geometry"
)

// Conn is the subset of *sql.DB, *sql.Conn and *sql.Tx the importers and
// exporters need. Each worker owns its own Conn.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxConn is a Conn that can open transactions.
type TxConn interface {
	Conn
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// GeometryConverter converts between geometry.Object and the value a
// database driver accepts for, and returns from, a geometry column.
type GeometryConverter interface {
	ToEnvelope(native any) (*geometry.Object, error)
	ToPoint(native any) (*geometry.Object, error)
	ToMultiPoint(native any) (*geometry.Object, error)
	ToCurve(native any) (*geometry.Object, error)
	ToMultiCurve(native any) (*geometry.Object, error)
	ToPolygon(native any) (*geometry.Object, error)
	ToMultiPolygon(native any) (*geometry.Object, error)
	ToGeneric(native any) (*geometry.Object, error)
	ToNative(obj *geometry.Object) (any, error)

	// NullGeometryType and NullGeometryTypeName describe the column type
	// used when a geometry column is set to a typed SQL NULL.
	NullGeometryType() int
	NullGeometryTypeName() string
}

// Dialect is implemented once per supported database.
type Dialect interface {
	Name() string
	DriverName() string
	Geometry() GeometryConverter

	// Open returns a connection pool for dsn.
	Open(dsn string) (*sql.DB, error)

	// MaxBatchSize is the largest number of rows flushed in one batch.
	MaxBatchSize() int

	// Rebind rewrites '?' placeholders into the dialect's syntax.
	Rebind(query string) string

	// GeometryParam wraps a placeholder so the bound native value is
	// accepted by a geometry column.
	GeometryParam(placeholder string) string

	// SelectGeometry wraps a geometry column so scanning yields a native
	// value accepted by Geometry().
	SelectGeometry(column string) string

	// NextSequenceValues reserves n fresh keys of the named sequence in
	// one round trip.
	NextSequenceValues(ctx context.Context, conn Conn, sequence string, n int) ([]int64, error)

	// Schema returns the DDL that creates the city model tables.
	Schema(srid int) []string
}

// Sequence names.
const (
	SeqSurfaceGeometry  = "SURFACE_GEOMETRY_SEQ"
	SeqCityObject       = "CITYOBJECT_SEQ"
	SeqImplicitGeometry = "IMPLICIT_GEOMETRY_SEQ"
	SeqAppearance       = "APPEARANCE_SEQ"
	SeqSurfaceData      = "SURFACE_DATA_SEQ"
)

var sequences = []string{SeqSurfaceGeometry, SeqCityObject, SeqImplicitGeometry, SeqAppearance, SeqSurfaceData}

// Flag renders a boolean for a flag column. Flag columns are numeric in
// every dialect.
func Flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ForName returns the dialect registered under name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite":
		return NewSQLite(), nil
	case "postgis", "postgres", "postgresql":
		return NewPostGIS(), nil
	}
	return nil, fmt.Errorf("unknown database dialect %q", name)
}

// rebindDollar turns '?' placeholders into $1, $2, ... Question marks
// inside single-quoted literals are left alone.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
