package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
)

// PostGIS is the PostgreSQL/PostGIS dialect. Geometries travel as EWKB
// and sequences are native.
type PostGIS struct {
	geom ewkbConverter
}

func NewPostGIS() *PostGIS {
	// SQL type code for an untyped geometry null
	return &PostGIS{geom: ewkbConverter{nullType: 1111, nullTypeName: "GEOMETRY"}}
}

func (*PostGIS) Name() string                  { return "postgis" }
func (*PostGIS) DriverName() string            { return "postgres" }
func (p *PostGIS) Geometry() GeometryConverter { return p.geom }
func (*PostGIS) MaxBatchSize() int             { return 10000 }
func (*PostGIS) Rebind(query string) string    { return rebindDollar(query) }

func (*PostGIS) GeometryParam(placeholder string) string {
	return "ST_GeomFromEWKB(" + placeholder + ")"
}

func (*PostGIS) SelectGeometry(column string) string {
	return "ST_AsEWKB(" + column + ")"
}

// Open connects with the pool limits used for bulk loading.
func (*PostGIS) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	return db, nil
}

func (p *PostGIS) NextSequenceValues(ctx context.Context, conn Conn, sequence string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := conn.QueryContext(ctx, p.Rebind(`SELECT nextval(?) FROM generate_series(1, ?)`), sequence, n)
	if err != nil {
		return nil, fmt.Errorf("reserve %d values of %s: %w", n, sequence, err)
	}
	defer func() { _ = rows.Close() }()
	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) != n {
		return nil, fmt.Errorf("reserve %d values of %s: got %d", n, sequence, len(ids))
	}
	return ids, nil
}

func (p *PostGIS) Schema(srid int) []string {
	stmts := []string{`CREATE EXTENSION IF NOT EXISTS postgis`}
	stmts = append(stmts, tableDDL(columnTypes{
		id:       "BIGINT",
		text:     "TEXT",
		flag:     "NUMERIC(1,0)",
		number:   "DOUBLE PRECISION",
		blob:     "BYTEA",
		geometry: "GEOMETRY(GEOMETRYZ, " + strconv.Itoa(srid) + ")",
	})...)
	for _, seq := range sequences {
		stmts = append(stmts, `CREATE SEQUENCE IF NOT EXISTS `+seq)
	}
	return stmts
}
