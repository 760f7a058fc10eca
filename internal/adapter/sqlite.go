package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded dialect. Geometries are EWKB blobs and sequences
// are rows of the SEQUENCES table.
type SQLite struct {
	geom ewkbConverter
}

func NewSQLite() *SQLite {
	return &SQLite{geom: ewkbConverter{nullType: 2004, nullTypeName: "BLOB"}}
}

func (*SQLite) Name() string                            { return "sqlite" }
func (*SQLite) DriverName() string                      { return "sqlite" }
func (s *SQLite) Geometry() GeometryConverter           { return s.geom }
func (*SQLite) MaxBatchSize() int                       { return 10000 }
func (*SQLite) Rebind(query string) string              { return query }
func (*SQLite) GeometryParam(placeholder string) string { return placeholder }
func (*SQLite) SelectGeometry(column string) string     { return column }

// Open opens a database file. Every pooled connection runs in WAL mode
// with a busy timeout, so concurrent workers queue for the write lock.
func (*SQLite) Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// SQLiteDSN appends the connection pragmas to a database path.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep +
		"_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

func (*SQLite) NextSequenceValues(ctx context.Context, conn Conn, sequence string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	var last int64
	err := conn.QueryRowContext(ctx,
		`UPDATE SEQUENCES SET VALUE = VALUE + ? WHERE NAME = ? RETURNING VALUE`,
		n, sequence).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("reserve %d values of %s: %w", n, sequence, err)
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = last - int64(n) + 1 + int64(i)
	}
	return ids, nil
}

func (s *SQLite) Schema(int) []string {
	stmts := tableDDL(columnTypes{
		id:       "INTEGER",
		text:     "TEXT",
		flag:     "INTEGER",
		number:   "REAL",
		blob:     "BLOB",
		geometry: s.geom.NullGeometryTypeName(),
	})
	stmts = append(stmts, `CREATE TABLE IF NOT EXISTS SEQUENCES (
		NAME TEXT PRIMARY KEY,
		VALUE INTEGER NOT NULL
	) WITHOUT ROWID`)
	for _, seq := range sequences {
		stmts = append(stmts, `INSERT OR IGNORE INTO SEQUENCES (NAME, VALUE) VALUES ('`+seq+`', 0)`)
	}
	return stmts
}
