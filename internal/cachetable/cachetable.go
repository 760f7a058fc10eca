// Package cachetable manages the temporary tables of an import run: the
// overflow partitions of the gml:id caches and the xlink work tables.
//
// Every table lives in its own SQLite temp file, so partitions can be
// written concurrently without contending for one database write lock.
// All files are removed on Close.
package cachetable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// Model describes the shape of a temporary table.
type Model struct {
	// Name is the table name prefix; the manager appends a sequence number.
	Name string
	// Columns is the column list of the CREATE TABLE statement.
	Columns string
	// Indexes lists column sets to index; each entry becomes one index.
	Indexes []string
}

// Manager creates temporary tables under one scratch directory.
type Manager struct {
	dir string

	mu     sync.Mutex
	tables []*Table
	seq    int
	closed bool
}

// NewManager creates a scratch directory below parent. An empty parent
// uses the system temp directory.
func NewManager(parent string) (*Manager, error) {
	dir, err := os.MkdirTemp(parent, "citydb-cache-*")
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the scratch directory.
func (m *Manager) Dir() string { return m.dir }

// CreateTable creates a new, empty table of the given model. Indexes are
// not created until Table.CreateIndexes is called.
func (m *Manager) CreateTable(ctx context.Context, model Model) (*Table, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("cache table manager closed")
	}
	m.seq++
	name := fmt.Sprintf("%s_%d", strings.ToUpper(model.Name), m.seq)
	m.mu.Unlock()

	path := filepath.Join(m.dir, strings.ToLower(name)+".db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(OFF)")
	if err != nil {
		return nil, fmt.Errorf("open cache table %s: %w", name, err)
	}
	// one writer at a time is all SQLite allows; a second connection
	// lets readers proceed while a batch is being written
	db.SetMaxOpenConns(2)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, model.Columns)); err != nil {
		_ = db.Close()
		_ = removeDB(path) // best-effort cleanup
		return nil, fmt.Errorf("create cache table %s: %w", name, err)
	}

	t := &Table{db: db, name: name, path: path, model: model}
	m.mu.Lock()
	m.tables = append(m.tables, t)
	m.mu.Unlock()
	return t, nil
}

// Close closes every table and removes the scratch directory. All tables
// are closed even if some fail; the errors are joined.
func (m *Manager) Close() error {
	m.mu.Lock()
	tables := m.tables
	m.tables = nil
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, t := range tables {
		if err := t.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(m.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove cache dir: %w", err))
	}
	return errors.Join(errs...)
}

// Table is one temporary table.
type Table struct {
	db    *sql.DB
	name  string
	path  string
	model Model

	indexed atomic.Bool
}

func (t *Table) DB() *sql.DB { return t.db }

func (t *Table) Name() string { return t.name }

func (t *Table) Model() Model { return t.model }

func (t *Table) Indexed() bool { return t.indexed.Load() }

// CreateIndexes builds the model's indexes. Calls after the first
// successful one are no-ops.
func (t *Table) CreateIndexes(ctx context.Context) error {
	if t.indexed.Load() {
		return nil
	}
	for i, cols := range t.model.Indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_IDX%d ON %s (%s)", t.name, i, t.name, cols)
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("index cache table %s: %w", t.name, err)
		}
	}
	t.indexed.Store(true)
	return nil
}

// Count returns the number of rows in the table.
func (t *Table) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(&n)
	return n, err
}

func (t *Table) close() error {
	err := t.db.Close()
	_ = removeDB(t.path) // best-effort cleanup
	if err != nil {
		return fmt.Errorf("close cache table %s: %w", t.name, err)
	}
	return nil
}

func removeDB(path string) error {
	return errors.Join(
		os.Remove(path),
		ignoreMissing(os.Remove(path+"-wal")),
		ignoreMissing(os.Remove(path+"-shm")),
	)
}

func ignoreMissing(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
