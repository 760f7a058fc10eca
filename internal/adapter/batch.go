package adapter

import (
	"context"
	"fmt"
)

// Batch buffers the arguments of one INSERT or UPDATE statement and writes
// them in a single transaction per flush. A Batch is owned by one worker and
// is not safe for concurrent use.
type Batch struct {
	conn  TxConn
	query string
	max   int
	rows  [][]any
}

// NewBatch returns a batch for query with a row ceiling of max.
func NewBatch(conn TxConn, query string, max int) *Batch {
	if max <= 0 {
		max = 1
	}
	return &Batch{conn: conn, query: query, max: max}
}

// Add buffers one row and reports whether the batch reached its ceiling.
func (b *Batch) Add(args ...any) bool {
	b.rows = append(b.rows, args)
	return len(b.rows) >= b.max
}

// Len returns the number of buffered rows.
func (b *Batch) Len() int { return len(b.rows) }

// Reset drops the buffered rows.
func (b *Batch) Reset() { b.rows = b.rows[:0] }

// Flush writes all buffered rows. On failure the rows stay buffered.
func (b *Batch) Flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, b.query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, args := range b.rows {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("batch row %d of %d: %w", i+1, len(b.rows), err)
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("close batch statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	b.rows = b.rows[:0]
	return nil
}
