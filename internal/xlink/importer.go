package xlink

import (
	"context"
	"errors"
	"fmt"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/worker"
)

// Importer writes items to their temporary tables. Each pool goroutine owns
// one Importer with one batch per kind.
type Importer struct {
	tables    *Tables
	batchSize int
	batches   map[Kind]*adapter.Batch
}

// NewImporter returns an Importer flushing every batchSize items.
func NewImporter(tables *Tables, batchSize int) *Importer {
	return &Importer{tables: tables, batchSize: batchSize, batches: make(map[Kind]*adapter.Batch)}
}

// Factory returns a worker.Factory creating one Importer per goroutine.
func (t *Tables) Factory(batchSize int) worker.Factory[Item] {
	return func(context.Context, int) (worker.Worker[Item], error) {
		return NewImporter(t, batchSize), nil
	}
}

// Do buffers item and flushes its batch when full.
func (im *Importer) Do(ctx context.Context, item Item) error {
	kind := item.Kind()
	b, ok := im.batches[kind]
	if !ok {
		tbl, err := im.tables.Table(ctx, kind)
		if err != nil {
			return err
		}
		b = adapter.NewBatch(tbl.DB(), insertQuery(kind, tbl.Name()), im.batchSize)
		im.batches[kind] = b
	}
	if b.Add(codecs[kind].args(item)...) {
		return diag.Storage("write xlinks "+kind.String(), b.Flush(ctx))
	}
	return nil
}

// Flush writes all buffered items.
func (im *Importer) Flush(ctx context.Context) error {
	var errs []error
	for kind, b := range im.batches {
		if err := b.Flush(ctx); err != nil {
			errs = append(errs, diag.Storage("write xlinks "+kind.String(), err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes the remaining items. The tables stay open.
func (im *Importer) Close() error {
	if err := im.Flush(context.Background()); err != nil {
		return fmt.Errorf("close xlink importer: %w", err)
	}
	return nil
}
