package xlink

import (
	"context"
	"errors"

	"github.com/gebin/importer-exporter/internal/logger"
	"github.com/gebin/importer-exporter/internal/worker"
)

// ResolveAll resolves every recorded item, one kind after the other in
// ResolveOrder. Each kind is read once and handed to a fresh pool of
// resolvers; the pool is shut down, and all of its writes flushed, before
// the next kind starts. Items whose target is still unknown at that point
// stay dangling.
func (t *Tables) ResolveAll(ctx context.Context, workers, queueSize int,
	factory func(context.Context, int) (*ResolverManager, error)) error {
	if err := t.CreateIndexes(ctx); err != nil {
		return err
	}
	for _, kind := range ResolveOrder {
		if kind == KindLinearRing {
			continue
		}
		n, err := t.Count(ctx, kind)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		logger.L().Info("xlink_resolve", "kind", kind.String(), "items", n)

		pool := worker.New(kind.String(), workers, queueSize, func(ctx context.Context, i int) (worker.Worker[Item], error) {
			return factory(ctx, i)
		})
		if err := pool.Start(ctx); err != nil {
			return err
		}
		eachErr := t.Each(ctx, kind, func(item Item) error { return pool.AddWork(ctx, item) })
		if eachErr != nil {
			pool.Interrupt()
		}
		shutdownErr := pool.Shutdown()
		if errors.Is(eachErr, worker.ErrInterrupted) {
			eachErr = nil // the cause is in shutdownErr
		}
		if err := errors.Join(eachErr, shutdownErr); err != nil {
			return err
		}
	}
	return nil
}
