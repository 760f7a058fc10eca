// Package worker runs units of work on a fixed number of goroutines fed by
// a bounded queue. Each goroutine owns its own Worker, and with it its own
// database connection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gebin/importer-exporter/internal/logger"
)

// ErrInterrupted is returned by AddWork once the pool was interrupted.
var ErrInterrupted = errors.New("worker: pool interrupted")

// Worker processes items of one pool goroutine.
type Worker[T any] interface {
	Do(ctx context.Context, item T) error
	Close() error
}

// Factory creates the worker of goroutine n.
type Factory[T any] func(ctx context.Context, n int) (Worker[T], error)

// Pool is a fixed-size goroutine pool with a bounded queue. AddWork blocks
// while the queue is full. A failing item interrupts the pool: items already
// being processed finish, queued items are discarded.
type Pool[T any] struct {
	name    string
	size    int
	factory Factory[T]
	queue   chan T
	g       errgroup.Group

	stopCh      chan struct{}
	stopOnce    sync.Once
	interrupted atomic.Bool
	processed   atomic.Int64
	discarded   atomic.Int64

	mu        sync.Mutex
	started   bool
	shutdown  bool
	closeErrs []error
}

// New returns a pool of size goroutines and a queue of queueSize items.
func New[T any](name string, size, queueSize int, factory Factory[T]) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &Pool[T]{
		name:    name,
		size:    size,
		factory: factory,
		queue:   make(chan T, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start creates all workers and launches the goroutines. If a worker cannot
// be created, the ones already created are closed and no goroutine runs.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	workers := make([]Worker[T], 0, p.size)
	for i := 0; i < p.size; i++ {
		w, err := p.factory(ctx, i)
		if err != nil {
			errs := []error{fmt.Errorf("start %s worker %d: %w", p.name, i, err)}
			for _, w := range workers {
				errs = append(errs, w.Close())
			}
			return errors.Join(errs...)
		}
		workers = append(workers, w)
	}

	p.started = true
	for _, w := range workers {
		p.g.Go(func() error { return p.run(ctx, w) })
	}
	logger.L().Debug("pool_started", "pool", p.name, "workers", p.size)
	return nil
}

func (p *Pool[T]) run(ctx context.Context, w Worker[T]) (err error) {
	defer func() {
		if cerr := w.Close(); cerr != nil {
			p.mu.Lock()
			p.closeErrs = append(p.closeErrs, cerr)
			p.mu.Unlock()
		}
	}()
	for item := range p.queue {
		if p.interrupted.Load() {
			p.discarded.Add(1)
			continue
		}
		if err := w.Do(ctx, item); err != nil {
			p.Interrupt()
			// keep draining so blocked producers are released
			for range p.queue {
				p.discarded.Add(1)
			}
			return err
		}
		p.processed.Add(1)
	}
	return nil
}

// AddWork queues item, blocking while the queue is full.
func (p *Pool[T]) AddWork(ctx context.Context, item T) error {
	if p.interrupted.Load() {
		return ErrInterrupted
	}
	select {
	case p.queue <- item:
		return nil
	case <-p.stopCh:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt stops the pool from starting queued items.
func (p *Pool[T]) Interrupt() {
	p.stopOnce.Do(func() {
		p.interrupted.Store(true)
		close(p.stopCh)
		logger.L().Debug("pool_interrupted", "pool", p.name)
	})
}

// Interrupted reports whether Interrupt was called.
func (p *Pool[T]) Interrupted() bool { return p.interrupted.Load() }

// Processed returns the number of items processed successfully.
func (p *Pool[T]) Processed() int64 { return p.processed.Load() }

// Discarded returns the number of queued items skipped after an interrupt.
func (p *Pool[T]) Discarded() int64 { return p.discarded.Load() }

// Shutdown closes the queue and waits until every goroutine has finished
// and closed its worker. It returns the first processing error joined
// with all worker close errors.
func (p *Pool[T]) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	started := p.started
	p.mu.Unlock()

	close(p.queue)
	if !started {
		return nil
	}
	err := p.g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(append([]error{err}, p.closeErrs...)...)
}
