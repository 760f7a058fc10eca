package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sumWorker struct {
	sum      *atomic.Int64
	failOn   int
	closed   *atomic.Int32
	closeErr error
}

func (w *sumWorker) Do(_ context.Context, n int) error {
	if w.failOn != 0 && n == w.failOn {
		return errors.New("boom")
	}
	w.sum.Add(int64(n))
	return nil
}

func (w *sumWorker) Close() error {
	w.closed.Add(1)
	return w.closeErr
}

func TestPoolProcessesAllItems(t *testing.T) {
	ctx := context.Background()
	var sum atomic.Int64
	var closed atomic.Int32
	p := New("sum", 4, 2, func(context.Context, int) (Worker[int], error) {
		return &sumWorker{sum: &sum, closed: &closed}, nil
	})
	require.NoError(t, p.Start(ctx))

	for i := 1; i <= 100; i++ {
		require.NoError(t, p.AddWork(ctx, i))
	}
	require.NoError(t, p.Shutdown())

	assert.Equal(t, int64(5050), sum.Load())
	assert.Equal(t, int64(100), p.Processed())
	assert.Equal(t, int32(4), closed.Load())
}

func TestPoolInterruptsOnError(t *testing.T) {
	ctx := context.Background()
	var sum atomic.Int64
	var closed atomic.Int32
	p := New("fail", 1, 1, func(context.Context, int) (Worker[int], error) {
		return &sumWorker{sum: &sum, closed: &closed, failOn: 3}, nil
	})
	require.NoError(t, p.Start(ctx))

	var addErr error
	for i := 1; i <= 50 && addErr == nil; i++ {
		addErr = p.AddWork(ctx, i)
	}
	err := p.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, p.Interrupted())
	assert.ErrorIs(t, addErr, ErrInterrupted)
	assert.Equal(t, int64(3), sum.Load())
	assert.Equal(t, int32(1), closed.Load())
}

func TestPoolJoinsCloseErrors(t *testing.T) {
	ctx := context.Background()
	var sum atomic.Int64
	var closed atomic.Int32
	p := New("close", 3, 0, func(context.Context, int) (Worker[int], error) {
		return &sumWorker{sum: &sum, closed: &closed, closeErr: errors.New("close failed")}, nil
	})
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.AddWork(ctx, 1))

	err := p.Shutdown()
	require.Error(t, err)
	assert.Equal(t, int32(3), closed.Load(), "every worker is closed")
	assert.NoError(t, p.Shutdown())
}

func TestPoolStartFailureClosesCreatedWorkers(t *testing.T) {
	var sum atomic.Int64
	var closed atomic.Int32
	var mu sync.Mutex
	created := 0
	p := New("start", 3, 1, func(_ context.Context, n int) (Worker[int], error) {
		mu.Lock()
		defer mu.Unlock()
		if n == 2 {
			return nil, errors.New("no connection")
		}
		created++
		return &sumWorker{sum: &sum, closed: &closed}, nil
	})
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, int32(2), closed.Load())
	assert.NoError(t, p.Shutdown())
}

func TestAddWorkAfterInterrupt(t *testing.T) {
	p := New("idle", 1, 1, func(context.Context, int) (Worker[int], error) {
		return &sumWorker{sum: new(atomic.Int64), closed: new(atomic.Int32)}, nil
	})
	require.NoError(t, p.Start(context.Background()))
	p.Interrupt()
	assert.ErrorIs(t, p.AddWork(context.Background(), 1), ErrInterrupted)
	assert.NoError(t, p.Shutdown())
}
