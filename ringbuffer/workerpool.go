package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler processes one entry.
type Handler[T any] func(ctx context.Context, item T)

// WorkerPool attaches competing consumers to a ring: every entry is handled
// by exactly one worker, whichever is idle first. Entry order across workers
// is not preserved.
type WorkerPool[T any] struct {
	ring    *Ring[T]
	workers int
	handler Handler[T]
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWorkerPool[T any](ring *Ring[T], workers int, handler Handler[T], logger *slog.Logger) (*WorkerPool[T], error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WorkerPool[T]{
		ring:    ring,
		workers: workers,
		handler: handler,
		logger:  logger.With("component", "WorkerPool"),
	}, nil
}

// Start launches the workers. They run until Stop, ctx cancellation, or the
// ring is closed and drained.
func (p *WorkerPool[T]) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *WorkerPool[T]) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		item, err := p.ring.Consume(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("Worker stopped", "worker", id, "error", err)
			}
			return
		}
		p.invoke(ctx, id, item)
	}
}

func (p *WorkerPool[T]) invoke(ctx context.Context, id int, item T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked", "worker", id, "panic", r)
		}
	}()
	p.handler(ctx, item)
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (p *WorkerPool[T]) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// Wait blocks until every worker has exited, e.g. after the ring was closed
// and drained.
func (p *WorkerPool[T]) Wait() { p.wg.Wait() }
