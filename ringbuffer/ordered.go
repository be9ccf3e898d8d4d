package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// BatchHandler processes one drained batch and returns what the next handler
// should see; an empty result ends the chain for this batch. Errors are
// logged. Handlers must not retain the slice.
type BatchHandler[T any] func(ctx context.Context, batch []T) ([]T, error)

// OrderedProcessor is the single-consumer attachment: one goroutine drains
// whatever has accumulated since its last pass and runs the batch through
// each handler in turn. Handler i sees a batch only after handler i-1 has
// finished with it, and batches are handled in publish order.
type OrderedProcessor[T any] struct {
	ring     *Ring[T]
	maxBatch int
	handlers []BatchHandler[T]
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewOrderedProcessor[T any](ring *Ring[T], maxBatch int, logger *slog.Logger, handlers ...BatchHandler[T]) (*OrderedProcessor[T], error) {
	if len(handlers) == 0 {
		return nil, errors.New("ordered processor needs at least one handler")
	}
	if maxBatch <= 0 {
		maxBatch = ring.Cap()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OrderedProcessor[T]{
		ring:     ring,
		maxBatch: maxBatch,
		handlers: handlers,
		logger:   logger.With("component", "OrderedProcessor"),
		done:     make(chan struct{}),
	}, nil
}

func (p *OrderedProcessor[T]) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *OrderedProcessor[T]) run(ctx context.Context) {
	defer close(p.done)
	batch := make([]T, 0, p.maxBatch)
	for {
		first, err := p.ring.Consume(ctx)
		if err != nil {
			return
		}
		batch = append(batch[:0], first)
		batch = p.ring.DrainTo(batch, p.maxBatch-1)
		p.dispatch(ctx, batch)
		clear(batch)
	}
}

func (p *OrderedProcessor[T]) dispatch(ctx context.Context, batch []T) {
	for i, h := range p.handlers {
		out, err := p.call(ctx, h, batch)
		if err != nil {
			p.logger.Error("Batch handler failed", "handler", i, "batch_size", len(batch), "error", err)
		}
		batch = out
		if len(batch) == 0 {
			return
		}
	}
}

func (p *OrderedProcessor[T]) call(ctx context.Context, h BatchHandler[T], batch []T) (out []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, batch)
}

// Stop cancels the consumer and waits for the current batch to finish.
func (p *OrderedProcessor[T]) Stop() {
	if p.cancel == nil {
		return
	}
	p.once.Do(p.cancel)
	<-p.done
}

// Done is closed once the consumer goroutine has exited.
func (p *OrderedProcessor[T]) Done() <-chan struct{} { return p.done }
