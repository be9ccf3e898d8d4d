// Package ringbuffer provides a bounded lock-free multi-producer
// multi-consumer ring and the two ways of attaching consumers to it: a pool
// of competing workers, and a single ordered handler chain.
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrClosed = errors.New("ring buffer is closed")

const cacheLine = 64

// slot sequence protocol: a slot at ring position p is writable when
// seq == p and readable when seq == p+1. After a read it is set to
// p+capacity, making it writable for the next lap.
type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded MPMC queue. Publish and consume claim positions with a
// CAS on their cursor; no mutex is taken on either path.
type Ring[T any] struct {
	mask  uint64
	slots []slot[T]
	wait  WaitStrategy

	_    [cacheLine]byte
	head atomic.Uint64 // next position to publish
	_    [cacheLine]byte
	tail atomic.Uint64 // next position to consume
	_    [cacheLine]byte

	closed atomic.Bool
}

// New creates a ring with room for size entries, rounded up to a power of two.
func New[T any](size int, wait WaitStrategy) (*Ring[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("ring size must be positive, got %d", size)
	}
	capacity := uint64(1)
	for capacity < uint64(size) {
		capacity <<= 1
	}
	if wait == nil {
		wait = NewBlockingWait()
	}
	r := &Ring[T]{
		mask:  capacity - 1,
		slots: make([]slot[T], capacity),
		wait:  wait,
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r, nil
}

func (r *Ring[T]) Cap() int { return len(r.slots) }

// Len is a snapshot; it may be stale by the time it is used.
func (r *Ring[T]) Len() int {
	head, tail := r.head.Load(), r.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// RemainingCapacity is Cap minus Len.
func (r *Ring[T]) RemainingCapacity() int { return r.Cap() - r.Len() }

// TryPublish adds v if there is room. It never waits.
func (r *Ring[T]) TryPublish(v T) bool {
	if r.closed.Load() {
		return false
	}
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos:
			if r.head.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				r.wait.Signal()
				return true
			}
		case seq < pos:
			return false // full
		}
		// Another producer claimed pos; reload.
	}
}

// Publish adds v, waiting per the wait strategy while the ring is full.
func (r *Ring[T]) Publish(ctx context.Context, v T) error {
	for attempt := 0; ; attempt++ {
		if r.closed.Load() {
			return ErrClosed
		}
		if r.TryPublish(v) {
			return nil
		}
		if err := r.wait.Wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// TryConsume removes the oldest entry if there is one. It never waits.
func (r *Ring[T]) TryConsume() (T, bool) {
	var zero T
	for {
		pos := r.tail.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		switch {
		case seq == pos+1:
			if r.tail.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + r.mask + 1)
				r.wait.Signal()
				return v, true
			}
		case seq < pos+1:
			return zero, false // empty
		}
	}
}

// Consume removes the oldest entry, waiting while the ring is empty. After
// Close it keeps returning buffered entries, then ErrClosed.
func (r *Ring[T]) Consume(ctx context.Context) (T, error) {
	for attempt := 0; ; attempt++ {
		if v, ok := r.TryConsume(); ok {
			return v, nil
		}
		if r.closed.Load() {
			var zero T
			return zero, ErrClosed
		}
		if err := r.wait.Wait(ctx, attempt); err != nil {
			var zero T
			return zero, err
		}
	}
}

// DrainTo appends up to max available entries to buf without waiting.
func (r *Ring[T]) DrainTo(buf []T, max int) []T {
	for i := 0; i < max; i++ {
		v, ok := r.TryConsume()
		if !ok {
			break
		}
		buf = append(buf, v)
	}
	return buf
}

// Close stops new publishes and wakes every waiter. Buffered entries can
// still be consumed.
func (r *Ring[T]) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.wait.Signal()
	}
}

func (r *Ring[T]) IsClosed() bool { return r.closed.Load() }
