package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive GC, which keeps encode buffers warm between journal batches.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxIdle  int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultBufferCapacity is the initial capacity of pooled encode buffers.
const DefaultBufferCapacity = 4 * 1024

// BufferPool is shared by the journal and compressors for encode scratch space.
var BufferPool = NewBufferPool(DefaultBufferCapacity, 256)

// NewBufferPool creates a buffer pool. Buffers start with initialCapacity bytes
// and at most maxIdle buffers are retained.
func NewBufferPool(initialCapacity, maxIdle int) *bufferPool {
	if initialCapacity < 0 {
		initialCapacity = 0
	}
	if maxIdle <= 0 {
		maxIdle = 64
	}
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, maxIdle),
		capacity: initialCapacity,
		maxIdle:  maxIdle,
	}
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put returns a buffer to the pool. Buffers beyond maxIdle are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxIdle {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, idle int) {
	bp.mu.Lock()
	idle = len(bp.items)
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), idle
}
