package stage

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/ringbuffer"
)

var timeNow = time.Now

const (
	DefaultProcessRingSize = 65536
	DefaultBatchSize       = 500
	defaultPollInterval    = 100 * time.Millisecond
)

// InsertResult tells a caller of InsertCached or InsertFailFast what happened
// to the envelope.
type InsertResult int

const (
	Inserted InsertResult = iota
	Cached
	Dropped
	RejectedDisabled
	RejectedFull
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Cached:
		return "cached"
	case Dropped:
		return "dropped"
	case RejectedDisabled:
		return "rejected_disabled"
	case RejectedFull:
		return "rejected_full"
	default:
		return fmt.Sprintf("InsertResult(%d)", int(r))
	}
}

type ProcessMetrics struct {
	Inserted         *expvar.Int
	Cached           *expvar.Int
	Dropped          *expvar.Int
	RejectedFull     *expvar.Int
	RejectedDisabled *expvar.Int
	Taken            *expvar.Int
	Completed        *expvar.Int
}

func NewProcessMetrics() *ProcessMetrics {
	return &ProcessMetrics{
		Inserted:         new(expvar.Int),
		Cached:           new(expvar.Int),
		Dropped:          new(expvar.Int),
		RejectedFull:     new(expvar.Int),
		RejectedDisabled: new(expvar.Int),
		Taken:            new(expvar.Int),
		Completed:        new(expvar.Int),
	}
}

type ProcessBufferOptions struct {
	RingSize     int
	WaitStrategy ringbuffer.WaitStrategy
	NodeID       string
	// Overflow receives cached inserts while paused or full. Without it such
	// inserts are dropped. The buffer closes it on Close.
	Overflow *OverflowCache
	// Committer is told the commit offset as batches complete.
	Committer    Committer
	StartPaused  bool
	PollInterval time.Duration
	Metrics      *ProcessMetrics
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

// ProcessBuffer is the second admission point. The journal reader uses the
// blocking Insert, transports use InsertCached or InsertFailFast, and the
// downstream pipeline pulls with TakeBatch and reports back with Complete.
type ProcessBuffer struct {
	ring         *ringbuffer.Ring[*core.RawMessage]
	overflow     *OverflowCache
	nodeID       string
	pollInterval time.Duration
	metrics      *ProcessMetrics
	logger       *slog.Logger
	hookManager  hooks.HookManager
	commits      *commitTracker

	enabled atomic.Bool
	stateMu sync.Mutex
	resumed chan struct{}

	takeMu sync.Mutex
	closed atomic.Bool
}

func NewProcessBuffer(opts ProcessBufferOptions) (*ProcessBuffer, error) {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultProcessRingSize
	}
	if opts.WaitStrategy == nil {
		opts.WaitStrategy = ringbuffer.NewBlockingWait()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = NewProcessMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	ring, err := ringbuffer.New[*core.RawMessage](opts.RingSize, opts.WaitStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to create process ring: %w", err)
	}
	b := &ProcessBuffer{
		ring:         ring,
		overflow:     opts.Overflow,
		nodeID:       opts.NodeID,
		pollInterval: opts.PollInterval,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "ProcessBuffer"),
		hookManager:  opts.HookManager,
		commits:      newCommitTracker(opts.Committer),
		resumed:      make(chan struct{}),
	}
	if opts.StartPaused {
		b.enabled.Store(false)
	} else {
		b.enabled.Store(true)
		close(b.resumed)
	}
	return b, nil
}

// Insert waits for ring space regardless of the processing state. It only
// fails when ctx is done or the buffer is closed.
func (b *ProcessBuffer) Insert(ctx context.Context, msg *core.RawMessage, inputID string) error {
	msg.Stamp(inputID, b.nodeID)
	if err := b.ring.Publish(ctx, msg); err != nil {
		return err
	}
	b.metrics.Inserted.Add(1)
	return nil
}

// InsertCached never blocks. While processing is paused, the ring is full or
// the overflow cache still holds envelopes, the envelope goes to the cache so
// it cannot overtake older ones. Once the cache is full too it is dropped and
// counted.
func (b *ProcessBuffer) InsertCached(msg *core.RawMessage, inputID string) InsertResult {
	msg.Stamp(inputID, b.nodeID)
	if b.closed.Load() {
		b.drop("closed")
		return Dropped
	}
	if b.enabled.Load() && !b.overflowPending() && b.ring.TryPublish(msg) {
		b.metrics.Inserted.Add(1)
		return Inserted
	}
	if b.overflow == nil {
		b.drop("no_overflow_cache")
		return Dropped
	}
	ok, err := b.overflow.Add(msg)
	if err != nil {
		b.logger.Error("Failed to write to overflow cache", "message_id", msg.ID(), "error", err)
		b.drop("overflow_error")
		return Dropped
	}
	if !ok {
		b.drop("overflow_full")
		return Dropped
	}
	b.metrics.Cached.Add(1)
	return Cached
}

func (b *ProcessBuffer) overflowPending() bool {
	return b.overflow != nil && b.overflow.Len() > 0
}

// InsertFailFast returns ErrProcessingDisabled or ErrCapacityExceeded instead
// of caching or waiting.
func (b *ProcessBuffer) InsertFailFast(msg *core.RawMessage, inputID string) (InsertResult, error) {
	if !b.enabled.Load() {
		b.metrics.RejectedDisabled.Add(1)
		return RejectedDisabled, core.ErrProcessingDisabled
	}
	msg.Stamp(inputID, b.nodeID)
	if !b.ring.TryPublish(msg) {
		b.metrics.RejectedFull.Add(1)
		return RejectedFull, core.ErrCapacityExceeded
	}
	b.metrics.Inserted.Add(1)
	return Inserted, nil
}

func (b *ProcessBuffer) drop(reason string) {
	b.metrics.Dropped.Add(1)
	b.hookManager.Trigger(context.Background(), hooks.NewMessageDroppedEvent(hooks.MessageDroppedPayload{
		Stage:  "process",
		Reason: reason,
		Count:  1,
	}))
}

// TakeBatch returns up to max envelopes, ring first and then the overflow
// cache. It waits while processing is paused or nothing is available, and
// returns ringbuffer.ErrClosed once the buffer is closed and empty.
func (b *ProcessBuffer) TakeBatch(ctx context.Context, max int) ([]*core.RawMessage, error) {
	if max <= 0 {
		max = DefaultBatchSize
	}
	b.takeMu.Lock()
	defer b.takeMu.Unlock()
	for {
		if err := b.waitEnabled(ctx); err != nil {
			return nil, err
		}
		batch := b.ring.DrainTo(make([]*core.RawMessage, 0, max), max)
		if len(batch) < max && b.overflow != nil && !b.closed.Load() {
			cached, err := b.overflow.Drain(max - len(batch))
			if err != nil {
				b.logger.Error("Failed to drain overflow cache", "error", err)
			}
			batch = append(batch, cached...)
		}
		if len(batch) > 0 {
			return b.handOut(batch), nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, b.pollInterval)
		first, err := b.ring.Consume(pollCtx)
		cancel()
		if err == nil {
			batch = append(batch, first)
			batch = b.ring.DrainTo(batch, max-1)
			return b.handOut(batch), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ringbuffer.ErrClosed) {
			return nil, err
		}
	}
}

func (b *ProcessBuffer) handOut(batch []*core.RawMessage) []*core.RawMessage {
	b.commits.track(offsetsOf(batch))
	b.metrics.Taken.Add(int64(len(batch)))
	return batch
}

// Complete reports that a batch from TakeBatch was fully handled, whether or
// not every envelope decoded.
func (b *ProcessBuffer) Complete(batch []*core.RawMessage) {
	b.commits.complete(offsetsOf(batch))
	b.metrics.Completed.Add(int64(len(batch)))
}

func offsetsOf(batch []*core.RawMessage) []int64 {
	offsets := make([]int64, len(batch))
	for i, m := range batch {
		offsets[i] = m.JournalOffset()
	}
	return offsets
}

func (b *ProcessBuffer) waitEnabled(ctx context.Context) error {
	for {
		if b.enabled.Load() {
			return nil
		}
		b.stateMu.Lock()
		ch := b.resumed
		b.stateMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetProcessingEnabled pauses or resumes the downstream pipeline.
func (b *ProcessBuffer) SetProcessingEnabled(enabled bool) {
	b.stateMu.Lock()
	if b.enabled.Load() == enabled {
		b.stateMu.Unlock()
		return
	}
	var event hooks.HookEvent
	if enabled {
		b.enabled.Store(true)
		close(b.resumed)
		event = hooks.NewProcessingResumeEvent()
	} else {
		b.resumed = make(chan struct{})
		b.enabled.Store(false)
		event = hooks.NewProcessingPausedEvent()
	}
	b.stateMu.Unlock()
	b.logger.Info("Message processing state changed", "enabled", enabled)
	b.hookManager.Trigger(context.Background(), event)
}

func (b *ProcessBuffer) ProcessingEnabled() bool { return b.enabled.Load() }

func (b *ProcessBuffer) Len() int { return b.ring.Len() }

func (b *ProcessBuffer) Cap() int { return b.ring.Cap() }

func (b *ProcessBuffer) Overflow() *OverflowCache { return b.overflow }

func (b *ProcessBuffer) Metrics() *ProcessMetrics { return b.metrics }

// Vars returns an expvar map with the counters plus ring and cache gauges.
func (b *ProcessBuffer) Vars() *expvar.Map {
	m := b.metrics
	out := new(expvar.Map).Init()
	out.Set("inserted", m.Inserted)
	out.Set("cached", m.Cached)
	out.Set("dropped", m.Dropped)
	out.Set("rejected_full", m.RejectedFull)
	out.Set("rejected_disabled", m.RejectedDisabled)
	out.Set("taken", m.Taken)
	out.Set("completed", m.Completed)
	out.Set("ring_size", expvar.Func(func() any { return b.ring.Len() }))
	out.Set("outstanding_offsets", expvar.Func(func() any { return b.commits.outstanding() }))
	out.Set("processing_enabled", expvar.Func(func() any { return b.enabled.Load() }))
	if b.overflow != nil {
		out.Set("overflow_entries", expvar.Func(func() any { return b.overflow.Len() }))
		out.Set("overflow_bytes", expvar.Func(func() any { return b.overflow.SizeBytes() }))
	}
	return out
}

// Close stops further inserts. Buffered envelopes can still be taken. The
// overflow cache is closed.
func (b *ProcessBuffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.ring.Close()
	if b.overflow != nil {
		return b.overflow.Close()
	}
	return nil
}
