package stage

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/ringbuffer"
)

const DefaultInputRingSize = 65536

// Mode selects what the input buffer does with a drained envelope.
type Mode string

const (
	// ModeJournal writes each drain pass to the journal as one batch and
	// wakes the journal reader.
	ModeJournal Mode = "journal"
	// ModeDirect hands envelopes straight to the process buffer.
	ModeDirect Mode = "direct"
)

// DirectPolicy is how direct mode admits into the process buffer.
type DirectPolicy string

const (
	DirectBlocking DirectPolicy = "blocking"
	DirectCached   DirectPolicy = "cached"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeJournal:
		return ModeJournal, nil
	case ModeDirect:
		return ModeDirect, nil
	default:
		return "", fmt.Errorf("unknown input buffer mode %q", s)
	}
}

// JournalWriter is the write side of the journal.
type JournalWriter interface {
	Write(ctx context.Context, entries []core.JournalEntry) (int64, error)
}

type InputMetrics struct {
	Published        *expvar.Int
	Rejected         *expvar.Int
	Journaled        *expvar.Int
	EncodingFailures *expvar.Int
	WriteFailures    *expvar.Int
	Forwarded        *expvar.Int
}

func NewInputMetrics() *InputMetrics {
	return &InputMetrics{
		Published:        new(expvar.Int),
		Rejected:         new(expvar.Int),
		Journaled:        new(expvar.Int),
		EncodingFailures: new(expvar.Int),
		WriteFailures:    new(expvar.Int),
		Forwarded:        new(expvar.Int),
	}
}

type InputBufferOptions struct {
	RingSize     int
	WaitStrategy ringbuffer.WaitStrategy
	// Processors is the worker count in direct mode.
	Processors int
	// MaxBatch caps a journal batch; zero means the whole ring.
	MaxBatch     int
	Mode         Mode
	DirectPolicy DirectPolicy
	Journal      JournalWriter
	Signal       *Signal
	Process      *ProcessBuffer
	Metrics      *InputMetrics
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

// InputBuffer accepts envelopes from every transport connection.
type InputBuffer struct {
	ring         *ringbuffer.Ring[*core.RawMessage]
	mode         Mode
	directPolicy DirectPolicy
	journal      JournalWriter
	signal       *Signal
	process      *ProcessBuffer
	metrics      *InputMetrics
	logger       *slog.Logger
	hookManager  hooks.HookManager

	ordered *ringbuffer.OrderedProcessor[*core.RawMessage]
	pool    *ringbuffer.WorkerPool[*core.RawMessage]
	started atomic.Bool
}

func NewInputBuffer(opts InputBufferOptions) (*InputBuffer, error) {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultInputRingSize
	}
	if opts.WaitStrategy == nil {
		opts.WaitStrategy = ringbuffer.NewBlockingWait()
	}
	if opts.Processors <= 0 {
		opts.Processors = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeJournal
	}
	if opts.DirectPolicy == "" {
		opts.DirectPolicy = DirectBlocking
	}
	if opts.Metrics == nil {
		opts.Metrics = NewInputMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	switch opts.Mode {
	case ModeJournal:
		if opts.Journal == nil || opts.Signal == nil {
			return nil, errors.New("journal mode needs a journal and a signal")
		}
	case ModeDirect:
		if opts.Process == nil {
			return nil, errors.New("direct mode needs a process buffer")
		}
	default:
		return nil, fmt.Errorf("unknown input buffer mode %q", opts.Mode)
	}

	ring, err := ringbuffer.New[*core.RawMessage](opts.RingSize, opts.WaitStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to create input ring: %w", err)
	}
	b := &InputBuffer{
		ring:         ring,
		mode:         opts.Mode,
		directPolicy: opts.DirectPolicy,
		journal:      opts.Journal,
		signal:       opts.Signal,
		process:      opts.Process,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "InputBuffer", "mode", string(opts.Mode)),
		hookManager:  opts.HookManager,
	}
	if opts.Mode == ModeJournal {
		b.ordered, err = ringbuffer.NewOrderedProcessor(ring, opts.MaxBatch, opts.Logger, b.journalBatch)
	} else {
		b.pool, err = ringbuffer.NewWorkerPool(ring, opts.Processors, b.forwardDirect, opts.Logger)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *InputBuffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	if b.ordered != nil {
		b.ordered.Start(ctx)
	} else {
		b.pool.Start(ctx)
	}
	b.logger.Info("Input buffer started", "ring_size", b.ring.Cap())
}

// Publish adds msg, waiting while the ring is full.
func (b *InputBuffer) Publish(ctx context.Context, msg *core.RawMessage) error {
	if err := b.ring.Publish(ctx, msg); err != nil {
		return err
	}
	b.metrics.Published.Add(1)
	return nil
}

// TryPublish adds msg or returns ErrCapacityExceeded without waiting.
func (b *InputBuffer) TryPublish(msg *core.RawMessage) error {
	if b.ring.IsClosed() || !b.ring.TryPublish(msg) {
		b.metrics.Rejected.Add(1)
		return core.ErrCapacityExceeded
	}
	b.metrics.Published.Add(1)
	return nil
}

// journalBatch encodes one drain pass and writes it as a single journal
// batch. Envelopes that fail to encode are discarded.
func (b *InputBuffer) journalBatch(ctx context.Context, batch []*core.RawMessage) ([]*core.RawMessage, error) {
	entries := make([]core.JournalEntry, 0, len(batch))
	for _, msg := range batch {
		payload, err := msg.Encode()
		if err != nil {
			b.metrics.EncodingFailures.Add(1)
			b.logger.Error("Discarding envelope that cannot be encoded", "message", msg.String(), "error", err)
			continue
		}
		entries = append(entries, core.JournalEntry{Key: msg.JournalKey(), Payload: payload})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	// The write is not tied to ctx so a stop does not abandon a drained batch.
	if _, err := b.journal.Write(context.WithoutCancel(ctx), entries); err != nil {
		b.metrics.WriteFailures.Add(int64(len(entries)))
		b.hookManager.Trigger(ctx, hooks.NewMessageDroppedEvent(hooks.MessageDroppedPayload{
			Stage:  "input",
			Reason: "journal_write_failed",
			Count:  len(entries),
		}))
		return nil, fmt.Errorf("journal write of %d entries failed: %w", len(entries), err)
	}
	b.metrics.Journaled.Add(int64(len(entries)))
	b.signal.Add(len(entries))
	return nil, nil
}

func (b *InputBuffer) forwardDirect(ctx context.Context, msg *core.RawMessage) {
	if b.directPolicy == DirectCached {
		if r := b.process.InsertCached(msg, ""); r != Dropped {
			b.metrics.Forwarded.Add(1)
		}
		return
	}
	if err := b.process.Insert(ctx, msg, ""); err != nil {
		if !errors.Is(err, context.Canceled) {
			b.logger.Warn("Failed to forward envelope", "message_id", msg.ID(), "error", err)
		}
		return
	}
	b.metrics.Forwarded.Add(1)
}

func (b *InputBuffer) Len() int { return b.ring.Len() }

func (b *InputBuffer) Mode() Mode { return b.mode }

func (b *InputBuffer) Metrics() *InputMetrics { return b.metrics }

func (b *InputBuffer) Vars() *expvar.Map {
	m := b.metrics
	out := new(expvar.Map).Init()
	out.Set("published", m.Published)
	out.Set("rejected", m.Rejected)
	out.Set("journaled", m.Journaled)
	out.Set("encoding_failures", m.EncodingFailures)
	out.Set("write_failures", m.WriteFailures)
	out.Set("forwarded", m.Forwarded)
	out.Set("ring_size", expvar.Func(func() any { return b.ring.Len() }))
	return out
}

// Close stops accepting envelopes and waits until everything already in the
// ring has been journaled or forwarded.
func (b *InputBuffer) Close() {
	b.ring.Close()
	if !b.started.Load() {
		return
	}
	if b.ordered != nil {
		<-b.ordered.Done()
	} else {
		b.pool.Wait()
	}
}
