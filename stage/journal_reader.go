package stage

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
)

const readErrorBackoff = time.Second

// JournalSource is the read side of the journal.
type JournalSource interface {
	Read(max int) ([]core.ReadEntry, error)
}

type JournalReaderOptions struct {
	Journal     JournalSource
	Signal      *Signal
	Process     *ProcessBuffer
	BatchSize   int
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// JournalReader is the single pump between the journal and the process
// buffer. It forwards with the blocking insert, so a full process buffer
// stalls it and the journal absorbs the backlog.
type JournalReader struct {
	journal     JournalSource
	signal      *Signal
	process     *ProcessBuffer
	batchSize   int
	logger      *slog.Logger
	hookManager hooks.HookManager

	Forwarded      *expvar.Int
	DecodeFailures *expvar.Int
	ReadErrors     *expvar.Int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJournalReader(opts JournalReaderOptions) (*JournalReader, error) {
	if opts.Journal == nil || opts.Signal == nil || opts.Process == nil {
		return nil, errors.New("journal reader needs a journal, a signal and a process buffer")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	return &JournalReader{
		journal:        opts.Journal,
		signal:         opts.Signal,
		process:        opts.Process,
		batchSize:      opts.BatchSize,
		logger:         opts.Logger.With("component", "JournalReader"),
		hookManager:    opts.HookManager,
		Forwarded:      new(expvar.Int),
		DecodeFailures: new(expvar.Int),
		ReadErrors:     new(expvar.Int),
		done:           make(chan struct{}),
	}, nil
}

// Run pumps until ctx is done or Stop is called, returning nil in both cases.
// A read below the retained range is returned as an error; the reader does
// not pick a substitute offset.
func (r *JournalReader) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("journal reader already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	defer close(r.done)

	r.logger.Info("Journal reader started", "batch_size", r.batchSize)
	defer r.logger.Info("Journal reader stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := r.journal.Read(r.batchSize)
		if err != nil {
			if core.IsOffsetOutOfRange(err) {
				r.logger.Error("Journal read offset is no longer retained, operator intervention required", "error", err)
				return fmt.Errorf("journal reader halted: %w", err)
			}
			r.ReadErrors.Add(1)
			r.logger.Error("Journal read failed", "error", err)
			if len(entries) == 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(readErrorBackoff):
				}
				continue
			}
		}
		if len(entries) == 0 {
			if _, err := r.signal.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		if err := r.forward(ctx, entries); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *JournalReader) forward(ctx context.Context, entries []core.ReadEntry) error {
	for _, e := range entries {
		msg, err := core.DecodeRawMessage(e.Payload)
		if err != nil {
			r.DecodeFailures.Add(1)
			r.logger.Warn("Skipping undecodable journal entry", "offset", e.Offset, "error", err)
			r.hookManager.Trigger(ctx, hooks.NewDecodeFailureEvent(hooks.DecodeFailurePayload{
				Codec:  "envelope",
				Offset: e.Offset,
				Err:    err,
			}))
			continue
		}
		msg.SetJournalOffset(e.Offset)
		if err := r.process.Insert(ctx, msg, ""); err != nil {
			return fmt.Errorf("failed to forward journal entry %d: %w", e.Offset, err)
		}
		r.Forwarded.Add(1)
	}
	return nil
}

// Stop interrupts Run and waits for it to return. Calling Stop on a reader
// that never ran is a no-op.
func (r *JournalReader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-r.done
}
