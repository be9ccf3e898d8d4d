package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusingest/compressors"
	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/journal"
)

const defaultOverflowSegmentSize = 16 * 1024 * 1024

type OverflowOptions struct {
	Dir string
	// MaxSize bounds the bytes waiting in the cache. Zero means unbounded.
	MaxSize        int64
	MaxSegmentSize int64
	Compression    string
	Logger         *slog.Logger
}

// OverflowCache is the process stage's disk spill area. It is a journal of
// its own whose entries are compressed envelopes; drained entries are
// committed and whole drained segments are deleted.
type OverflowCache struct {
	j          *journal.Journal
	compressor core.Compressor
	maxSize    int64
	logger     *slog.Logger

	mu      sync.Mutex
	pending atomic.Int64
}

func NewOverflowCache(opts OverflowOptions) (*OverflowCache, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = defaultOverflowSegmentSize
	}
	compressor, err := compressors.ByName(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("overflow cache: %w", err)
	}
	logger := opts.Logger.With("component", "OverflowCache")
	// MaxSize 1 lets every fully drained sealed segment go on the next Retain.
	j, err := journal.Open(journal.Options{
		Dir:            opts.Dir,
		MaxSegmentSize: opts.MaxSegmentSize,
		MaxSize:        1,
		SyncMode:       journal.SyncDisabled,
		Magic:          core.OverflowMagicNumber,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open overflow cache in %s: %w", opts.Dir, err)
	}
	c := &OverflowCache{
		j:          j,
		compressor: compressor,
		maxSize:    opts.MaxSize,
		logger:     logger,
	}
	if j.UncommittedEntries() > 0 {
		// Sizes of entries left from a previous run are unknown; assume the
		// whole directory is still pending.
		c.pending.Store(j.Size())
		logger.Info("Recovered overflow cache", "entries", j.UncommittedEntries(), "size_bytes", j.Size())
	}
	return c, nil
}

// Add stores msg. It returns false, without error, when the cache is full.
func (c *OverflowCache) Add(msg *core.RawMessage) (bool, error) {
	encoded, err := msg.Encode()
	if err != nil {
		return false, err
	}
	compressed, err := c.compressor.Compress(encoded)
	if err != nil {
		return false, fmt.Errorf("failed to compress envelope %s: %w", msg.ID(), err)
	}
	entry := core.JournalEntry{Key: msg.JournalKey(), Payload: compressed}

	c.mu.Lock()
	defer c.mu.Unlock()
	size := int64(entry.Size())
	if c.maxSize > 0 && c.pending.Load()+size > c.maxSize {
		return false, nil
	}
	if _, err := c.j.Write(context.Background(), []core.JournalEntry{entry}); err != nil {
		return false, fmt.Errorf("failed to write overflow entry: %w", err)
	}
	c.pending.Add(size)
	return true, nil
}

// Drain removes up to max envelopes in insertion order. Entries that no
// longer decode are logged and skipped.
func (c *OverflowCache) Drain(max int) ([]*core.RawMessage, error) {
	if max <= 0 || c.j.UncommittedEntries() == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.j.Read(max)
	if err != nil {
		return nil, fmt.Errorf("failed to read overflow cache: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]*core.RawMessage, 0, len(entries))
	var freed int64
	for _, e := range entries {
		freed += int64(core.JournalEntry{Key: e.Key, Payload: e.Payload}.Size())
		msg, err := c.decode(e.Payload)
		if err != nil {
			c.logger.Warn("Skipping undecodable overflow entry", "offset", e.Offset, "error", err)
			continue
		}
		out = append(out, msg)
	}
	c.j.MarkCommitted(entries[len(entries)-1].Offset)
	if c.pending.Add(-freed) < 0 || c.j.UncommittedEntries() == 0 {
		c.pending.Store(0)
	}
	if _, err := c.j.Retain(timeNow()); err != nil {
		c.logger.Warn("Failed to remove drained overflow segments", "error", err)
	}
	return out, nil
}

func (c *OverflowCache) decode(payload []byte) (*core.RawMessage, error) {
	rc, err := c.compressor.Decompress(payload)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return core.DecodeRawMessage(data)
}

// Len is the number of envelopes waiting in the cache.
func (c *OverflowCache) Len() int64 { return c.j.UncommittedEntries() }

// SizeBytes is the pending byte count checked against MaxSize.
func (c *OverflowCache) SizeBytes() int64 { return c.pending.Load() }

func (c *OverflowCache) Close() error {
	return c.j.Close()
}
