// Package journal implements the durable, offset-addressed message journal
// that sits between the input stage and the process stage.
//
// Entries are appended in batches to segment files named after the offset of
// their first entry. The highest offset handed off downstream is tracked in
// memory and periodically persisted to a plaintext sidecar; after a restart
// reading resumes right after it. Entries written but not committed before a
// crash are delivered again.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusingest/checkpoint"
	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/sys"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SyncMode defines when segment data is fsynced.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // after every write
	SyncInterval SyncMode = "interval" // on every flush tick
	SyncDisabled SyncMode = "disabled" // left to the OS; tests and benchmarks only
)

const (
	DefaultFlushInterval     = time.Second
	DefaultRetentionInterval = time.Minute
	DefaultMaxAge            = 12 * time.Hour
	DefaultMaxSize           = 5 * 1024 * 1024 * 1024
)

type Options struct {
	Dir            string
	MaxSegmentSize int64
	// MaxMessageSize bounds a single entry; larger entries are discarded and counted.
	MaxMessageSize int
	// MaxAge and MaxSize drive retention of fully committed segments. Zero disables.
	MaxAge  time.Duration
	MaxSize int64
	// FlushInterval is how often the committed offset is persisted.
	FlushInterval     time.Duration
	RetentionInterval time.Duration
	SyncMode          SyncMode
	Preallocate       bool
	// MaxDiskUtilization is a used-space percentage of the journal filesystem
	// above which the journal reports itself throttled. Zero disables the check.
	MaxDiskUtilization float64
	// Magic is written into every segment header. Defaults to the journal's.
	Magic uint32

	Metrics     *Metrics
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer
}

// Journal is safe for concurrent use. Read keeps a single read position and is
// meant to be driven by one consumer.
type Journal struct {
	opts        Options
	dir         string
	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
	metrics     *Metrics

	mu         sync.RWMutex
	segments   *segmentIndex
	active     *segment
	nextOffset int64

	readMu     sync.Mutex
	readOffset int64

	committed        atomic.Int64
	flushedCommitted atomic.Int64
	throttled        atomic.Bool

	unlock func() error
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func applyDefaults(opts *Options) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.DefaultSegmentSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = core.DefaultMaxMessageSize
	}
	if int64(opts.MaxMessageSize)+frameHeaderSize+batchHeaderSize+int64(core.FileHeaderSize) > opts.MaxSegmentSize {
		opts.MaxMessageSize = int(opts.MaxSegmentSize) - frameHeaderSize - batchHeaderSize - core.FileHeaderSize - 8
	}
	if opts.Magic == 0 {
		opts.Magic = core.JournalMagicNumber
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("journal")
	}
}

// Open creates or recovers the journal in opts.Dir. The directory is locked
// for the lifetime of the journal.
func Open(opts Options) (*Journal, error) {
	applyDefaults(&opts)
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}
	unlock, err := sys.LockDir(opts.Dir, core.JournalLockName)
	if err != nil {
		return nil, fmt.Errorf("failed to lock journal directory: %w", err)
	}

	j := &Journal{
		opts:        opts,
		dir:         opts.Dir,
		logger:      opts.Logger.With("component", "Journal"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
		segments:    newSegmentIndex(),
		unlock:      unlock,
		stopCh:      make(chan struct{}),
	}

	committed, found, err := checkpoint.Read(opts.Dir)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := j.loadSegments(committed); err != nil {
		j.closeSegments()
		unlock()
		return nil, err
	}

	logStart := j.segments.first().base
	if !found {
		committed = logStart - 1
	}
	j.committed.Store(committed)
	j.flushedCommitted.Store(committed)
	j.readOffset = committed + 1
	if committed >= j.nextOffset {
		j.logger.Error("Committed offset is beyond the end of the journal; reads will fail until the offset is reset",
			"committed", committed, "log_end", j.nextOffset)
	}

	j.logger.Info("Journal opened",
		"dir", j.dir,
		"segments", j.segments.len(),
		"log_start", logStart,
		"log_end", j.nextOffset,
		"committed", committed,
		"uncommitted", j.UncommittedEntries())

	if opts.FlushInterval > 0 || opts.RetentionInterval > 0 || opts.MaxDiskUtilization > 0 {
		j.wg.Add(1)
		go j.maintenanceLoop()
	}
	return j, nil
}

// loadSegments discovers segment files, validates them and prepares the
// active segment for appending.
func (j *Journal) loadSegments(committed int64) error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read journal directory %s: %w", j.dir, err)
	}
	var bases []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if base, err := core.ParseSegmentFileName(e.Name()); err == nil {
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(a, b int) bool { return bases[a] < bases[b] })

	var prev *segment
	for i, base := range bases {
		seg, corruptAt, err := openSegment(filepath.Join(j.dir, core.FormatSegmentFileName(base)), j.opts.Magic)
		if err != nil {
			return err
		}
		if prev != nil && seg.base < prev.nextOffset() {
			seg.close()
			return fmt.Errorf("segment %s overlaps the previous segment ending at %d", seg.path, prev.lastOffset())
		}
		if prev != nil && seg.base > prev.nextOffset() {
			j.logger.Warn("Gap between journal segments", "after", prev.lastOffset(), "next_base", seg.base)
		}
		if corruptAt >= 0 {
			if i == len(bases)-1 {
				j.logger.Warn("Truncating torn write at the end of the journal", "segment", seg.path, "position", corruptAt)
				if err := seg.truncate(corruptAt); err != nil {
					seg.close()
					return err
				}
			} else {
				j.logger.Error("Corrupt batch in sealed journal segment; later entries of this segment are unreadable",
					"segment", seg.path, "position", corruptAt, "last_good_offset", seg.lastOffset())
			}
		}
		j.segments.add(seg)
		prev = seg
	}

	if prev == nil {
		base := int64(0)
		if committed >= 0 {
			base = committed + 1
		}
		seg, err := createSegment(j.dir, j.opts.Magic, base, j.preallocSize())
		if err != nil {
			return err
		}
		j.segments.add(seg)
		prev = seg
	}
	j.active = prev
	j.nextOffset = prev.nextOffset()
	return nil
}

func (j *Journal) preallocSize() int64 {
	if !j.opts.Preallocate {
		return 0
	}
	return j.opts.MaxSegmentSize
}

// Write appends entries as one batch and returns the offset of the last one.
// Entries above MaxMessageSize are discarded. A batch larger than a whole
// segment is split across segments.
func (j *Journal) Write(ctx context.Context, entries []core.JournalEntry) (int64, error) {
	if j.closed.Load() {
		return 0, core.ErrJournalClosed
	}
	ctx, span := j.tracer.Start(ctx, "journal.Write")
	defer span.End()
	start := time.Now()

	accepted := make([]core.JournalEntry, 0, len(entries))
	for i := range entries {
		if len(entries[i].Payload) > j.opts.MaxMessageSize {
			j.metrics.EntriesDiscarded.Add(1)
			j.logger.Warn("Discarding journal entry larger than the maximum message size",
				"size", len(entries[i].Payload), "max", j.opts.MaxMessageSize)
			continue
		}
		accepted = append(accepted, entries[i])
	}

	if err := j.hookManager.Trigger(ctx, hooks.NewPreJournalWriteEvent(hooks.JournalWritePayload{Entries: &accepted})); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pre-write hook rejected batch")
		return 0, err
	}
	if len(accepted) == 0 {
		return j.LogEndOffset() - 1, nil
	}

	var rolls []hooks.SegmentRollPayload
	j.mu.Lock()
	first := j.nextOffset
	var written int64
	for _, chunk := range splitBatch(accepted, j.opts.MaxSegmentSize-int64(core.FileHeaderSize)) {
		frameSize := int64(encodedBatchSize(chunk))
		if j.active.size > int64(core.FileHeaderSize) && j.active.size+frameSize > j.opts.MaxSegmentSize {
			roll, err := j.roll()
			if err != nil {
				j.mu.Unlock()
				span.RecordError(err)
				return 0, err
			}
			rolls = append(rolls, roll)
		}
		last := j.nextOffset + int64(len(chunk)) - 1
		if err := j.active.append(encodeBatch(j.nextOffset, chunk), j.nextOffset, last); err != nil {
			j.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			return 0, err
		}
		j.nextOffset = last + 1
		written += frameSize
	}
	if j.opts.SyncMode == SyncAlways {
		if err := j.active.sync(); err != nil {
			j.mu.Unlock()
			span.RecordError(err)
			return 0, fmt.Errorf("failed to sync journal segment: %w", err)
		}
	}
	last := j.nextOffset - 1
	j.mu.Unlock()

	j.metrics.EntriesWritten.Add(int64(len(accepted)))
	j.metrics.BytesWritten.Add(written)
	j.metrics.WriteLatency.Observe(time.Since(start))
	span.SetAttributes(
		attribute.Int("journal.entries", len(accepted)),
		attribute.Int64("journal.first_offset", first),
		attribute.Int64("journal.last_offset", last),
	)

	for _, roll := range rolls {
		j.hookManager.Trigger(ctx, hooks.NewPostSegmentRollEvent(roll))
	}
	j.hookManager.Trigger(ctx, hooks.NewPostJournalWriteEvent(hooks.PostJournalWritePayload{
		FirstOffset: first,
		LastOffset:  last,
		Entries:     len(accepted),
		Bytes:       written,
	}))
	return last, nil
}

// splitBatch cuts entries into runs whose encoded frame fits in limit. A
// single entry always forms a run on its own.
func splitBatch(entries []core.JournalEntry, limit int64) [][]core.JournalEntry {
	if int64(encodedBatchSize(entries)) <= limit {
		return [][]core.JournalEntry{entries}
	}
	var out [][]core.JournalEntry
	start, size := 0, int64(frameHeaderSize+batchHeaderSize)
	for i := range entries {
		n := int64(entries[i].Size())
		if i > start && size+n > limit {
			out = append(out, entries[start:i])
			start, size = i, int64(frameHeaderSize+batchHeaderSize)
		}
		size += n
	}
	return append(out, entries[start:])
}

// roll seals the active segment and starts a new one. Must hold j.mu.
func (j *Journal) roll() (hooks.SegmentRollPayload, error) {
	if err := j.active.sync(); err != nil {
		return hooks.SegmentRollPayload{}, fmt.Errorf("failed to sync segment before roll: %w", err)
	}
	seg, err := createSegment(j.dir, j.opts.Magic, j.nextOffset, j.preallocSize())
	if err != nil {
		return hooks.SegmentRollPayload{}, err
	}
	prev := j.active.base
	j.segments.add(seg)
	j.active = seg
	j.metrics.SegmentsRolled.Add(1)
	j.logger.Debug("Rolled journal segment", "previous_base", prev, "new_base", seg.base)
	return hooks.SegmentRollPayload{PreviousBase: prev, NewBase: seg.base, Path: seg.path}, nil
}

// Read returns up to max entries starting at the read position and advances
// it past them. It never waits for data: an empty result means the reader has
// caught up. Reading an offset the journal no longer holds returns an
// *core.OffsetOutOfRangeError and leaves the position unchanged.
func (j *Journal) Read(max int) ([]core.ReadEntry, error) {
	if j.closed.Load() {
		return nil, core.ErrJournalClosed
	}
	if max <= 0 {
		return nil, nil
	}
	j.readMu.Lock()
	defer j.readMu.Unlock()

	out, err := j.readAt(j.readOffset, max)
	if len(out) > 0 {
		j.readOffset = out[len(out)-1].Offset + 1
		j.metrics.EntriesRead.Add(int64(len(out)))
		// A failure after some entries were read is reported by the next call.
		return out, nil
	}
	if err != nil {
		j.metrics.ReadErrors.Add(1)
		j.logger.Error("Journal read failed", "offset", j.readOffset, "error", err)
	}
	return nil, err
}

func (j *Journal) readAt(offset int64, max int) ([]core.ReadEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	logStart := j.segments.first().base
	logEnd := j.nextOffset
	if offset == logEnd {
		return nil, nil
	}
	if offset < logStart || offset > logEnd {
		return nil, &core.OffsetOutOfRangeError{Requested: offset, LogStart: logStart, LogEnd: logEnd}
	}

	var out []core.ReadEntry
	for len(out) < max && offset < logEnd {
		seg := j.segments.floor(offset)
		if seg == nil {
			return out, &core.OffsetOutOfRangeError{Requested: offset, LogStart: logStart, LogEnd: logEnd}
		}
		idx := seg.find(offset)
		if idx < 0 {
			// Lost to corruption or a gap between segments.
			return out, &core.OffsetOutOfRangeError{Requested: offset, LogStart: logStart, LogEnd: logEnd}
		}
		for ; idx < len(seg.batches) && len(out) < max; idx++ {
			batch, err := seg.readBatch(seg.batches[idx])
			if err != nil {
				return out, err
			}
			for _, e := range batch {
				if e.Offset < offset {
					continue
				}
				out = append(out, e)
				offset = e.Offset + 1
				if len(out) == max {
					break
				}
			}
		}
	}
	return out, nil
}

// ReadFrom moves the read position. Use it to skip ahead after an
// out-of-range failure; the journal never picks a substitute offset itself.
func (j *Journal) ReadFrom(offset int64) {
	j.readMu.Lock()
	j.readOffset = offset
	j.readMu.Unlock()
}

// NextReadOffset is the offset the next Read starts at.
func (j *Journal) NextReadOffset() int64 {
	j.readMu.Lock()
	defer j.readMu.Unlock()
	return j.readOffset
}

// MarkCommitted records offset as handed off downstream. The committed offset
// only moves forward and never past the last written entry.
func (j *Journal) MarkCommitted(offset int64) {
	if last := j.LogEndOffset() - 1; offset > last {
		j.logger.Warn("Ignoring commit beyond the last written offset", "offset", offset, "last_written", last)
		offset = last
	}
	for {
		cur := j.committed.Load()
		if offset <= cur {
			return
		}
		if j.committed.CompareAndSwap(cur, offset) {
			return
		}
	}
}

// ForceCommitted overwrites the committed offset, including moving it
// backwards, and persists it. Intended for operator tooling.
func (j *Journal) ForceCommitted(offset int64) error {
	j.committed.Store(offset)
	j.ReadFrom(offset + 1)
	if offset < 0 {
		// Nothing committed is recorded as a missing sidecar.
		if err := os.Remove(checkpoint.Path(j.dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to reset committed offset: %w", err)
		}
		j.flushedCommitted.Store(offset)
		return nil
	}
	return j.Flush()
}

func (j *Journal) Committed() int64 { return j.committed.Load() }

func (j *Journal) LogStartOffset() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.segments.first().base
}

// LogEndOffset is the offset the next written entry will get.
func (j *Journal) LogEndOffset() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.nextOffset
}

// UncommittedEntries counts written entries past the committed offset.
func (j *Journal) UncommittedEntries() int64 {
	n := j.LogEndOffset() - 1 - j.Committed()
	if n < 0 {
		return 0
	}
	return n
}

// Size is the total on-disk size of all segments.
func (j *Journal) Size() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var total int64
	for _, s := range j.segments.all() {
		total += s.size
	}
	return total
}

func (j *Journal) SegmentCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.segments.len()
}

func (j *Journal) Dir() string { return j.dir }

// IsThrottled reports whether the last disk check found the journal
// filesystem above MaxDiskUtilization.
func (j *Journal) IsThrottled() bool { return j.throttled.Load() }

// Flush syncs the active segment and persists the committed offset if it
// changed since the last flush.
func (j *Journal) Flush() error {
	j.mu.RLock()
	err := j.active.sync()
	j.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to sync journal segment: %w", err)
	}

	committed := j.committed.Load()
	if committed < 0 || committed == j.flushedCommitted.Load() {
		return nil
	}
	if err := checkpoint.Write(j.dir, committed); err != nil {
		return err
	}
	j.flushedCommitted.Store(committed)
	j.hookManager.Trigger(context.Background(), hooks.NewPostJournalCommitEvent(hooks.JournalCommitPayload{Offset: committed}))
	return nil
}

// Retain deletes sealed segments whose entries are all committed and that are
// older than MaxAge or push the journal over MaxSize. Segments are removed
// oldest first and only whole; the active segment is never removed.
func (j *Journal) Retain(now time.Time) (int, error) {
	committed := j.committed.Load()

	j.mu.Lock()
	all := j.segments.all()
	var total int64
	for _, s := range all {
		total += s.size
	}
	removed := make(map[int64]struct{})
	payload := hooks.RetentionPayload{}
	var firstErr error
	for _, s := range all {
		if s == j.active || s.lastOffset() > committed {
			break
		}
		expired := j.opts.MaxAge > 0 && now.Sub(s.modified) > j.opts.MaxAge
		oversize := j.opts.MaxSize > 0 && total > j.opts.MaxSize
		if !expired && !oversize {
			break
		}
		size := s.size
		if err := s.remove(); err != nil {
			firstErr = fmt.Errorf("failed to remove segment %s: %w", s.path, err)
			break
		}
		removed[s.base] = struct{}{}
		total -= size
		payload.RemovedBases = append(payload.RemovedBases, s.base)
		payload.FreedBytes += size
		if expired {
			payload.Reason = "age"
		} else {
			payload.Reason = "size"
		}
	}
	if len(removed) > 0 {
		j.segments = j.segments.without(removed)
	}
	j.mu.Unlock()

	if len(removed) > 0 {
		sys.SyncDir(j.dir)
		j.metrics.SegmentsRemoved.Add(int64(len(removed)))
		j.logger.Info("Removed journal segments", "count", len(removed), "reason", payload.Reason, "freed_bytes", payload.FreedBytes)
		j.hookManager.Trigger(context.Background(), hooks.NewPostRetentionEvent(payload))
	}
	return len(removed), firstErr
}

// checkDisk updates the throttled state from the filesystem's used percentage.
func (j *Journal) checkDisk() {
	if j.opts.MaxDiskUtilization <= 0 {
		return
	}
	usage, err := disk.Usage(j.dir)
	if err != nil {
		j.logger.Warn("Failed to read journal disk usage", "error", err)
		return
	}
	over := usage.UsedPercent >= j.opts.MaxDiskUtilization
	if was := j.throttled.Swap(over); was != over {
		if over {
			j.logger.Warn("Journal disk utilization above limit, throttling", "used_percent", usage.UsedPercent, "limit", j.opts.MaxDiskUtilization)
		} else {
			j.logger.Info("Journal disk utilization back under limit", "used_percent", usage.UsedPercent)
		}
	}
}

func (j *Journal) maintenanceLoop() {
	defer j.wg.Done()

	var flushC, retainC <-chan time.Time
	if j.opts.FlushInterval > 0 {
		t := time.NewTicker(j.opts.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	retention := j.opts.RetentionInterval
	if retention <= 0 && j.opts.MaxDiskUtilization > 0 {
		retention = DefaultRetentionInterval
	}
	if retention > 0 {
		t := time.NewTicker(retention)
		defer t.Stop()
		retainC = t.C
	}

	for {
		select {
		case <-j.stopCh:
			return
		case <-flushC:
			if err := j.Flush(); err != nil {
				j.logger.Error("Periodic journal flush failed", "error", err)
			}
		case now := <-retainC:
			if _, err := j.Retain(now); err != nil {
				j.logger.Error("Journal retention failed", "error", err)
			}
			j.checkDisk()
			j.hookManager.Trigger(context.Background(), hooks.NewJournalUsageEvent(hooks.JournalUsagePayload{
				Dir:         j.dir,
				SizeBytes:   j.Size(),
				MaxBytes:    j.opts.MaxSize,
				Uncommitted: j.UncommittedEntries(),
			}))
		}
	}
}

// Close stops background work, persists the committed offset and releases
// the directory lock.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(j.stopCh)
	j.wg.Wait()

	err := j.Flush()
	j.mu.Lock()
	if cerr := j.closeSegments(); cerr != nil && err == nil {
		err = cerr
	}
	j.mu.Unlock()
	if uerr := j.unlock(); uerr != nil && err == nil {
		err = uerr
	}
	j.logger.Info("Journal closed", "committed", j.committed.Load(), "log_end", j.nextOffset)
	return err
}

func (j *Journal) closeSegments() error {
	var firstErr error
	for _, s := range j.segments.all() {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
