package journal

import (
	"expvar"

	"github.com/INLOpen/nexusingest/core"
)

// Metrics holds the journal's counters. The vars are created unpublished so
// several journals can coexist in one process; Publish attaches them to a map.
type Metrics struct {
	EntriesWritten   *expvar.Int
	BytesWritten     *expvar.Int
	EntriesRead      *expvar.Int
	EntriesDiscarded *expvar.Int
	ReadErrors       *expvar.Int
	SegmentsRolled   *expvar.Int
	SegmentsRemoved  *expvar.Int
	WriteLatency     *core.LatencyDigest
}

func NewMetrics() *Metrics {
	return &Metrics{
		EntriesWritten:   new(expvar.Int),
		BytesWritten:     new(expvar.Int),
		EntriesRead:      new(expvar.Int),
		EntriesDiscarded: new(expvar.Int),
		ReadErrors:       new(expvar.Int),
		SegmentsRolled:   new(expvar.Int),
		SegmentsRemoved:  new(expvar.Int),
		WriteLatency:     core.NewLatencyDigest(),
	}
}

// Publish returns an expvar map with the counters plus live gauges read from j.
func (m *Metrics) Publish(j *Journal) *expvar.Map {
	out := new(expvar.Map).Init()
	out.Set("entries_written", m.EntriesWritten)
	out.Set("bytes_written", m.BytesWritten)
	out.Set("entries_read", m.EntriesRead)
	out.Set("entries_discarded", m.EntriesDiscarded)
	out.Set("read_errors", m.ReadErrors)
	out.Set("segments_rolled", m.SegmentsRolled)
	out.Set("segments_removed", m.SegmentsRemoved)
	out.Set("write_latency_ms", m.WriteLatency.Var())
	out.Set("uncommitted_entries", expvar.Func(func() any { return j.UncommittedEntries() }))
	out.Set("committed_offset", expvar.Func(func() any { return j.Committed() }))
	out.Set("log_start_offset", expvar.Func(func() any { return j.LogStartOffset() }))
	out.Set("log_end_offset", expvar.Func(func() any { return j.LogEndOffset() }))
	out.Set("size_bytes", expvar.Func(func() any { return j.Size() }))
	out.Set("segments", expvar.Func(func() any { return j.SegmentCount() }))
	out.Set("throttled", expvar.Func(func() any { return j.IsThrottled() }))
	return out
}
