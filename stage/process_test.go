package stage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCommitter struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *recordingCommitter) MarkCommitted(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, offset)
}

func (c *recordingCommitter) last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offsets) == 0 {
		return -1
	}
	return c.offsets[len(c.offsets)-1]
}

func newTestProcessBuffer(t *testing.T, mutate func(*ProcessBufferOptions)) *ProcessBuffer {
	t.Helper()
	opts := ProcessBufferOptions{
		RingSize:     4,
		NodeID:       "node-1",
		PollInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := NewProcessBuffer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newMsg(payload string) *core.RawMessage {
	return core.NewRawMessage("raw", []byte(payload), nil)
}

func fill(t *testing.T, b *ProcessBuffer) {
	t.Helper()
	for i := 0; i < b.Cap(); i++ {
		_, err := b.InsertFailFast(newMsg("fill"), "in")
		require.NoError(t, err)
	}
}

func TestProcessBuffer_InsertStampsProvenance(t *testing.T) {
	b := newTestProcessBuffer(t, nil)
	msg := newMsg("a")
	msg.AddSourceNode("edge-node", "edge-input")

	require.NoError(t, b.Insert(context.Background(), msg, ""))
	assert.Equal(t, "edge-input", msg.SourceInputID())
	assert.Equal(t, "node-1", msg.ReceivingNodeID())

	other := newMsg("b")
	assert.Equal(t, Inserted, b.InsertCached(other, "syslog-udp"))
	assert.Equal(t, "syslog-udp", other.SourceInputID())
}

func TestProcessBuffer_CachedInsertWhilePausedGoesToOverflow(t *testing.T) {
	cache := openOverflow(t, t.TempDir(), 0)
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) { o.Overflow = cache })
	b.SetProcessingEnabled(false)

	for i := 0; i < 3; i++ {
		assert.Equal(t, Cached, b.InsertCached(newMsg("x"), "in"))
	}
	assert.Zero(t, b.Len(), "nothing may reach the ring while paused")
	assert.Equal(t, int64(3), cache.Len())
	assert.Equal(t, int64(3), b.Metrics().Cached.Value())
}

func TestProcessBuffer_CachedInsertDropsWhenRingAndCacheFull(t *testing.T) {
	cache := openOverflow(t, t.TempDir(), 1)
	dropped := make(chan hooks.MessageDroppedPayload, 1)
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventOnMessageDropped, hooks.ListenerFunc(func(ctx context.Context, e hooks.HookEvent) error {
		dropped <- e.Payload().(hooks.MessageDroppedPayload)
		return nil
	}))
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) {
		o.Overflow = cache
		o.HookManager = hm
	})
	fill(t, b)

	done := make(chan InsertResult, 1)
	go func() { done <- b.InsertCached(newMsg("late"), "in") }()
	select {
	case r := <-done:
		assert.Equal(t, Dropped, r)
	case <-time.After(time.Second):
		t.Fatal("cached insert blocked")
	}
	assert.Equal(t, int64(1), b.Metrics().Dropped.Value())
	p := <-dropped
	assert.Equal(t, "overflow_full", p.Reason)
	assert.Equal(t, "process", p.Stage)
}

func TestProcessBuffer_FailFast(t *testing.T) {
	b := newTestProcessBuffer(t, nil)
	fill(t, b)

	r, err := b.InsertFailFast(newMsg("x"), "in")
	assert.Equal(t, RejectedFull, r)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	b.SetProcessingEnabled(false)
	r, err = b.InsertFailFast(newMsg("x"), "in")
	assert.Equal(t, RejectedDisabled, r)
	assert.ErrorIs(t, err, core.ErrProcessingDisabled)
	assert.True(t, core.IsBackpressure(err))
}

func TestProcessBuffer_BlockingInsertWaitsForSpace(t *testing.T) {
	b := newTestProcessBuffer(t, nil)
	fill(t, b)

	inserted := make(chan error, 1)
	go func() { inserted <- b.Insert(context.Background(), newMsg("blocked"), "in") }()
	select {
	case <-inserted:
		t.Fatal("insert into a full ring returned early")
	case <-time.After(30 * time.Millisecond):
	}

	batch, err := b.TakeBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	select {
	case err := <-inserted:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("insert did not resume after space freed")
	}
}

func TestProcessBuffer_TakeBatchWaitsWhilePaused(t *testing.T) {
	b := newTestProcessBuffer(t, nil)
	require.NoError(t, b.Insert(context.Background(), newMsg("a"), "in"))
	b.SetProcessingEnabled(false)
	assert.False(t, b.ProcessingEnabled())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := b.TakeBatch(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.SetProcessingEnabled(true)
	batch, err := b.TakeBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestProcessBuffer_TakeBatchTopsUpFromOverflow(t *testing.T) {
	cache := openOverflow(t, t.TempDir(), 0)
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) { o.Overflow = cache })
	require.NoError(t, b.Insert(context.Background(), newMsg("ring"), "in"))
	b.SetProcessingEnabled(false)
	for i := 0; i < 3; i++ {
		require.Equal(t, Cached, b.InsertCached(newMsg(fmt.Sprintf("cached-%d", i)), "in"))
	}
	b.SetProcessingEnabled(true)

	batch, err := b.TakeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	assert.Equal(t, "ring", string(batch[0].Payload()))
	for i, m := range batch[1:] {
		assert.Equal(t, fmt.Sprintf("cached-%d", i), string(m.Payload()))
		assert.Equal(t, "node-1", m.ReceivingNodeID())
	}
	assert.Zero(t, cache.Len())
}

func TestProcessBuffer_CachedInsertKeepsArrivalOrder(t *testing.T) {
	cache := openOverflow(t, t.TempDir(), 0)
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) { o.Overflow = cache })
	b.SetProcessingEnabled(false)
	require.Equal(t, Cached, b.InsertCached(newMsg("first"), "in"))
	b.SetProcessingEnabled(true)

	// The ring has room, but the cache still holds an older envelope.
	assert.Equal(t, Cached, b.InsertCached(newMsg("second"), "in"))
	assert.Zero(t, b.Len())

	batch, err := b.TakeBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", string(batch[0].Payload()))
	assert.Equal(t, "second", string(batch[1].Payload()))

	// With the cache empty again the ring takes new envelopes.
	assert.Equal(t, Inserted, b.InsertCached(newMsg("third"), "in"))
}

func TestProcessBuffer_TakeBatchAfterClose(t *testing.T) {
	b := newTestProcessBuffer(t, nil)
	require.NoError(t, b.Insert(context.Background(), newMsg("a"), "in"))
	require.NoError(t, b.Close())

	batch, err := b.TakeBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	_, err = b.TakeBatch(context.Background(), 10)
	assert.ErrorIs(t, err, ringbuffer.ErrClosed)
	assert.Equal(t, Dropped, b.InsertCached(newMsg("late"), "in"))
}

func TestProcessBuffer_CompleteCommitsInOrder(t *testing.T) {
	committer := &recordingCommitter{}
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) {
		o.RingSize = 16
		o.Committer = committer
	})
	for i := 0; i < 6; i++ {
		msg := newMsg("x")
		msg.SetJournalOffset(int64(i))
		require.NoError(t, b.Insert(context.Background(), msg, "in"))
	}
	first, err := b.TakeBatch(context.Background(), 3)
	require.NoError(t, err)
	second, err := b.TakeBatch(context.Background(), 3)
	require.NoError(t, err)

	b.Complete(second)
	assert.Equal(t, int64(-1), committer.last(), "offsets 0..2 are still outstanding")

	b.Complete(first)
	assert.Equal(t, int64(5), committer.last())
}

func TestProcessBuffer_UnjournaledEnvelopesAreNotTracked(t *testing.T) {
	committer := &recordingCommitter{}
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) { o.Committer = committer })
	require.NoError(t, b.Insert(context.Background(), newMsg("x"), "in"))

	batch, err := b.TakeBatch(context.Background(), 10)
	require.NoError(t, err)
	b.Complete(batch)
	assert.Equal(t, int64(-1), committer.last())
}

func TestProcessBuffer_PauseResumeHooks(t *testing.T) {
	var mu sync.Mutex
	var events []hooks.EventType
	hm := hooks.NewHookManager(nil)
	record := hooks.ListenerFunc(func(ctx context.Context, e hooks.HookEvent) error {
		mu.Lock()
		events = append(events, e.Type())
		mu.Unlock()
		return nil
	})
	hm.Register(hooks.EventOnProcessingPaused, record)
	hm.Register(hooks.EventOnProcessingResume, record)
	b := newTestProcessBuffer(t, func(o *ProcessBufferOptions) { o.HookManager = hm })

	b.SetProcessingEnabled(false)
	b.SetProcessingEnabled(false)
	b.SetProcessingEnabled(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []hooks.EventType{hooks.EventOnProcessingPaused, hooks.EventOnProcessingResume}, events)
}

func TestInsertResult_String(t *testing.T) {
	assert.Equal(t, "cached", Cached.String())
	assert.Equal(t, "rejected_full", RejectedFull.String())
	assert.Equal(t, "InsertResult(42)", InsertResult(42).String())
}
