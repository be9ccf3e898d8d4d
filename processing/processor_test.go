package processing

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/codecs/syslog"
	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/hooks"
	"github.com/INLOpen/nexusingest/ringbuffer"
	"github.com/INLOpen/nexusingest/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// sliceSource hands out fixed batches and then reports itself closed.
type sliceSource struct {
	mu        sync.Mutex
	batches   [][]*core.RawMessage
	completed [][]*core.RawMessage
}

func (s *sliceSource) TakeBatch(ctx context.Context, max int) ([]*core.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, ringbuffer.ErrClosed
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *sliceSource) Complete(batch []*core.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, batch)
}

// collector is an Output that keeps everything it receives.
type collector struct {
	mu       sync.Mutex
	messages []*core.Message
	failures int
}

func (c *collector) Write(_ context.Context, messages []*core.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("output unavailable")
	}
	c.messages = append(c.messages, messages...)
	return nil
}

type mockOutput struct {
	mock.Mock
}

func (m *mockOutput) Write(ctx context.Context, messages []*core.Message) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

var (
	received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	peer     = &core.RemoteAddress{Addr: netip.MustParseAddr("198.51.100.7"), Port: 5514}
)

func envelope(payloadType, payload string, offset int64, remote *core.RemoteAddress) *core.RawMessage {
	raw := core.NewRawMessageAt(payloadType, []byte(payload), remote, received)
	raw.SetJournalOffset(offset)
	raw.Stamp("input-1", "node-a")
	return raw
}

func stubMessage(text, source string) func(raw *core.RawMessage) ([]*core.Message, error) {
	return func(raw *core.RawMessage) ([]*core.Message, error) {
		return []*core.Message{core.NewMessage(text, source, received.Add(-time.Minute))}, nil
	}
}

func newTestProcessor(t *testing.T, src Source, out Output, register func(r *Registry), mutate ...func(*ProcessorOptions)) *Processor {
	t.Helper()
	r := newTestRegistry(t)
	r.RegisterBuiltins(Shared{})
	if register != nil {
		register(r)
	}
	opts := ProcessorOptions{
		Source:        src,
		Registry:      r,
		Output:        out,
		NodeID:        "fallback-node",
		RetryInterval: time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewProcessor(opts)
	require.NoError(t, err)
	return p
}

func TestProcessor_DecodesAndStamps(t *testing.T) {
	line := `<165>1 2012-12-25T22:14:15.003Z mymachine.example.com evntslog - ID47 - An application event`
	src := &sliceSource{batches: [][]*core.RawMessage{{envelope(syslog.Name, line, 7, peer)}}}
	out := &collector{}
	p := newTestProcessor(t, src, out, nil)

	require.NoError(t, p.Run(context.Background()))

	require.Len(t, out.messages, 1)
	m := out.messages[0]
	assert.Equal(t, "mymachine.example.com", m.Source)
	assert.Equal(t, "input-1", m.GetField(core.FieldSourceInput))
	assert.Equal(t, "node-a", m.GetField(core.FieldSourceNode))
	assert.Equal(t, "198.51.100.7", m.GetField(core.FieldRemoteIP))
	assert.Equal(t, 5514, m.GetField(core.FieldRemotePort))
	assert.False(t, m.HasField(core.FieldRemoteHostname))
	assert.Equal(t, received, m.ReceiveTime)
	assert.Equal(t, int64(7), m.JournalOffset)
	require.Len(t, src.completed, 1)
}

func TestProcessor_SourceFallbacks(t *testing.T) {
	resolved := &core.RemoteAddress{Addr: peer.Addr, Port: 0, Hostname: "edge.example.com"}
	unstamped := core.NewRawMessageAt("stub", []byte("c"), nil, received)
	override := envelope("stub", "d", 4, peer)
	override.SetCodecConfig([]byte(`{"override_source":"forced"}`))
	batch := []*core.RawMessage{
		envelope("stub", "a", 1, peer),
		envelope("stub", "b", 2, resolved),
		unstamped,
		override,
	}
	src := &sliceSource{batches: [][]*core.RawMessage{batch}}
	out := &collector{}
	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("hello", "")))
	})

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, out.messages, 4)

	assert.Equal(t, "198.51.100.7", out.messages[0].Source)

	assert.Equal(t, "198.51.100.7", out.messages[1].Source)
	assert.Equal(t, "edge.example.com", out.messages[1].GetField(core.FieldRemoteHostname))
	assert.False(t, out.messages[1].HasField(core.FieldRemotePort))

	assert.Equal(t, "unknown", out.messages[2].Source)
	assert.Equal(t, "fallback-node", out.messages[2].GetField(core.FieldSourceNode))
	assert.False(t, out.messages[2].HasField(core.FieldSourceInput))

	assert.Equal(t, "forced", out.messages[3].Source)
}

func TestProcessor_FailuresAreCompleted(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	var failed []hooks.DecodeFailurePayload
	hm.Register(hooks.EventOnDecodeFailure, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		failed = append(failed, ev.Payload().(hooks.DecodeFailurePayload))
		return nil
	}))

	batch := []*core.RawMessage{
		envelope(syslog.Name, "no priority here", 1, peer),
		envelope("gelf", "{}", 2, peer),
		envelope("empty", "x", 3, peer),
		envelope("stub", "ok", 4, peer),
	}
	src := &sliceSource{batches: [][]*core.RawMessage{batch}}
	out := &collector{}

	r := newTestRegistry(t)
	r.RegisterBuiltins(Shared{})
	calls := 0
	r.Register("empty", countingFactory(&calls, stubMessage("  ", "host")))
	r.Register("stub", countingFactory(&calls, stubMessage("fine", "host")))
	p, err := NewProcessor(ProcessorOptions{Source: src, Registry: r, Output: out, HookManager: hm})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	require.Len(t, out.messages, 1)
	assert.Equal(t, "fine", out.messages[0].Message)
	require.Len(t, src.completed, 1)
	assert.Len(t, src.completed[0], 4, "failed envelopes are completed with the batch")

	m := p.Metrics()
	assert.Equal(t, int64(4), m.Envelopes.Value())
	assert.Equal(t, int64(2), m.DecodeFailures.Value())
	assert.Equal(t, int64(1), m.UnknownCodec.Value())
	assert.Equal(t, int64(1), m.Incomplete.Value())
	assert.Equal(t, int64(1), m.Messages.Value())

	require.Len(t, failed, 2)
	assert.Equal(t, int64(1), failed[0].Offset)
	assert.True(t, core.IsDecodeError(failed[0].Err))
	assert.ErrorIs(t, failed[1].Err, ErrUnknownPayloadType)
}

func TestProcessor_RetriesOutput(t *testing.T) {
	src := &sliceSource{batches: [][]*core.RawMessage{{envelope("stub", "a", 1, peer)}}}
	out := &collector{failures: 2}
	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("a", "host")))
	})

	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, out.messages, 1)
	assert.Len(t, src.completed, 1)
	assert.Equal(t, int64(2), p.Metrics().OutputRetries.Value())
	assert.Zero(t, p.Metrics().OutputFailures.Value())
}

func TestProcessor_GivesUpAfterMaxAttempts(t *testing.T) {
	src := &sliceSource{batches: [][]*core.RawMessage{
		{envelope("stub", "a", 1, peer)},
		{envelope("stub", "b", 2, peer)},
	}}
	attempts := 0
	out := OutputFunc(func(context.Context, []*core.Message) error {
		attempts++
		return errors.New("down")
	})
	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("a", "host")))
	}, func(o *ProcessorOptions) { o.MaxAttempts = 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Run(ctx)
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "gave up before the context expired")
	assert.Equal(t, 3, attempts)
	assert.Empty(t, src.completed)
	assert.Len(t, src.batches, 1, "the processor stops at the failed batch")
	assert.Equal(t, int64(2), p.Metrics().OutputRetries.Value())
	assert.Equal(t, int64(1), p.Metrics().OutputFailures.Value())
}

func TestProcessor_GivesUpAfterMaxRetryTime(t *testing.T) {
	src := &sliceSource{batches: [][]*core.RawMessage{{envelope("stub", "a", 1, peer)}}}
	out := OutputFunc(func(context.Context, []*core.Message) error { return errors.New("down") })
	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("a", "host")))
	}, func(o *ProcessorOptions) {
		o.MaxAttempts = 1 << 20
		o.MaxRetryTime = 50 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Error(t, p.Run(ctx))
	assert.NoError(t, ctx.Err())
	assert.Empty(t, src.completed)
	assert.Equal(t, int64(1), p.Metrics().OutputFailures.Value())
}

func TestProcessor_StopsWithoutCompletingUnwrittenBatch(t *testing.T) {
	src := &sliceSource{batches: [][]*core.RawMessage{{envelope("stub", "a", 1, peer)}}}
	out := OutputFunc(func(context.Context, []*core.Message) error { return errors.New("down") })
	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("a", "host")))
	}, func(o *ProcessorOptions) { o.MaxAttempts = 1 << 20 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.Empty(t, src.completed)
}

type recordingCommitter struct {
	mu   sync.Mutex
	last int64
}

func (c *recordingCommitter) MarkCommitted(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = offset
}

func (c *recordingCommitter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func TestProcessor_AdvancesCommitOffsetThroughProcessBuffer(t *testing.T) {
	committer := &recordingCommitter{last: -1}
	buf, err := stage.NewProcessBuffer(stage.ProcessBufferOptions{
		RingSize:     8,
		NodeID:       "node-a",
		Committer:    committer,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i, payload := range []string{"<13>1 2024-05-01T12:00:00Z h app - - - one", "garbage", "<13>1 2024-05-01T12:00:01Z h app - - - three"} {
		raw := core.NewRawMessageAt(syslog.Name, []byte(payload), peer, received)
		raw.SetJournalOffset(int64(10 + i))
		require.NoError(t, buf.Insert(ctx, raw, "syslog-tcp"))
	}

	out := &collector{}
	p := newTestProcessor(t, buf, out, nil)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return committer.value() == 12 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, buf.Close())
	require.NoError(t, <-done)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.messages, 2)
	assert.Equal(t, "syslog-tcp", out.messages[0].GetField(core.FieldSourceInput))
}

func TestProcessor_WritesOncePerBatch(t *testing.T) {
	src := &sliceSource{batches: [][]*core.RawMessage{
		{envelope("stub", "a", 1, peer)},
		{envelope("stub", "b", 2, peer)},
	}}
	out := &mockOutput{}
	single := mock.MatchedBy(func(ms []*core.Message) bool { return len(ms) == 1 && ms[0].Message == "decoded" })
	out.On("Write", mock.Anything, single).Return(nil).Twice()

	p := newTestProcessor(t, src, out, func(r *Registry) {
		calls := 0
		r.Register("stub", countingFactory(&calls, stubMessage("decoded", "host")))
	})
	require.NoError(t, p.Run(context.Background()))
	out.AssertExpectations(t)
	assert.Len(t, src.completed, 2)
}
