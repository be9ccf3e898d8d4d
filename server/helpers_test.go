package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/core"
	"github.com/stretchr/testify/require"
)

// recordingSink stands in for the input buffer.
type recordingSink struct {
	mu     sync.Mutex
	msgs   []*core.RawMessage
	reject error
}

func (s *recordingSink) Publish(ctx context.Context, msg *core.RawMessage) error {
	return s.add(msg)
}

func (s *recordingSink) TryPublish(msg *core.RawMessage) error {
	return s.add(msg)
}

func (s *recordingSink) add(msg *core.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != nil {
		return s.reject
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) setReject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = err
}

func (s *recordingSink) messages() []*core.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.RawMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// waitForMessages waits until the sink holds n envelopes.
func (s *recordingSink) waitForMessages(t *testing.T, n int) []*core.RawMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.messages()) >= n }, 5*time.Second, 10*time.Millisecond)
	return s.messages()
}

func newTestEmitter(t *testing.T, id, typ string, sink Sink, policy Backpressure) (*Emitter, *TransportMetrics) {
	t.Helper()
	metrics, err := NewTransportMetrics(nil)
	require.NoError(t, err)
	e, err := NewEmitter(InputDescriptor{ID: id, Type: typ, NodeID: "node-1"}, sink, policy, metrics, nil)
	require.NoError(t, err)
	return e, metrics
}

// runTransport starts tr and returns a func that stops it and waits for Start
// to return.
func runTransport(t *testing.T, tr Transport) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("transport did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}
