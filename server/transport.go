package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
	"github.com/INLOpen/nexusingest/stage"
)

// Transport receives bytes from the network and turns them into envelopes.
type Transport interface {
	Name() string
	Addr() net.Addr
	// Start serves until ctx is done, returning nil in that case.
	Start(ctx context.Context) error
}

// Sink is where envelopes go once a transport has framed them.
type Sink interface {
	Publish(ctx context.Context, msg *core.RawMessage) error
	TryPublish(msg *core.RawMessage) error
}

var _ Sink = (*stage.InputBuffer)(nil)

// Backpressure decides what a transport does when the sink is full.
type Backpressure string

const (
	// BackpressureBlock waits for room, which in turn stops reading from the
	// peer. Suited to stream transports whose senders retry.
	BackpressureBlock Backpressure = "block"
	// BackpressureDrop rejects the envelope and counts it.
	BackpressureDrop Backpressure = "drop"
)

func ParseBackpressure(s string) (Backpressure, error) {
	switch Backpressure(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackpressureBlock:
		return BackpressureBlock, nil
	case BackpressureDrop:
		return BackpressureDrop, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// InputDescriptor identifies the input an envelope arrived on.
type InputDescriptor struct {
	ID     string
	Type   string
	NodeID string
	// CodecConfig is attached to every envelope for the downstream codec.
	CodecConfig codecs.Config
}

// Emitter builds envelopes for one input and publishes them to the sink.
// It is shared by all connections of that input.
type Emitter struct {
	desc        InputDescriptor
	codecConfig []byte
	sink        Sink
	policy      Backpressure
	metrics     *TransportMetrics
	logger      *slog.Logger
}

func NewEmitter(desc InputDescriptor, sink Sink, policy Backpressure, metrics *TransportMetrics, logger *slog.Logger) (*Emitter, error) {
	if sink == nil {
		return nil, errors.New("emitter requires a sink")
	}
	if desc.ID == "" {
		return nil, errors.New("emitter requires an input id")
	}
	if policy == "" {
		policy = BackpressureBlock
	}
	if metrics == nil {
		var err error
		if metrics, err = NewTransportMetrics(nil); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Emitter{
		desc:        desc,
		codecConfig: desc.CodecConfig.Encode(),
		sink:        sink,
		policy:      policy,
		metrics:     metrics,
		logger:      logger.With("component", "Emitter", "input", desc.ID),
	}, nil
}

// Emit wraps payload in an envelope and publishes it. Empty payloads are
// ignored. With BackpressureDrop a full sink yields ErrCapacityExceeded.
func (e *Emitter) Emit(ctx context.Context, payloadType string, payload []byte, remote *core.RemoteAddress) error {
	if len(payload) == 0 {
		return nil
	}
	msg := core.NewRawMessage(payloadType, payload, remote)
	if e.codecConfig != nil {
		msg.SetCodecConfig(e.codecConfig)
	}
	msg.AddSourceNode(e.desc.NodeID, e.desc.ID)

	var err error
	if e.policy == BackpressureDrop {
		err = e.sink.TryPublish(msg)
	} else {
		err = e.sink.Publish(ctx, msg)
	}
	if err != nil {
		reason := "closed"
		switch {
		case core.IsBackpressure(err):
			reason = "full"
		case ctx.Err() != nil:
			reason = "shutdown"
		}
		e.metrics.Rejected.WithLabelValues(e.desc.ID, e.desc.Type, reason).Inc()
		return err
	}
	e.metrics.Messages.WithLabelValues(e.desc.ID, e.desc.Type).Inc()
	e.metrics.Bytes.WithLabelValues(e.desc.ID, e.desc.Type).Add(float64(len(payload)))
	return nil
}

// DecodeFailure counts a frame or packet the transport could not decode.
func (e *Emitter) DecodeFailure(reason string, err error) {
	e.metrics.DecodeFailures.WithLabelValues(e.desc.ID, e.desc.Type, reason).Inc()
	e.logger.Debug("Transport decode failure", "reason", reason, "error", err)
}

// ConnectionOpened tracks a stream connection; the returned func closes it.
func (e *Emitter) ConnectionOpened() func() {
	g := e.metrics.Connections.WithLabelValues(e.desc.ID, e.desc.Type)
	g.Inc()
	return g.Dec
}

func (e *Emitter) Input() InputDescriptor { return e.desc }

func (e *Emitter) Policy() Backpressure { return e.policy }

// remoteAddressOf converts a peer address. Addresses that are not IP based
// (pipes, unix sockets) yield nil.
func remoteAddressOf(addr net.Addr) *core.RemoteAddress {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return core.RemoteAddressFrom(a.AddrPort())
	case *net.UDPAddr:
		return core.RemoteAddressFrom(a.AddrPort())
	default:
		return nil
	}
}
