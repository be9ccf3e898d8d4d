package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

const defaultMaxMessageSize = 64 * 1024

// InputOptions configures a network input. Stream-only and datagram-only
// fields are ignored by the other kind.
type InputOptions struct {
	Address string
	// Listener and PacketConn replace listening on Address, mainly for tests.
	Listener   net.Listener
	PacketConn *net.UDPConn
	Emitter    *Emitter

	MaxMessageSize  int
	MaxConnections  int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Framing         Framing
	// StrictFrameTypes rejects unknown Beats frame types.
	StrictFrameTypes bool

	Workers            int
	QueueSize          int
	ReceiveBufferBytes int

	Logger *slog.Logger
}

func (o *InputOptions) applyDefaults() error {
	if o.Emitter == nil {
		return errors.New("input requires an emitter")
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

func (o *InputOptions) tcpOptions(handler ConnHandler) TCPTransportOptions {
	return TCPTransportOptions{
		Name:            o.Emitter.Input().ID,
		Address:         o.Address,
		Listener:        o.Listener,
		MaxConnections:  o.MaxConnections,
		IdleTimeout:     o.IdleTimeout,
		ShutdownTimeout: o.ShutdownTimeout,
		Handler:         handler,
		OnConnection:    o.Emitter.ConnectionOpened,
		Logger:          o.Logger,
	}
}

func (o *InputOptions) udpOptions(handler PacketHandler) UDPTransportOptions {
	return UDPTransportOptions{
		Name:               o.Emitter.Input().ID,
		Address:            o.Address,
		Conn:               o.PacketConn,
		Workers:            o.Workers,
		QueueSize:          o.QueueSize,
		MaxPacketSize:      defaultMaxPacketSize,
		ReceiveBufferBytes: o.ReceiveBufferBytes,
		Handler:            handler,
		Logger:             o.Logger,
	}
}
