package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/INLOpen/nexusingest/codecs/syslog"
	"github.com/INLOpen/nexusingest/core"
)

// SyslogInput receives syslog messages over TCP or UDP and publishes each
// one as a "syslog" envelope. Parsing happens downstream.
type SyslogInput struct {
	Transport
	emitter *Emitter
	maxSize int
	framing Framing
	logger  *slog.Logger
}

func NewSyslogTCPInput(opts InputOptions) (*SyslogInput, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if opts.Framing == "" {
		opts.Framing = FramingAuto
	}
	in := newSyslogInput(opts)
	t, err := NewTCPTransport(opts.tcpOptions(in.serveConn))
	if err != nil {
		return nil, err
	}
	in.Transport = t
	return in, nil
}

func NewSyslogUDPInput(opts InputOptions) (*SyslogInput, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	in := newSyslogInput(opts)
	t, err := NewUDPTransport(opts.udpOptions(in.handlePacket))
	if err != nil {
		return nil, err
	}
	in.Transport = t
	return in, nil
}

func newSyslogInput(opts InputOptions) *SyslogInput {
	return &SyslogInput{
		emitter: opts.Emitter,
		maxSize: opts.MaxMessageSize,
		framing: opts.Framing,
		logger:  opts.Logger.With("component", "SyslogInput", "input", opts.Emitter.Input().ID),
	}
}

func (in *SyslogInput) serveConn(ctx context.Context, conn net.Conn, remote *core.RemoteAddress) error {
	sc := newFrameScanner(conn, in.framing, in.maxSize)
	for sc.Scan() {
		frame := sc.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		if err := in.emit(ctx, bytes.Clone(frame), remote); err != nil {
			return err
		}
	}
	err := sc.Err()
	if err == nil || isClosedConn(err) {
		return nil
	}
	in.emitter.DecodeFailure(framingFailure(err), err)
	return err
}

func (in *SyslogInput) handlePacket(ctx context.Context, packet []byte, remote netip.AddrPort) {
	if len(packet) > in.maxSize {
		in.emitter.DecodeFailure("frame_too_large", ErrFrameTooLarge)
		return
	}
	payload := bytes.TrimRight(packet, "\r\n\x00")
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}
	if err := in.emit(ctx, payload, core.RemoteAddressFrom(remote)); err != nil && ctx.Err() == nil {
		in.logger.Warn("Failed to publish datagram", "remote_addr", remote, "error", err)
	}
}

// emit swallows rejections from a full buffer; they are already counted.
func (in *SyslogInput) emit(ctx context.Context, payload []byte, remote *core.RemoteAddress) error {
	err := in.emitter.Emit(ctx, syslog.Name, payload, remote)
	if err != nil && core.IsBackpressure(err) {
		return nil
	}
	return err
}

func framingFailure(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, bufio.ErrTooLong):
		return "frame_too_large"
	case errors.Is(err, ErrInvalidOctetCount):
		return "invalid_framing"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	default:
		return "read_error"
	}
}
