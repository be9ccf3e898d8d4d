package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/INLOpen/nexusingest/codecs/beats"
	"github.com/INLOpen/nexusingest/core"
)

const beatsReadBufferSize = 32 * 1024

// BeatsInput speaks the Lumberjack v2 protocol. Every event becomes a
// "beats" envelope; the window is acknowledged only after its events were
// accepted by the input buffer.
type BeatsInput struct {
	*TCPTransport
	emitter *Emitter
	decoder beats.DecoderOptions
	logger  *slog.Logger
}

func NewBeatsInput(opts InputOptions) (*BeatsInput, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	in := &BeatsInput{
		emitter: opts.Emitter,
		decoder: beats.DecoderOptions{
			StrictFrameTypes: opts.StrictFrameTypes,
			MaxPayloadSize:   opts.MaxMessageSize,
			Logger:           opts.Logger,
		},
		logger: opts.Logger.With("component", "BeatsInput", "input", opts.Emitter.Input().ID),
	}
	t, err := NewTCPTransport(opts.tcpOptions(in.serveConn))
	if err != nil {
		return nil, err
	}
	in.TCPTransport = t
	return in, nil
}

func (in *BeatsInput) serveConn(ctx context.Context, conn net.Conn, remote *core.RemoteAddress) error {
	dec := beats.NewDecoder(in.decoder)
	buf := make([]byte, beatsReadBufferSize)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			out, err := dec.Decode(buf[:n])
			if perr := in.publish(ctx, conn, remote, out); perr != nil {
				return perr
			}
			if err != nil {
				in.emitter.DecodeFailure(decodeFailure(err), err)
				return fmt.Errorf("closing beats connection: %w", err)
			}
		}
		if readErr != nil {
			if isClosedConn(readErr) {
				if dec.Buffered() > 0 {
					in.logger.Debug("Connection closed inside a frame", "remote_addr", conn.RemoteAddr(), "buffered", dec.Buffered())
				}
				return nil
			}
			return readErr
		}
	}
}

// publish hands the decoded events to the input buffer, then writes the
// acknowledgements.
func (in *BeatsInput) publish(ctx context.Context, conn net.Conn, remote *core.RemoteAddress, out beats.Output) error {
	for _, event := range out.Events {
		if err := in.emitter.Emit(ctx, beats.Name, event, remote); err != nil {
			// Not acknowledging makes the shipper resend the window.
			return fmt.Errorf("event not accepted: %w", err)
		}
	}
	if len(out.Acks) > 0 {
		if _, err := conn.Write(out.Acks); err != nil {
			return fmt.Errorf("writing beats ack: %w", err)
		}
	}
	return nil
}

func decodeFailure(err error) string {
	switch {
	case core.IsProtocolVersionMismatch(err):
		return "version_mismatch"
	case core.IsDecodeError(err):
		return "invalid_frame"
	default:
		return "read_error"
	}
}
