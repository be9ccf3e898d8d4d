package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/INLOpen/nexusingest/codecs/ipfix"
	"github.com/INLOpen/nexusingest/core"
)

// IPFIXInput receives IPFIX packets over UDP. Packets go through the
// aggregator, which holds data sets until their templates are known, and
// every self-contained bundle it releases becomes an "ipfix" envelope.
type IPFIXInput struct {
	*UDPTransport
	emitter    *Emitter
	aggregator *ipfix.Aggregator
	logger     *slog.Logger
}

// NewIPFIXInput creates the input. A single worker is used so that a
// template always reaches the aggregator before data that follows it.
func NewIPFIXInput(opts InputOptions, aggregator *ipfix.Aggregator) (*IPFIXInput, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if aggregator == nil {
		return nil, errors.New("ipfix input requires an aggregator")
	}
	opts.Workers = 1
	in := &IPFIXInput{
		emitter:    opts.Emitter,
		aggregator: aggregator,
		logger:     opts.Logger.With("component", "IPFIXInput", "input", opts.Emitter.Input().ID),
	}
	t, err := NewUDPTransport(opts.udpOptions(in.handlePacket))
	if err != nil {
		return nil, err
	}
	in.UDPTransport = t
	return in, nil
}

func (in *IPFIXInput) handlePacket(ctx context.Context, packet []byte, remote netip.AddrPort) {
	bundle, err := in.aggregator.Process(packet, remote)
	if err != nil {
		in.emitter.DecodeFailure(decodeFailure(err), err)
		if core.IsProtocolVersionMismatch(err) {
			in.logger.Warn("Dropping packet with unexpected protocol version", "remote_addr", remote, "error", err)
		}
		return
	}
	if bundle == nil {
		return
	}
	if err := in.emitter.Emit(ctx, ipfix.Name, bundle, core.RemoteAddressFrom(remote)); err != nil && !core.IsBackpressure(err) && ctx.Err() == nil {
		in.logger.Warn("Failed to publish IPFIX bundle", "remote_addr", remote, "error", err)
	}
}

func (in *IPFIXInput) Aggregator() *ipfix.Aggregator { return in.aggregator }
