package server

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_BuildsEnvelope(t *testing.T) {
	sink := &recordingSink{}
	metrics, err := NewTransportMetrics(nil)
	require.NoError(t, err)
	e, err := NewEmitter(InputDescriptor{
		ID:          "syslog-tcp",
		Type:        "syslog_tcp",
		NodeID:      "node-1",
		CodecConfig: codecs.Config{"store_full_message": true},
	}, sink, BackpressureBlock, metrics, nil)
	require.NoError(t, err)

	remote := core.RemoteAddressFrom(netip.MustParseAddrPort("192.0.2.10:514"))
	require.NoError(t, e.Emit(context.Background(), "syslog", []byte("<13>hello"), remote))

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "syslog", msg.PayloadType())
	assert.Equal(t, []byte("<13>hello"), msg.Payload())
	assert.Equal(t, remote, msg.RemoteAddress())
	assert.Equal(t, []core.SourceNode{{NodeID: "node-1", InputID: "syslog-tcp"}}, msg.SourceNodes())

	cfg, err := codecs.ParseConfig(msg.CodecConfig())
	require.NoError(t, err)
	assert.True(t, cfg.Bool("store_full_message", false))

	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.Messages.WithLabelValues("syslog-tcp", "syslog_tcp")))
	assert.Equal(t, 9.0, promtestutil.ToFloat64(metrics.Bytes.WithLabelValues("syslog-tcp", "syslog_tcp")))
}

func TestEmitter_SkipsEmptyPayload(t *testing.T) {
	sink := &recordingSink{}
	e, _ := newTestEmitter(t, "in", "syslog_udp", sink, BackpressureDrop)
	require.NoError(t, e.Emit(context.Background(), "syslog", nil, nil))
	assert.Empty(t, sink.messages())
}

func TestEmitter_CountsRejects(t *testing.T) {
	sink := &recordingSink{}
	sink.setReject(core.ErrCapacityExceeded)
	e, metrics := newTestEmitter(t, "in", "syslog_udp", sink, BackpressureDrop)

	err := e.Emit(context.Background(), "syslog", []byte("x"), nil)
	require.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.Rejected.WithLabelValues("in", "syslog_udp", "full")))
	assert.Zero(t, promtestutil.ToFloat64(metrics.Messages.WithLabelValues("in", "syslog_udp")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.setReject(context.Canceled)
	require.Error(t, e.Emit(ctx, "syslog", []byte("x"), nil))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.Rejected.WithLabelValues("in", "syslog_udp", "shutdown")))
}

func TestEmitter_ConnectionGauge(t *testing.T) {
	e, metrics := newTestEmitter(t, "beats", "beats_tcp", &recordingSink{}, BackpressureBlock)
	closeA := e.ConnectionOpened()
	closeB := e.ConnectionOpened()
	gauge := metrics.Connections.WithLabelValues("beats", "beats_tcp")
	assert.Equal(t, 2.0, promtestutil.ToFloat64(gauge))
	closeA()
	closeB()
	assert.Zero(t, promtestutil.ToFloat64(gauge))
}

func TestNewEmitter_Validation(t *testing.T) {
	_, err := NewEmitter(InputDescriptor{ID: "x"}, nil, BackpressureBlock, nil, nil)
	assert.Error(t, err)
	_, err = NewEmitter(InputDescriptor{}, &recordingSink{}, BackpressureBlock, nil, nil)
	assert.Error(t, err)

	e, err := NewEmitter(InputDescriptor{ID: "x"}, &recordingSink{}, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, e.Policy())
}

func TestParseBackpressure(t *testing.T) {
	p, err := ParseBackpressure("drop")
	require.NoError(t, err)
	assert.Equal(t, BackpressureDrop, p)
	p, err = ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, p)
	_, err = ParseBackpressure("spill")
	assert.Error(t, err)
}

func TestTransportMetrics_RegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewTransportMetrics(reg)
	require.NoError(t, err)
	_, err = NewTransportMetrics(reg)
	assert.Error(t, err)
}

func TestRemoteAddressOf(t *testing.T) {
	tcp := remoteAddressOf(&net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 601})
	require.NotNil(t, tcp)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), tcp.Addr)
	assert.Equal(t, uint16(601), tcp.Port)

	udp := remoteAddressOf(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 514})
	require.NotNil(t, udp)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), udp.Addr)

	assert.Nil(t, remoteAddressOf(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
}
