package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawMessage_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 30, 45, 123456789, time.UTC)
	remote := &RemoteAddress{Addr: netip.MustParseAddr("10.0.0.7"), Port: 5044, Hostname: "beats01"}
	msg := NewRawMessageAt("beats", []byte(`{"message":"hello"}`), remote, ts)
	msg.SetCodecConfig([]byte(`{"no_beats_prefix":true}`))
	msg.AddSourceNode("node-1", "input-1")

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRawMessage(encoded)
	require.NoError(t, err)

	assert.Equal(t, msg.ID(), decoded.ID())
	assert.Equal(t, msg.Payload(), decoded.Payload())
	assert.Equal(t, msg.PayloadType(), decoded.PayloadType())
	assert.Equal(t, ts.UnixMilli(), decoded.Timestamp().UnixMilli())
	assert.True(t, decoded.Timestamp().Equal(msg.Timestamp()))
	assert.Equal(t, OffsetUnassigned, decoded.JournalOffset())

	require.NotNil(t, decoded.RemoteAddress())
	assert.Equal(t, remote.Addr, decoded.RemoteAddress().Addr)
	assert.Equal(t, remote.Port, decoded.RemoteAddress().Port)
	assert.True(t, decoded.RemoteAddress().Resolved())
	assert.Equal(t, msg.CodecConfig(), decoded.CodecConfig())
	assert.Equal(t, []SourceNode{{NodeID: "node-1", InputID: "input-1"}}, decoded.SourceNodes())
}

func TestRawMessage_RoundTripIPv6WithoutHostname(t *testing.T) {
	remote := RemoteAddressFrom(netip.MustParseAddrPort("[2001:db8::1]:514"))
	msg := NewRawMessage("syslog", []byte("<134>Jan  1 00:00:00 host msg"), remote)

	encoded, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := DecodeRawMessage(encoded)
	require.NoError(t, err)

	require.NotNil(t, decoded.RemoteAddress())
	assert.False(t, decoded.RemoteAddress().Resolved())
	assert.Equal(t, "[2001:db8::1]:514", decoded.RemoteAddress().String())
}

func TestRawMessage_IDsAreTimeOrdered(t *testing.T) {
	first := NewRawMessage("raw", []byte("a"), nil)
	time.Sleep(2 * time.Millisecond)
	second := NewRawMessage("raw", []byte("b"), nil)

	assert.Equal(t, uuid.Version(7), first.ID().Version())
	assert.Less(t, first.ID().String(), second.ID().String())
}

func TestNewRawMessage_InvariantViolationsPanic(t *testing.T) {
	assert.Panics(t, func() { NewRawMessage("", []byte("x"), nil) })
	assert.Panics(t, func() { NewRawMessage("raw", nil, nil) })
	assert.Panics(t, func() { NewRawMessage("raw", []byte{}, nil) })
}

func TestRawMessage_EncodeZeroValue(t *testing.T) {
	var msg RawMessage
	_, err := msg.Encode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingFailure)
}

func TestDecodeRawMessage_Malformed(t *testing.T) {
	_, err := DecodeRawMessage([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))

	msg := NewRawMessage("raw", []byte("payload"), nil)
	encoded, err := msg.Encode()
	require.NoError(t, err)
	_, err = DecodeRawMessage(encoded[:len(encoded)-3])
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}

func TestRawMessage_Stamp(t *testing.T) {
	msg := NewRawMessage("raw", []byte("payload"), nil)
	msg.AddSourceNode("node-a", "input-a")

	msg.Stamp("", "node-b")
	assert.Equal(t, "input-a", msg.SourceInputID())
	assert.Equal(t, "node-b", msg.ReceivingNodeID())

	msg.Stamp("input-z", "node-b")
	assert.Equal(t, "input-z", msg.SourceInputID())
}

func TestRawMessage_StampSurvivesEncoding(t *testing.T) {
	msg := NewRawMessage("syslog", []byte("<13>hello"), nil)
	msg.Stamp("input-1", "node-1")

	encoded, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := DecodeRawMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, "input-1", decoded.SourceInputID())
	assert.Equal(t, "node-1", decoded.ReceivingNodeID())
}
