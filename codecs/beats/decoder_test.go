package beats

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/INLOpen/nexusingest/core"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func windowFrame(size uint32) []byte {
	b := []byte{ProtocolV2, FrameWindowSize, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(b[2:], size)
	return b
}

func jsonFrame(seq uint32, payload string) []byte {
	b := make([]byte, 10, 10+len(payload))
	b[0], b[1] = ProtocolV2, FrameJSON
	binary.BigEndian.PutUint32(b[2:], seq)
	binary.BigEndian.PutUint32(b[6:], uint32(len(payload)))
	return append(b, payload...)
}

func dataFrame(seq uint32, pairs ...string) []byte {
	b := make([]byte, 10)
	b[0], b[1] = ProtocolV1, FrameData
	binary.BigEndian.PutUint32(b[2:], seq)
	binary.BigEndian.PutUint32(b[6:], uint32(len(pairs)/2))
	for _, s := range pairs {
		b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
		b = append(b, s...)
	}
	return b
}

func compressedFrame(t *testing.T, inner []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(inner)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b := []byte{ProtocolV2, FrameCompressed, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(b[2:], uint32(buf.Len()))
	return append(b, buf.Bytes()...)
}

func TestDecoder_JSONFrame(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	out, err := d.Decode(jsonFrame(1, `{"message":"hello"}`))
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.JSONEq(t, `{"message":"hello"}`, string(out.Events[0]))
	assert.Equal(t, uint32(1), d.Sequence())
	assert.Zero(t, d.Buffered())
}

func TestDecoder_DataFrame(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	out, err := d.Decode(dataFrame(3, "line", "foo bar", "offset", "42"))
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.JSONEq(t, `{"line":"foo bar","offset":"42"}`, string(out.Events[0]))
	assert.Equal(t, uint32(3), d.Sequence())
}

func TestDecoder_AckOnlyAfterLastFrameOfWindow(t *testing.T) {
	const window = 3
	d := NewDecoder(DecoderOptions{})

	out, err := d.Decode(windowFrame(window))
	require.NoError(t, err)
	assert.Empty(t, out.Acks)
	assert.Equal(t, uint32(window), d.WindowSize())

	for seq := uint32(1); seq < window; seq++ {
		out, err = d.Decode(jsonFrame(seq, `{}`))
		require.NoError(t, err)
		assert.Empty(t, out.Acks, "no ack expected after sequence %d", seq)
	}

	out, err = d.Decode(jsonFrame(window, `{}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{ProtocolV2, FrameAck, 0, 0, 0, window}, out.Acks)
}

func TestDecoder_PartialInputIsResumed(t *testing.T) {
	frame := append(windowFrame(1), jsonFrame(1, `{"message":"split"}`)...)
	d := NewDecoder(DecoderOptions{})

	var events [][]byte
	var acks []byte
	for i := 0; i < len(frame); i++ {
		out, err := d.Decode(frame[i : i+1])
		require.NoError(t, err)
		events = append(events, out.Events...)
		acks = append(acks, out.Acks...)
		if i < len(frame)-1 {
			assert.Empty(t, out.Events)
		}
	}
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"message":"split"}`, string(events[0]))
	assert.Equal(t, AckFrame(ProtocolV2, 1), acks)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_CompressedMatchesPlain(t *testing.T) {
	inner := append(windowFrame(2), jsonFrame(1, `{"message":"one"}`)...)
	inner = append(inner, jsonFrame(2, `{"message":"two"}`)...)

	plain, err := NewDecoder(DecoderOptions{}).Decode(inner)
	require.NoError(t, err)

	d := NewDecoder(DecoderOptions{})
	compressed, err := d.Decode(compressedFrame(t, inner))
	require.NoError(t, err)

	assert.Equal(t, plain.Events, compressed.Events)
	assert.Equal(t, plain.Acks, compressed.Acks)
	assert.Equal(t, uint32(2), d.Sequence())
}

func TestDecoder_PartialCompressedFrameWaits(t *testing.T) {
	frame := compressedFrame(t, jsonFrame(1, `{"message":"zipped"}`))
	d := NewDecoder(DecoderOptions{})

	out, err := d.Decode(frame[:len(frame)-3])
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, len(frame)-3, d.Buffered())

	out, err = d.Decode(frame[len(frame)-3:])
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
}

func TestDecoder_TruncatedNestedFrame(t *testing.T) {
	inner := jsonFrame(1, `{"message":"cut"}`)
	d := NewDecoder(DecoderOptions{})
	_, err := d.Decode(compressedFrame(t, inner[:len(inner)-2]))
	require.Error(t, err)
	assert.True(t, core.IsDecodeError(err))
}

func TestDecoder_UnknownFrameType(t *testing.T) {
	t.Run("lenient skips the header", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{})
		input := append([]byte{ProtocolV2, 'X'}, jsonFrame(1, `{}`)...)
		out, err := d.Decode(input)
		require.NoError(t, err)
		assert.Len(t, out.Events, 1)
	})

	t.Run("strict returns a decode error", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{StrictFrameTypes: true})
		_, err := d.Decode([]byte{ProtocolV2, 'X'})
		require.Error(t, err)
		assert.True(t, core.IsDecodeError(err))
	})
}

func TestDecoder_PayloadLimit(t *testing.T) {
	d := NewDecoder(DecoderOptions{MaxPayloadSize: 4})
	_, err := d.Decode(jsonFrame(1, `{"message":"too big"}`))
	require.Error(t, err)
	assert.True(t, core.IsDecodeError(err))
	assert.Zero(t, d.Buffered())
}

func TestDecoder_DataFramePayloadLimit(t *testing.T) {
	t.Run("declared string length", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{MaxPayloadSize: 16})
		header := []byte{ProtocolV1, FrameData, 0, 0, 0, 1, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xf0}
		_, err := d.Decode(header)
		require.Error(t, err)
		assert.True(t, core.IsDecodeError(err))
		assert.Zero(t, d.Buffered())
	})

	t.Run("running frame size", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{MaxPayloadSize: 24})
		_, err := d.Decode(dataFrame(1, "key", "0123456789"))
		require.Error(t, err)
		assert.True(t, core.IsDecodeError(err))
	})

	t.Run("pair count", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{MaxPayloadSize: 64})
		_, err := d.Decode([]byte{ProtocolV1, FrameData, 0, 0, 0, 1, 0, 1, 0, 0})
		require.Error(t, err)
		assert.True(t, core.IsDecodeError(err))
	})

	t.Run("partial frame within limit waits", func(t *testing.T) {
		d := NewDecoder(DecoderOptions{MaxPayloadSize: 64})
		frame := dataFrame(1, "line", "ok")
		out, err := d.Decode(frame[:len(frame)-1])
		require.NoError(t, err)
		assert.Empty(t, out.Events)
		out, err = d.Decode(frame[len(frame)-1:])
		require.NoError(t, err)
		require.Len(t, out.Events, 1)
		assert.JSONEq(t, `{"line":"ok"}`, string(out.Events[0]))
	})
}

func TestAckFrame(t *testing.T) {
	assert.Equal(t, []byte{'2', 'A', 0, 0, 1, 2}, AckFrame(ProtocolV2, 258))
}
