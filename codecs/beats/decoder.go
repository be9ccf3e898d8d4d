// Package beats implements the Lumberjack v2 frame decoder used by Elastic
// Beats shippers and the codec that maps a Beats event onto a message.
package beats

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/INLOpen/nexusingest/core"
	"github.com/klauspost/compress/zlib"
)

// Frame types.
const (
	FrameWindowSize byte = 'W'
	FrameData       byte = 'D'
	FrameJSON       byte = 'J'
	FrameCompressed byte = 'C'
	FrameAck        byte = 'A'
)

const (
	ProtocolV1 byte = '1'
	ProtocolV2 byte = '2'
)

const (
	// DefaultMaxPayloadSize bounds the length prefix of a single J or C frame
	// and the body of a D frame.
	DefaultMaxPayloadSize = 64 * 1024 * 1024
	frameHeaderSize       = 2
	decodeErrorCodec      = "beats-frame"
)

type DecoderOptions struct {
	// StrictFrameTypes turns an unknown frame type into a DecodeError instead
	// of logging and skipping its header.
	StrictFrameTypes bool
	MaxPayloadSize   int
	Logger           *slog.Logger
}

// Output is what a single Decode call produced. Acks holds encoded ACK frames
// that must be written back to the peer in order.
type Output struct {
	Events [][]byte
	Acks   []byte
}

// Decoder is the state of one Lumberjack connection. It is not safe for
// concurrent use; each connection owns its own Decoder.
type Decoder struct {
	opts       DecoderOptions
	logger     *slog.Logger
	pending    []byte
	windowSize uint32
	sequence   uint32
}

func NewDecoder(opts DecoderOptions) *Decoder {
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{opts: opts, logger: opts.Logger.With("component", "BeatsFrameDecoder")}
}

func (d *Decoder) WindowSize() uint32 { return d.windowSize }

func (d *Decoder) Sequence() uint32 { return d.sequence }

// Buffered returns the number of bytes held back waiting for the rest of a
// frame.
func (d *Decoder) Buffered() int { return len(d.pending) }

// Decode appends data to the connection buffer and decodes every complete
// frame in it. A trailing partial frame is kept for the next call. On error
// the connection state is no longer usable.
func (d *Decoder) Decode(data []byte) (Output, error) {
	var out Output
	d.pending = append(d.pending, data...)
	n, err := d.decodeFrames(d.pending, false, &out)
	if err != nil {
		d.pending = nil
		return out, err
	}
	rest := len(d.pending) - n
	if rest == 0 {
		d.pending = d.pending[:0]
	} else {
		d.pending = append(d.pending[:0], d.pending[n:]...)
	}
	return out, nil
}

// decodeFrames returns how many bytes of buf were consumed. Inside a
// compressed frame every nested frame must be complete.
func (d *Decoder) decodeFrames(buf []byte, nested bool, out *Output) (int, error) {
	pos := 0
	for pos < len(buf) {
		n, err := d.decodeFrame(buf[pos:], out)
		if err != nil {
			return pos, err
		}
		if n == 0 {
			if nested {
				return pos, core.NewDecodeError(decodeErrorCodec, "truncated frame inside compressed frame", nil)
			}
			break
		}
		pos += n
	}
	return pos, nil
}

// decodeFrame decodes the frame at the start of buf. It returns 0 when buf
// holds only part of the frame.
func (d *Decoder) decodeFrame(buf []byte, out *Output) (int, error) {
	if len(buf) < frameHeaderSize {
		return 0, nil
	}
	version, frameType := buf[0], buf[1]
	body := buf[frameHeaderSize:]

	switch frameType {
	case FrameWindowSize:
		if len(body) < 4 {
			return 0, nil
		}
		d.windowSize = binary.BigEndian.Uint32(body)
		return frameHeaderSize + 4, nil

	case FrameJSON:
		if len(body) < 8 {
			return 0, nil
		}
		seq := binary.BigEndian.Uint32(body)
		size := binary.BigEndian.Uint32(body[4:])
		if err := d.checkSize(size); err != nil {
			return 0, err
		}
		if uint64(len(body)) < 8+uint64(size) {
			return 0, nil
		}
		payload := make([]byte, size)
		copy(payload, body[8:8+size])
		out.Events = append(out.Events, payload)
		d.processed(version, seq, out)
		return frameHeaderSize + 8 + int(size), nil

	case FrameData:
		n, event, seq, err := d.parseDataFrame(body)
		if err != nil || n == 0 {
			return 0, err
		}
		out.Events = append(out.Events, event)
		d.processed(version, seq, out)
		return frameHeaderSize + n, nil

	case FrameCompressed:
		if len(body) < 4 {
			return 0, nil
		}
		size := binary.BigEndian.Uint32(body)
		if err := d.checkSize(size); err != nil {
			return 0, err
		}
		if uint64(len(body)) < 4+uint64(size) {
			return 0, nil
		}
		inflated, err := d.inflate(body[4 : 4+size])
		if err != nil {
			return 0, err
		}
		if _, err := d.decodeFrames(inflated, true, out); err != nil {
			return 0, err
		}
		return frameHeaderSize + 4 + int(size), nil
	}

	if d.opts.StrictFrameTypes {
		return 0, core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("unknown frame type 0x%02x", frameType), nil)
	}
	d.logger.Warn("Skipping unknown Beats frame type", "version", version, "type", frameType)
	return frameHeaderSize, nil
}

func (d *Decoder) checkSize(size uint32) error {
	if uint64(size) > uint64(d.opts.MaxPayloadSize) {
		return core.NewDecodeError(decodeErrorCodec, fmt.Sprintf("frame payload of %d bytes exceeds limit %d", size, d.opts.MaxPayloadSize), nil)
	}
	return nil
}

func (d *Decoder) inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, core.NewDecodeError(decodeErrorCodec, "invalid compressed frame", err)
	}
	defer r.Close()
	inflated, err := io.ReadAll(io.LimitReader(r, int64(d.opts.MaxPayloadSize)+1))
	if err != nil {
		return nil, core.NewDecodeError(decodeErrorCodec, "invalid compressed frame", err)
	}
	if len(inflated) > d.opts.MaxPayloadSize {
		return nil, core.NewDecodeError(decodeErrorCodec, "compressed frame inflates beyond limit", nil)
	}
	return inflated, nil
}

// processed records the sequence of a data frame and acknowledges the window
// once its last frame arrived.
func (d *Decoder) processed(version byte, seq uint32, out *Output) {
	d.sequence = seq
	if d.sequence == d.windowSize {
		out.Acks = append(out.Acks, AckFrame(version, seq)...)
	}
}

// parseDataFrame decodes the body of a D frame into a JSON object of string
// values. n is 0 when the body is incomplete. Declared lengths are checked
// before waiting for their bytes so a peer cannot make the connection buffer
// grow past MaxPayloadSize.
func (d *Decoder) parseDataFrame(body []byte) (n int, event []byte, seq uint32, err error) {
	if len(body) < 8 {
		return 0, nil, 0, nil
	}
	seq = binary.BigEndian.Uint32(body)
	pairs := binary.BigEndian.Uint32(body[4:])
	// Every pair carries two length prefixes.
	if err := d.checkSize(uint32(min(uint64(pairs)*8, math.MaxUint32))); err != nil {
		return 0, nil, 0, err
	}
	pos := 8
	fields := make(map[string]string, min(int(pairs), 64))
	for i := uint32(0); i < pairs; i++ {
		key, next, err := d.readString(body, pos)
		if err != nil || next == pos {
			return 0, nil, 0, err
		}
		value, end, err := d.readString(body, next)
		if err != nil || end == next {
			return 0, nil, 0, err
		}
		fields[key] = value
		pos = end
	}
	event, err = json.Marshal(fields)
	if err != nil {
		return 0, nil, 0, core.NewDecodeError(decodeErrorCodec, "invalid data frame", err)
	}
	return pos, event, seq, nil
}

// readString reads the length-prefixed string at pos. It returns pos
// unchanged when the string is not fully buffered yet.
func (d *Decoder) readString(buf []byte, pos int) (string, int, error) {
	if len(buf)-pos < 4 {
		return "", pos, nil
	}
	size := binary.BigEndian.Uint32(buf[pos:])
	if err := d.checkSize(size); err != nil {
		return "", pos, err
	}
	// The frame so far, including this string, must fit the limit too.
	if err := d.checkSize(uint32(min(uint64(pos)+4+uint64(size), math.MaxUint32))); err != nil {
		return "", pos, err
	}
	start := pos + 4
	if len(buf)-start < int(size) {
		return "", pos, nil
	}
	return string(buf[start : start+int(size)]), start + int(size), nil
}

// AckFrame encodes the acknowledgement for seq.
func AckFrame(version byte, seq uint32) []byte {
	frame := make([]byte, 6)
	frame[0] = version
	frame[1] = FrameAck
	binary.BigEndian.PutUint32(frame[2:], seq)
	return frame
}
