package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing is how a stream transport splits its byte stream into messages.
type Framing string

const (
	// FramingDelimited splits on LF or NUL; a trailing CR is dropped.
	FramingDelimited Framing = "newline"
	// FramingOctetCounting reads RFC 6587 "<length> <frame>" frames.
	FramingOctetCounting Framing = "octet_counting"
	// FramingAuto picks octet counting for a frame that starts with a
	// length prefix and delimited framing otherwise.
	FramingAuto Framing = "auto"
)

const maxOctetPrefix = 10

var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrInvalidOctetCount = errors.New("invalid octet count prefix")
)

func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingAuto:
		return FramingAuto, nil
	case FramingDelimited, "delimited", "lf":
		return FramingDelimited, nil
	case FramingOctetCounting:
		return FramingOctetCounting, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// newFrameScanner returns a scanner yielding one frame per Scan. Tokens are
// only valid until the next call to Scan.
func newFrameScanner(r io.Reader, framing Framing, maxFrame int) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(maxFrame, 64*1024)), maxFrame+maxOctetPrefix+1)
	sc.Split(splitFrames(framing, maxFrame))
	return sc
}

func splitFrames(framing Framing, maxFrame int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		switch framing {
		case FramingOctetCounting:
			return splitOctetCounted(data, atEOF, maxFrame)
		case FramingAuto:
			switch hasOctetPrefix(data, atEOF) {
			case prefixYes:
				return splitOctetCounted(data, atEOF, maxFrame)
			case prefixUnknown:
				return 0, nil, nil
			}
		}
		return splitDelimited(data, atEOF)
	}
}

type prefixState int

const (
	prefixNo prefixState = iota
	prefixYes
	prefixUnknown
)

// hasOctetPrefix reports whether data starts with digits followed by a space.
func hasOctetPrefix(data []byte, atEOF bool) prefixState {
	if len(data) == 0 || data[0] < '1' || data[0] > '9' {
		return prefixNo
	}
	for i := 1; i < len(data) && i <= maxOctetPrefix; i++ {
		switch c := data[i]; {
		case c == ' ':
			return prefixYes
		case c < '0' || c > '9':
			return prefixNo
		}
	}
	if len(data) > maxOctetPrefix || atEOF {
		return prefixNo
	}
	return prefixUnknown
}

func splitDelimited(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\n\x00"); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}
	return 0, nil, nil
}

func splitOctetCounted(data []byte, atEOF bool, maxFrame int) (int, []byte, error) {
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 {
		if len(data) > maxOctetPrefix {
			return 0, nil, ErrInvalidOctetCount
		}
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	if sp == 0 || sp > maxOctetPrefix {
		return 0, nil, ErrInvalidOctetCount
	}
	n, err := strconv.Atoi(string(data[:sp]))
	if err != nil || n <= 0 {
		return 0, nil, ErrInvalidOctetCount
	}
	if n > maxFrame {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxFrame)
	}
	end := sp + 1 + n
	if len(data) < end {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return end, data[sp+1 : end], nil
}
