package server

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, input string, framing Framing, maxFrame int) ([]string, error) {
	t.Helper()
	sc := newFrameScanner(strings.NewReader(input), framing, maxFrame)
	var frames []string
	for sc.Scan() {
		frames = append(frames, sc.Text())
	}
	return frames, sc.Err()
}

func TestFraming_Delimited(t *testing.T) {
	frames, err := scanAll(t, "<13>one\r\n<13>two\x00<13>three", FramingDelimited, 1024)
	require.NoError(t, err)
	assert.Equal(t, []string{"<13>one", "<13>two", "<13>three"}, frames)
}

func TestFraming_OctetCounting(t *testing.T) {
	frames, err := scanAll(t, "7 <13>one8 <13>t\nwo", FramingOctetCounting, 1024)
	require.NoError(t, err)
	assert.Equal(t, []string{"<13>one", "<13>t\nwo"}, frames)
}

func TestFraming_AutoDetectsEachFrame(t *testing.T) {
	frames, err := scanAll(t, "7 <13>one<13>two\n7 <13>six", FramingAuto, 1024)
	require.NoError(t, err)
	assert.Equal(t, []string{"<13>one", "<13>two", "<13>six"}, frames)
}

func TestFraming_AutoTreatsLeadingDigitsWithoutSpaceAsText(t *testing.T) {
	frames, err := scanAll(t, "123abc\n", FramingAuto, 1024)
	require.NoError(t, err)
	assert.Equal(t, []string{"123abc"}, frames)
}

func TestFraming_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		framing Framing
		want    error
	}{
		{"frame too large", "2000 x", FramingOctetCounting, ErrFrameTooLarge},
		{"zero length", "0 x", FramingOctetCounting, ErrInvalidOctetCount},
		{"not a number", "abc def", FramingOctetCounting, ErrInvalidOctetCount},
		{"truncated frame", "10 short", FramingOctetCounting, io.ErrUnexpectedEOF},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := scanAll(t, tc.input, tc.framing, 1024)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestParseFraming(t *testing.T) {
	for in, want := range map[string]Framing{
		"":               FramingAuto,
		"auto":           FramingAuto,
		"newline":        FramingDelimited,
		"LF":             FramingDelimited,
		"octet_counting": FramingOctetCounting,
	} {
		got, err := ParseFraming(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFraming("netstring")
	assert.Error(t, err)
}
