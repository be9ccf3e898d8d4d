package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	decodeErr := fmt.Errorf("wrapped: %w", NewDecodeError("beats", "unknown frame type", nil))
	assert.True(t, IsDecodeError(decodeErr))
	assert.Contains(t, decodeErr.Error(), "beats decode error")

	mismatch := &ProtocolVersionMismatchError{Protocol: "IPFIX", Expected: 10, Got: 9}
	assert.True(t, IsProtocolVersionMismatch(fmt.Errorf("parse: %w", mismatch)))
	assert.Contains(t, mismatch.Error(), "9")

	oor := &OffsetOutOfRangeError{Requested: 3, LogStart: 10, LogEnd: 20}
	assert.True(t, IsOffsetOutOfRange(oor))
	assert.True(t, errors.Is(fmt.Errorf("read: %w", oor), ErrJournalOffsetOutOfRange))

	assert.True(t, IsIncompleteMessage(fmt.Errorf("syslog: %w", ErrIncompleteMessage)))
	assert.True(t, IsBackpressure(ErrCapacityExceeded))
	assert.True(t, IsBackpressure(ErrProcessingDisabled))
	assert.False(t, IsBackpressure(ErrEncodingFailure))
}

func TestDecodeError_Unwrap(t *testing.T) {
	inner := errors.New("short read")
	err := NewDecodeError("ipfix", "truncated set", inner)
	assert.ErrorIs(t, err, inner)
}
