package core

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompleteMessage is returned when a required field (e.g. a syslog timestamp)
	// could not be derived and no fallback is configured.
	ErrIncompleteMessage = errors.New("incomplete message")
	// ErrCapacityExceeded is returned by fail-fast inserts when the ring is full.
	ErrCapacityExceeded = errors.New("buffer capacity exceeded")
	// ErrProcessingDisabled is returned by fail-fast inserts while processing is paused.
	ErrProcessingDisabled = errors.New("message processing is disabled")
	// ErrJournalOffsetOutOfRange matches any *OffsetOutOfRangeError.
	ErrJournalOffsetOutOfRange = errors.New("journal offset out of range")
	// ErrEncodingFailure marks an envelope that cannot be serialized.
	ErrEncodingFailure = errors.New("envelope encoding failure")
	// ErrJournalClosed is returned by operations on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")
)

// DecodeError reports a malformed frame or payload. The message is dropped
// and counted by the decoder that produced it.
type DecodeError struct {
	Codec  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s decode error: %s: %v", e.Codec, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s decode error: %s", e.Codec, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError builds a DecodeError for the given codec.
func NewDecodeError(codec, reason string, err error) *DecodeError {
	return &DecodeError{Codec: codec, Reason: reason, Err: err}
}

// ProtocolVersionMismatchError is returned when a packet carries a version the
// decoder does not speak, e.g. a NetFlow v9 packet on an IPFIX listener.
type ProtocolVersionMismatchError struct {
	Protocol string
	Expected int
	Got      int
}

func (e *ProtocolVersionMismatchError) Error() string {
	return fmt.Sprintf("invalid %s message version %d, expected %d", e.Protocol, e.Got, e.Expected)
}

// OffsetOutOfRangeError is returned when a read asks for an offset that is no
// longer (or not yet) held by the journal.
type OffsetOutOfRangeError struct {
	Requested int64
	LogStart  int64
	LogEnd    int64
}

func (e *OffsetOutOfRangeError) Error() string {
	return fmt.Sprintf("journal offset %d out of range [%d, %d)", e.Requested, e.LogStart, e.LogEnd)
}

func (e *OffsetOutOfRangeError) Is(target error) bool {
	return target == ErrJournalOffsetOutOfRange
}

// IsDecodeError checks if an error is a DecodeError.
func IsDecodeError(err error) bool {
	var decodeError *DecodeError
	return errors.As(err, &decodeError)
}

// IsProtocolVersionMismatch checks if an error is a ProtocolVersionMismatchError.
func IsProtocolVersionMismatch(err error) bool {
	var mismatch *ProtocolVersionMismatchError
	return errors.As(err, &mismatch)
}

func IsIncompleteMessage(err error) bool {
	return errors.Is(err, ErrIncompleteMessage)
}

func IsOffsetOutOfRange(err error) bool {
	return errors.Is(err, ErrJournalOffsetOutOfRange)
}

// IsBackpressure reports whether err is one of the two signals that cross the
// stage boundary back to callers.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrProcessingDisabled)
}
