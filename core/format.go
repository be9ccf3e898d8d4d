package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to on-disk formats, magic numbers,
// and field names shared between the journal, the stages and the codecs.

// --- Magic Numbers ---
const (
	// JournalMagicNumber identifies a journal segment file.
	JournalMagicNumber uint32 = 0x4A524E4C // "JRNL"
	// OverflowMagicNumber identifies a process-stage overflow cache segment.
	OverflowMagicNumber uint32 = 0x4F564643 // "OVFC"
)

// --- File Names & Suffixes ---
const (
	// SegmentFileSuffix is the suffix for journal segment files.
	SegmentFileSuffix = ".log"
	// CommittedOffsetFileName is the sidecar holding the last committed journal offset as decimal text.
	CommittedOffsetFileName = "committed-read-offset"
	// JournalLockName is the name of the lock file guarding a journal directory.
	JournalLockName = "journal"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
	// EnvelopeVersion is the version written into every encoded RawMessage.
	EnvelopeVersion uint64 = 1
)

// --- Default Sizes & Limits ---
const (
	// DefaultSegmentSize is the default maximum size for a journal segment file.
	DefaultSegmentSize = 100 * 1024 * 1024 // 100 MiB
	// DefaultMaxMessageSize bounds a single journal entry.
	DefaultMaxMessageSize = 10 * 1024 * 1024 // 10 MiB
)

// OffsetUnassigned is the journal offset of an envelope that has not been journaled.
const OffsetUnassigned int64 = -1

// --- Message field names ---
const (
	FieldID               = "_id"
	FieldMessage          = "message"
	FieldFullMessage      = "full_message"
	FieldSource           = "source"
	FieldTimestamp        = "timestamp"
	FieldLevel            = "level"
	FieldFacility         = "facility"
	FieldSourceInput      = "gl2_source_input"
	FieldSourceNode       = "gl2_source_node"
	FieldSourceCollector  = "gl2_source_collector"
	FieldRemoteIP         = "gl2_remote_ip"
	FieldRemotePort       = "gl2_remote_port"
	FieldRemoteHostname   = "gl2_remote_hostname"
	FieldReceiveTime      = "gl2_receive_timestamp"
	FieldProcessingErrors = "gl2_processing_error"
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from the first offset it holds.
func FormatSegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d%s", baseOffset, SegmentFileSuffix)
}

// ParseSegmentFileName extracts the base offset from a segment file name.
func ParseSegmentFileName(name string) (int64, error) {
	if !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment file", name)
	}
	name = strings.TrimSuffix(name, SegmentFileSuffix)
	return strconv.ParseInt(name, 10, 64)
}
