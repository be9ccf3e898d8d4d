package core

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FileHeader is a standard header for journal and overflow segment files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	BaseOffset     int64
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time for a segment that
// starts at baseOffset.
func NewFileHeader(magic uint32, baseOffset int64, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		BaseOffset:     baseOffset,
		CompressorType: compressorType,
	}
}

// Validate checks the magic number and format version.
func (h *FileHeader) Validate(magic uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("invalid magic number: got %x, want %x", h.Magic, magic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("unsupported format version %d", h.Version)
	}
	return nil
}
