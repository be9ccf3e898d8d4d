package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusingest/core"
)

// New returns the compressor for the given type.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
}

// ByName resolves a configuration name ("none", "snappy", "lz4", "zstd").
func ByName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return New(ct)
}
