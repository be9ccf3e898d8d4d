package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexusingest/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size prefix accepted by Decompress.
const maxLZ4DecodedSize = 64 * 1024 * 1024

// LZ4Compressor uses the lz4 block format. The block format does not record
// the decoded size, so every output starts with it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(len(src)))
	dst.Write(sizeBuf[:n])
	if len(src) == 0 {
		return nil
	}

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 {
		// Incompressible input: CompressBlock reports 0 and the block is stored raw.
		dst.WriteByte(0)
		dst.Write(src)
		return nil
	}
	dst.WriteByte(1)
	dst.Write(block[:written])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: bad size prefix")
	}
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: decoded size %d exceeds limit", size)
	}
	data = data[n:]
	if size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("lz4 decompress error: missing block marker")
	}
	marker, data := data[0], data[1:]
	if marker == 0 {
		if uint64(len(data)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block size mismatch")
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	dst := make([]byte, size)
	written, err := lz4.UncompressBlock(data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return io.NopCloser(bytes.NewReader(dst[:written])), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
