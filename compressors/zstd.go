package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/nexusingest/core"
	"github.com/klauspost/compress/zstd"
)

// maxZstdDecoderMemory caps what a single overflow record may expand to.
const maxZstdDecoderMemory = 64 * 1024 * 1024

// ZstdCompressor pools encoders and decoders; both are expensive to create.
type ZstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

// pooledDecoder hands its decoder back to the pool on Close instead of
// closing it, which would invalidate it for reuse.
type pooledDecoder struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (d *pooledDecoder) Close() error {
	d.pool.Put(d.Decoder)
	return nil
}

var (
	_ core.Compressor = (*ZstdCompressor)(nil)
	_ io.ReadCloser   = (*pooledDecoder)(nil)
)

func NewZstdCompressor() *ZstdCompressor {
	c := &ZstdCompressor{}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
		return enc
	}
	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxZstdDecoderMemory))
		if err != nil {
			return err
		}
		return dec
	}
	return c
}

func (c *ZstdCompressor) encoder() (*zstd.Encoder, error) {
	switch v := c.encoders.Get().(type) {
	case *zstd.Encoder:
		return v, nil
	case error:
		return nil, fmt.Errorf("zstd encoder init: %w", v)
	default:
		return nil, fmt.Errorf("zstd encoder init: unexpected %T", v)
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	if err := c.CompressTo(buf, data); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc, err := c.encoder()
	if err != nil {
		return err
	}
	defer c.encoders.Put(enc)

	dst.Reset()
	enc.Reset(dst)
	if _, err := enc.Write(src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("zstd compress write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd compress close error: %w", err)
	}
	return nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	v := c.decoders.Get()
	dec, ok := v.(*zstd.Decoder)
	if !ok {
		return nil, fmt.Errorf("zstd decoder init: %v", v)
	}
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		c.decoders.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}
	return &pooledDecoder{Decoder: dec, pool: &c.decoders}, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
