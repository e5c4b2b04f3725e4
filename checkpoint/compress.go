package checkpoint

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressor zstd-compresses snapshot data. Encoder and decoder are used
// only through EncodeAll/DecodeAll, which are safe for concurrent use.
type compressor struct {
	maxSize int64
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCompressor(maxSize int64, level zstd.EncoderLevel) (*compressor, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
		zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = encoder.Close()
		return nil, err
	}
	return &compressor{maxSize: maxSize, encoder: encoder, decoder: decoder}, nil
}

func (c *compressor) compress(raw []byte) ([]byte, error) {
	if int64(len(raw)) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrStateTooLarge, len(raw), c.maxSize)
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: decompressed state exceeds %d bytes", ErrStateTooLarge, c.maxSize)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	if int64(len(raw)) > c.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrStateTooLarge, len(raw), c.maxSize)
	}
	return raw, nil
}

func (c *compressor) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
