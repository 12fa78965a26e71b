package metadb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum value size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller values.
	CompressionThreshold = 2048

	// MaxValueSize is the maximum allowed uncompressed value size.
	MaxValueSize = 10 * 1024 * 1024 // 10MB
)

// Value encodings, stored as the first byte of every value.
const (
	encodingIdentity byte = 0x00
	encodingZstd     byte = 0x01
)

var (
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")

	// ErrCorrupted is returned for values with an unknown encoding byte.
	ErrCorrupted = errors.New("corrupted value")
)

// ValueCodec frames stored values with an encoding byte and compresses
// large ones with zstd. Encoder and decoder are goroutine-safe and reused.
type ValueCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewValueCodec creates a new codec with pooled zstd encoder/decoder.
func NewValueCodec() (*ValueCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxValueSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &ValueCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *ValueCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames data, compressing it when that makes it smaller.
func (c *ValueCodec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxValueSize {
		return nil, ErrValueTooLarge
	}

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			compressed := enc.EncodeAll(data, []byte{encodingZstd})
			if len(compressed) < len(data)+1 {
				return compressed, nil
			}
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, encodingIdentity)
	return append(out, data...), nil
}

// Decode reverses Encode. The returned slice never aliases value.
func (c *ValueCodec) Decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, ErrCorrupted
	}

	switch value[0] {
	case encodingIdentity:
		out := make([]byte, len(value)-1)
		copy(out, value[1:])
		return out, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(value[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		if len(decompressed) > MaxValueSize {
			return nil, ErrDecompressionBomb
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding 0x%02x", ErrCorrupted, value[0])
	}
}
