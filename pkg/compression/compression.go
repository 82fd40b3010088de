package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm. mossdb's WAL and bulk
// checkpoint paths (pkg/txn/durability.go's writeWALRecord,
// checkpoint.go's DumpCommittedBulk) only ever commit to zstd or no
// compression at all — there is no call site in this module that
// selects anything else, so unlike the teacher's generic wrapper this
// one doesn't carry snappy/gzip/zlib branches nothing here exercises.
type Algorithm int

const (
	// AlgorithmNone indicates no compression
	AlgorithmNone Algorithm = iota
	// AlgorithmZstd is balanced compression with good speed and ratio,
	// mossdb's only compressed WAL/checkpoint payload format.
	AlgorithmZstd
)

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Config holds compression configuration
type Config struct {
	Algorithm Algorithm
	Level     int // Compression level (zstd only; ignored for AlgorithmNone)
}

// DefaultConfig returns the default compression configuration (Zstd with default level)
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmZstd,
		Level:     3, // Default Zstd level (balanced)
	}
}

// ZstdConfig returns configuration for Zstd
func ZstdConfig(level int) *Config {
	// Zstd levels typically range from 1 (fastest) to 19 (best compression)
	if level < 1 || level > 19 {
		level = 3 // Default level
	}
	return &Config{
		Algorithm: AlgorithmZstd,
		Level:     level,
	}
}

// Compressor handles data compression
type Compressor struct {
	config  *Config
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewCompressor creates a new compressor with the given configuration
func NewCompressor(config *Config) (*Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Compressor{config: config}

	// Pre-create zstd encoder/decoder if using zstd
	if config.Algorithm == AlgorithmZstd {
		var err error
		encLevel := zstd.EncoderLevelFromZstd(config.Level)
		c.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}

		c.zstdDec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	return c, nil
}

// Compress compresses the input data
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmZstd:
		return c.zstdEnc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Decompress decompresses the input data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch c.config.Algorithm {
	case AlgorithmNone:
		return data, nil

	case AlgorithmZstd:
		decoded, err := c.zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd: %w", err)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %v", c.config.Algorithm)
	}
}

// Close closes the compressor and releases resources
func (c *Compressor) Close() error {
	if c.zstdEnc != nil {
		c.zstdEnc.Close()
	}
	if c.zstdDec != nil {
		c.zstdDec.Close()
	}
	return nil
}

// CompressionRatio calculates the compression ratio
func CompressionRatio(originalSize, compressedSize int) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

// SpaceSavings calculates the space savings percentage
func SpaceSavings(originalSize, compressedSize int) float64 {
	if originalSize == 0 {
		return 0
	}
	return (1.0 - CompressionRatio(originalSize, compressedSize)) * 100
}
