package compression

import (
	"encoding/binary"
	"fmt"
)

// CompressedSegmentHeaderSize is the size of a compressed segment's
// header: [1-byte algorithm][4-byte original size][4-byte compressed size].
const CompressedSegmentHeaderSize = 9

// CompressedSegment wraps an opaque byte segment headed for disk with
// compression and a self-describing header. pkg/txn does not use it
// (its WAL path calls Compressor directly). Adapted from the teacher's page-level
// CompressedPage, generalized from a fixed-size storage.Page to an
// arbitrary []byte since pkg/storage here is a single append-only log
// rather than a paged disk manager.
type CompressedSegment struct {
	compressor *Compressor
}

// NewCompressedSegment creates a new compressed segment handler.
func NewCompressedSegment(config *Config) (*CompressedSegment, error) {
	compressor, err := NewCompressor(config)
	if err != nil {
		return nil, err
	}
	return &CompressedSegment{compressor: compressor}, nil
}

// Compress compresses data, returning [header][compressed data].
func (cs *CompressedSegment) Compress(data []byte) ([]byte, error) {
	compressed, err := cs.compressor.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress segment: %w", err)
	}

	result := make([]byte, CompressedSegmentHeaderSize+len(compressed))
	result[0] = byte(cs.compressor.config.Algorithm)
	binary.LittleEndian.PutUint32(result[1:5], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[5:9], uint32(len(compressed)))
	copy(result[CompressedSegmentHeaderSize:], compressed)
	return result, nil
}

// Decompress reverses Compress.
func (cs *CompressedSegment) Decompress(data []byte) ([]byte, error) {
	if len(data) < CompressedSegmentHeaderSize {
		return nil, fmt.Errorf("invalid compressed segment: too short")
	}

	algorithm := Algorithm(data[0])
	originalSize := binary.LittleEndian.Uint32(data[1:5])
	compressedSize := binary.LittleEndian.Uint32(data[5:9])

	if algorithm != cs.compressor.config.Algorithm {
		return nil, fmt.Errorf("algorithm mismatch: expected %v, got %v",
			cs.compressor.config.Algorithm, algorithm)
	}
	if len(data)-CompressedSegmentHeaderSize != int(compressedSize) {
		return nil, fmt.Errorf("compressed size mismatch: expected %d, got %d",
			compressedSize, len(data)-CompressedSegmentHeaderSize)
	}

	decompressed, err := cs.compressor.Decompress(data[CompressedSegmentHeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("failed to decompress segment: %w", err)
	}
	if len(decompressed) != int(originalSize) {
		return nil, fmt.Errorf("decompressed size mismatch: expected %d, got %d",
			originalSize, len(decompressed))
	}
	return decompressed, nil
}

// Close releases the underlying compressor.
func (cs *CompressedSegment) Close() error {
	return cs.compressor.Close()
}

// SegmentCompressionStats holds statistics about one segment's
// compression.
type SegmentCompressionStats struct {
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	SpaceSavings   float64
	Algorithm      string
}

// Stats reports compression statistics for data without needing a
// caller to compress it separately.
func (cs *CompressedSegment) Stats(data []byte) (*SegmentCompressionStats, error) {
	compressed, err := cs.compressor.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress segment: %w", err)
	}
	originalSize := len(data)
	compressedSize := len(compressed)
	return &SegmentCompressionStats{
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Ratio:          CompressionRatio(originalSize, compressedSize),
		SpaceSavings:   SpaceSavings(originalSize, compressedSize),
		Algorithm:      cs.compressor.config.Algorithm.String(),
	}, nil
}
