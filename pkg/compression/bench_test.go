package compression

import (
	"strings"
	"testing"
)

func BenchmarkCompressionZstd(b *testing.B) {
	data := []byte(strings.Repeat("benchmark data for compression testing ", 100))
	compressor, _ := NewCompressor(ZstdConfig(3))
	defer compressor.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compressor.Compress(data)
	}
}

func BenchmarkDecompressionZstd(b *testing.B) {
	data := []byte(strings.Repeat("benchmark data for decompression testing ", 100))
	compressor, _ := NewCompressor(ZstdConfig(3))
	defer compressor.Close()
	compressed, _ := compressor.Compress(data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compressor.Decompress(compressed)
	}
}

// BenchmarkSegmentCompression benchmarks compressing an undo-log-sized
// WAL segment, the unit pkg/txn.Store.writeWALRecord actually compresses.
func BenchmarkSegmentCompression(b *testing.B) {
	seg, _ := NewCompressedSegment(ZstdConfig(3))
	defer seg.Close()

	data := []byte(strings.Repeat("undo-log record payload bytes ", 20))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = seg.Compress(data)
	}
}

func BenchmarkSegmentDecompression(b *testing.B) {
	seg, _ := NewCompressedSegment(ZstdConfig(3))
	defer seg.Close()

	data := []byte(strings.Repeat("undo-log record payload bytes ", 20))
	compressed, _ := seg.Compress(data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = seg.Decompress(compressed)
	}
}

func BenchmarkCompareZstdLevelsCompress(b *testing.B) {
	data := []byte(strings.Repeat("algorithm comparison benchmark data ", 100))

	benchmarks := []struct {
		name   string
		config *Config
	}{
		{"Zstd-1", ZstdConfig(1)},
		{"Zstd-3", ZstdConfig(3)},
		{"Zstd-9", ZstdConfig(9)},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			compressor, _ := NewCompressor(bm.config)
			defer compressor.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = compressor.Compress(data)
			}
		})
	}
}
