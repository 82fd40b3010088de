package walcodec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// EncodeBulkCells writes an array of cells using spec.md §6's bulk
// array format: a leading byte selects the fast path (0 — every cell
// is a plain committed value, so cells serialize back to back with no
// per-cell opId/flags overhead) or the slow path (1 — at least one
// cell is in flight, so each is framed with EncodeCell as usual).
func EncodeBulkCells(w io.Writer, cells []Cell) error {
	fast := true
	for _, c := range cells {
		if c.OpID != 0 || !c.HasValue {
			fast = false
			break
		}
	}
	if fast {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		for _, c := range cells {
			if err := writeBytes(w, c.Value); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	for _, c := range cells {
		if err := EncodeCell(w, c); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBulkCells reads count cells written by EncodeBulkCells.
func DecodeBulkCells(r io.ByteReader, count int) ([]Cell, error) {
	pathByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, count)
	switch pathByte {
	case 0:
		for i := range cells {
			v, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			cells[i] = Cell{HasValue: true, Value: v}
		}
	case 1:
		for i := range cells {
			c, err := DecodeCell(r)
			if err != nil {
				return nil, err
			}
			cells[i] = c
		}
	default:
		return nil, fmt.Errorf("walcodec: unknown bulk path byte %d", pathByte)
	}
	return cells, nil
}

// CompressThreshold is the size at or above which MaybeCompress
// zstd-compresses a payload; pkg/txn's checkpoint dumps of bulk
// versioned-cell arrays use it. WAL records do not: their threshold is
// the one passed to pkg/txn's Store.AttachCompressor.
const CompressThreshold = 512

// MaybeCompress zstd-compresses data if it's at least CompressThreshold
// bytes, reporting whether it did. Below the threshold the framing and
// checksum overhead of compression isn't worth paying.
func MaybeCompress(data []byte) ([]byte, bool, error) {
	if len(data) < CompressThreshold {
		return data, false, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, false, err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false, nil
	}
	return compressed, true, nil
}

// Decompress reverses MaybeCompress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
