package txn

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mossdb/mossdb/pkg/walcodec"
)

// writeLenPrefixed and readLenPrefixed frame the dump's leading key
// array the same VarInt-length-then-bytes way pkg/walcodec frames
// every byte field, so a dump's header looks like any other
// walcodec-encoded blob to a hex dump.
func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var varBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varBuf[:], uint64(len(b)))
	buf.Write(varBuf[:n])
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, err
	}
	return b, nil
}

// DumpCommittedBulk serializes every committed entry of m, in key
// order, using spec.md §6's bulk cell array format: an ordered key
// array (encoded once, up front) followed by walcodec.EncodeBulkCells'
// fast path, since a committed dump never carries an in-flight opId.
// It is meant for a cheap point-in-time export of a map — a
// checkpoint file, a backup, a seed for a fresh Registry — cheaper
// than replaying every key's individual undo record the way Init does
// for an abandoned transaction's log. The body is run through
// walcodec.MaybeCompress before a leading flag byte records whether it
// took: a full-map dump is exactly the kind of payload that clears
// walcodec.CompressThreshold, unlike the single-cell WAL records
// durability.go's writeWALRecord compresses through pkg/compression.
func DumpCommittedBulk[K cmp.Ordered, V any](m *TxMap[K, V]) ([]byte, error) {
	it := m.committedIterator(nil, nil, false)
	var keys []K
	var cells []walcodec.Cell
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		raw, err := encodeKeyOrValue(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		cells = append(cells, walcodec.Cell{HasValue: true, Value: raw})
	}

	keyBytes, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writeLenPrefixed(&body, keyBytes)
	if err := walcodec.EncodeBulkCells(&body, cells); err != nil {
		return nil, err
	}

	payload, compressed, err := walcodec.MaybeCompress(body.Bytes())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if compressed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// LoadCommittedBulk reverses DumpCommittedBulk, returning the dump's
// keys and values still encoded as the generic []byte payload
// encodeKeyOrValue produced; the caller (which knows V) is responsible
// for json.Unmarshal-ing each value, mirroring buildWALCell/
// decodeWALPayload's split between this package's type-erased wire
// format and a concrete caller's typed view of it.
func LoadCommittedBulk(data []byte) (keysJSON []byte, values [][]byte, err error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("txn: truncated bulk dump")
	}
	body := data[1:]
	if data[0] == 1 {
		body, err = walcodec.Decompress(body)
		if err != nil {
			return nil, nil, err
		}
	}

	r := bytes.NewReader(body)
	keysJSON, err = readLenPrefixed(r)
	if err != nil {
		return nil, nil, err
	}
	var probe []json.RawMessage
	if err := json.Unmarshal(keysJSON, &probe); err != nil {
		return nil, nil, err
	}
	cells, err := walcodec.DecodeBulkCells(r, len(probe))
	if err != nil {
		return nil, nil, err
	}
	values = make([][]byte, len(cells))
	for i, c := range cells {
		values[i] = c.Value
	}
	return keysJSON, values, nil
}
