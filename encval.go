package keyhole

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Record payloads are msgpack with a one-byte framing header. Payloads
// over the threshold are LZ4 block compressed when that actually saves
// space; the header is followed by the uncompressed length in that case.
const (
	recFrameRaw = 0x00
	recFrameLZ4 = 0x01

	compressMinSize = 512
)

func (db *DB) encodeRecord(record any) ([]byte, error) {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if db.noCompression || len(data) < compressMinSize {
		return append([]byte{recFrameRaw}, data...), nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil || n == 0 || n >= len(data) {
		// Incompressible data is stored raw.
		return append([]byte{recFrameRaw}, data...), nil
	}
	framed := appendUvarint([]byte{recFrameLZ4}, uint64(len(data)))
	return append(framed, compressed[:n]...), nil
}

// recordPayload strips the framing header and decompresses if needed,
// returning the msgpack payload.
func recordPayload(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty record frame")
	}
	switch stored[0] {
	case recFrameRaw:
		return stored[1:], nil
	case recFrameLZ4:
		size, n := binary.Uvarint(stored[1:])
		if n <= 0 {
			return nil, fmt.Errorf("invalid record frame length")
		}
		data := make([]byte, size)
		m, err := lz4.UncompressBlock(stored[1+n:], data)
		if err != nil {
			return nil, fmt.Errorf("decompress record: %w", err)
		}
		return data[:m], nil
	default:
		return nil, fmt.Errorf("unknown record frame %02x", stored[0])
	}
}

// decodeRecord yields the generic form of a stored record: maps come
// back as map[string]any, numbers in their msgpack widths.
func decodeRecord(stored []byte) (any, error) {
	payload, err := recordPayload(stored)
	if err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// decodeRecordInto rehydrates a stored record into a caller-provided
// shape. Stored fields absent from the target are dropped; target fields
// absent from storage keep their zero value.
func decodeRecordInto(stored []byte, target any) error {
	payload, err := recordPayload(stored)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	return nil
}
