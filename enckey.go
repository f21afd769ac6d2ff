package keyhole

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Index keys use the layout
//
//	idx <SEP> collection <SEP> fieldPath <SEP> encodedValue <SEP> primaryKey
//
// with SEP = 0x00. Variable-width components are escaped so that 0x00
// never occurs inside them, which keeps every component boundary
// unambiguous and makes any stem a valid scan prefix. Fixed-width
// numeric payloads may contain 0x00, but they are tag-aligned, so two
// different values can never be byte-prefixes of one another.
const keySep = 0x00

var indexKeyTag = []byte("idx")

// Value tags, in sort order. The absent tag is the low sentinel required
// for "field is unset" queries: it sorts before every real value.
const (
	tagAbsent    = 0x01
	tagFalse     = 0x02
	tagTrue      = 0x03
	tagNumber    = 0x04
	tagTime      = 0x05
	tagString    = 0x06
	tagBytes     = 0x07
	tagComposite = 0x08
)

// appendEscaped appends raw to buf, rewriting 0x00 to 0x01 0x01 and
// 0x01 to 0x01 0x02. The rewrite preserves byte-lexicographic order and
// leaves no bare 0x00 in the output.
func appendEscaped(buf []byte, raw []byte) []byte {
	for _, b := range raw {
		switch b {
		case 0x00:
			buf = append(buf, 0x01, 0x01)
		case 0x01:
			buf = append(buf, 0x01, 0x02)
		default:
			buf = append(buf, b)
		}
	}
	return buf
}

func unescape(esc []byte) ([]byte, error) {
	out := make([]byte, 0, len(esc))
	for i := 0; i < len(esc); i++ {
		b := esc[i]
		if b != 0x01 {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(esc) {
			return nil, fmt.Errorf("dangling escape byte")
		}
		switch esc[i] {
		case 0x01:
			out = append(out, 0x00)
		case 0x02:
			out = append(out, 0x01)
		default:
			return nil, fmt.Errorf("invalid escape sequence 01 %02x", esc[i])
		}
	}
	return out, nil
}

// orderedFloatBits maps a float64 onto uint64 so that unsigned comparison
// of the results matches numeric comparison of the inputs.
func orderedFloatBits(f float64) uint64 {
	b := math.Float64bits(f)
	if b&(1<<63) != 0 {
		return ^b
	}
	return b | 1<<63
}

func floatFromOrderedBits(b uint64) float64 {
	if b&(1<<63) != 0 {
		return math.Float64frombits(b &^ (1 << 63))
	}
	return math.Float64frombits(^b)
}

// appendEncodedValue appends the order-preserving encoding of v.
//
// All numeric kinds are widened to float64 before encoding, so an int
// bound matches float values of the same magnitude; integers beyond 2^53
// lose ordering precision. Maps, structs and slices get a canonical
// (equality-only) encoding: the value is round-tripped through msgpack
// with sorted map keys, so structurally equal values encode identically.
func appendEncodedValue(buf []byte, v any) ([]byte, error) {
	if v == nil {
		return append(buf, tagAbsent), nil
	}
	switch x := v.(type) {
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case string:
		buf = append(buf, tagString)
		return appendEscaped(buf, []byte(x)), nil
	case []byte:
		buf = append(buf, tagBytes)
		return appendEscaped(buf, x), nil
	case time.Time:
		buf = append(buf, tagTime)
		var enc [8]byte
		binary.BigEndian.PutUint64(enc[:], uint64(x.UnixNano())^(1<<63))
		return append(buf, enc[:]...), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendEncodedNumber(buf, float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendEncodedNumber(buf, float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return appendEncodedNumber(buf, rv.Float()), nil
	case reflect.String:
		buf = append(buf, tagString)
		return appendEscaped(buf, []byte(rv.String())), nil
	case reflect.Bool:
		if rv.Bool() {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(buf, tagAbsent), nil
		}
		return appendEncodedValue(buf, rv.Elem().Interface())
	}

	canonical, err := canonicalBytes(v)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %T index value: %w", v, err)
	}
	buf = append(buf, tagComposite)
	return appendEscaped(buf, canonical), nil
}

func appendEncodedNumber(buf []byte, f float64) []byte {
	buf = append(buf, tagNumber)
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], orderedFloatBits(f))
	return append(buf, enc[:]...)
}

// canonicalBytes serializes v through a generic value with sorted map
// keys, erasing representation differences (struct vs map, map value
// types, field order).
func canonicalBytes(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := msgpack.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValue decodes one encoded value component. Numbers come back as
// float64, composites as generic msgpack values; this is the inverse of
// appendEncodedValue up to numeric widening.
func decodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value component")
	}
	tag, payload := raw[0], raw[1:]
	switch tag {
	case tagAbsent:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagNumber:
		if len(payload) != 8 {
			return nil, fmt.Errorf("invalid number payload length %d", len(payload))
		}
		return floatFromOrderedBits(binary.BigEndian.Uint64(payload)), nil
	case tagTime:
		if len(payload) != 8 {
			return nil, fmt.Errorf("invalid time payload length %d", len(payload))
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(payload)^(1<<63))).UTC(), nil
	case tagString:
		b, err := unescape(payload)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		return unescape(payload)
	case tagComposite:
		b, err := unescape(payload)
		if err != nil {
			return nil, err
		}
		var v any
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown value tag %02x", tag)
	}
}

// skipValue returns the remainder of raw after one encoded value
// component. Variable-width components end at the first bare separator.
func skipValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty value component")
	}
	switch raw[0] {
	case tagAbsent, tagFalse, tagTrue:
		return raw[1:], nil
	case tagNumber, tagTime:
		if len(raw) < 9 {
			return nil, fmt.Errorf("truncated fixed-width value")
		}
		return raw[9:], nil
	case tagString, tagBytes, tagComposite:
		if i := bytes.IndexByte(raw[1:], keySep); i >= 0 {
			return raw[1+i:], nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown value tag %02x", raw[0])
	}
}

// appendIndexKeyStem appends "idx <SEP> collection <SEP> fieldPath <SEP>",
// the scan prefix for all entries of one index.
func appendIndexKeyStem(buf []byte, collection, fieldPath string) []byte {
	buf = append(buf, indexKeyTag...)
	buf = append(buf, keySep)
	buf = appendEscaped(buf, []byte(collection))
	buf = append(buf, keySep)
	buf = appendEscaped(buf, []byte(fieldPath))
	return append(buf, keySep)
}

func indexKeyStem(collection, fieldPath string) []byte {
	return appendIndexKeyStem(nil, collection, fieldPath)
}

// indexKeyValuePrefix is the scan prefix for all entries of one index
// with one exact value: the stem, the encoded value, and a separator.
func indexKeyValuePrefix(collection, fieldPath string, value any) ([]byte, error) {
	buf, err := appendEncodedValue(appendIndexKeyStem(nil, collection, fieldPath), value)
	if err != nil {
		return nil, err
	}
	return append(buf, keySep), nil
}

func makeIndexKey(collection, fieldPath string, value any, primaryKey string) ([]byte, error) {
	buf, err := indexKeyValuePrefix(collection, fieldPath, value)
	if err != nil {
		return nil, err
	}
	return appendEscaped(buf, []byte(primaryKey)), nil
}

// parseIndexKey decodes a composite index key back into its components.
// valueRaw is the still-encoded value component (decode with decodeValue
// when the caller needs it).
func parseIndexKey(key []byte) (collection, fieldPath string, valueRaw []byte, primaryKey string, err error) {
	rest, ok := bytes.CutPrefix(key, indexKeyTag)
	if !ok || len(rest) == 0 || rest[0] != keySep {
		return "", "", nil, "", keyCorruptf(key, "missing idx tag")
	}
	rest = rest[1:]

	i := bytes.IndexByte(rest, keySep)
	if i < 0 {
		return "", "", nil, "", keyCorruptf(key, "missing collection")
	}
	collRaw, err := unescape(rest[:i])
	if err != nil {
		return "", "", nil, "", keyCorruptf(key, "bad collection: %v", err)
	}
	rest = rest[i+1:]

	i = bytes.IndexByte(rest, keySep)
	if i < 0 {
		return "", "", nil, "", keyCorruptf(key, "missing field path")
	}
	pathRaw, err := unescape(rest[:i])
	if err != nil {
		return "", "", nil, "", keyCorruptf(key, "bad field path: %v", err)
	}
	rest = rest[i+1:]

	after, err := skipValue(rest)
	if err != nil {
		return "", "", nil, "", keyCorruptf(key, "bad value: %v", err)
	}
	valueRaw = rest[:len(rest)-len(after)]
	if len(after) == 0 || after[0] != keySep {
		return "", "", nil, "", keyCorruptf(key, "missing primary key")
	}
	pkRaw, err := unescape(after[1:])
	if err != nil {
		return "", "", nil, "", keyCorruptf(key, "bad primary key: %v", err)
	}
	return string(collRaw), string(pathRaw), valueRaw, string(pkRaw), nil
}
