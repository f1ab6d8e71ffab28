package pager

import (
	"bytes"
	"fmt"
	"math"
)

// Serial types tag each field of a composite index key so that two
// keys can be compared field-by-field without external schema lookup.
// Values 13 and above are TEXT fields whose length in bytes is
// (serial type - 13).
const (
	SerialNull  byte = 0
	SerialInt32 byte = 1
	SerialInt64 byte = 2
	SerialFloat32 byte = 3
	serialTextBase byte = 13
)

// IndexField is one typed value going into a composite key.
type IndexField struct {
	Null    bool
	Int32   int32
	Int64   int64
	Float32 float32
	Text    []byte // nil unless this field is TEXT
	IsText  bool
	IsInt64 bool
	IsFloat bool
}

func NullField() IndexField                { return IndexField{Null: true} }
func Int32Field(v int32) IndexField        { return IndexField{Int32: v} }
func Int64Field(v int64) IndexField        { return IndexField{Int64: v, IsInt64: true} }
func Float32Field(v float32) IndexField     { return IndexField{Float32: v, IsFloat: true} }
func TextField(v []byte) IndexField        { return IndexField{Text: v, IsText: true} }

func (f IndexField) serialType() byte {
	switch {
	case f.Null:
		return SerialNull
	case f.IsText:
		if len(f.Text) > 255-int(serialTextBase) {
			return 255 // caller is expected to have bounds-checked already
		}
		return serialTextBase + byte(len(f.Text))
	case f.IsInt64:
		return SerialInt64
	case f.IsFloat:
		return SerialFloat32
	default:
		return SerialInt32
	}
}

func (f IndexField) payload() []byte {
	switch {
	case f.Null:
		return nil
	case f.IsText:
		return f.Text
	case f.IsInt64:
		b := make([]byte, 8)
		byteOrder.PutUint64(b, uint64(f.Int64))
		return b
	case f.IsFloat:
		b := make([]byte, 4)
		byteOrder.PutUint32(b, math.Float32bits(f.Float32))
		return b
	default:
		b := make([]byte, 4)
		byteOrder.PutUint32(b, uint32(f.Int32))
		return b
	}
}

// EncodeIndexKey serializes fields into an IndexCell: a one-byte field
// count, one serial-type byte per field, then each field's payload
// bytes in order. Non-unique indexes must append a trailing
// (page-num, slot-num) suffix themselves via AppendRIDSuffix so that
// otherwise-equal keys still sort uniquely by insertion identity.
func EncodeIndexKey(fields []IndexField) ([]byte, error) {
	if len(fields) > 255 {
		return nil, newErr(KindInvalidArg, "EncodeIndexKey", fmt.Errorf("%d fields exceeds 255-field header limit", len(fields)))
	}
	types := make([]byte, len(fields))
	payloads := make([][]byte, len(fields))
	total := 1 + len(fields)
	for i, f := range fields {
		if f.IsText && len(f.Text) > 255-int(serialTextBase) {
			return nil, newErr(KindInvalidArg, "EncodeIndexKey", fmt.Errorf("text field of %d bytes exceeds limit", len(f.Text)))
		}
		types[i] = f.serialType()
		payloads[i] = f.payload()
		total += len(payloads[i])
	}
	out := make([]byte, 0, total)
	out = append(out, byte(len(fields)))
	out = append(out, types...)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out, nil
}

// AppendRIDSuffix appends a (PageNum, Slot) INT32 pair to key, growing
// the header by two serial-type bytes, for use as the uniqueness
// tiebreaker in non-unique indexes.
func AppendRIDSuffix(key []byte, pn PageNum, slot int32) []byte {
	fieldCount := key[0]
	newCount := fieldCount + 2

	out := make([]byte, 0, len(key)+2+8)
	out = append(out, newCount)
	out = append(out, key[1:1+int(fieldCount)]...)
	out = append(out, SerialInt32, SerialInt32)
	out = append(out, key[1+int(fieldCount):]...)

	suffix := make([]byte, 8)
	byteOrder.PutUint32(suffix[0:4], uint32(pn))
	byteOrder.PutUint32(suffix[4:8], uint32(slot))
	out = append(out, suffix...)
	return out
}

// indexKeyField describes one decoded field's position for comparison.
type indexKeyField struct {
	serialType byte
	data       []byte
}

// decodeIndexKey splits an encoded key back into its typed fields,
// without allocating copies of the payload bytes.
func decodeIndexKey(key []byte) []indexKeyField {
	if len(key) == 0 {
		return nil
	}
	n := int(key[0])
	types := key[1 : 1+n]
	out := make([]indexKeyField, n)
	off := 1 + n
	for i := 0; i < n; i++ {
		st := types[i]
		size := fieldByteSize(st)
		out[i] = indexKeyField{serialType: st, data: key[off : off+size]}
		off += size
	}
	return out
}

func fieldByteSize(serialType byte) int {
	switch {
	case serialType == SerialNull:
		return 0
	case serialType == SerialInt32:
		return 4
	case serialType == SerialInt64:
		return 8
	case serialType == SerialFloat32:
		return 4
	case serialType >= serialTextBase:
		return int(serialType - serialTextBase)
	default:
		return 0
	}
}

// CompareIndexKeys orders two composite keys field by field: NULL
// sorts lowest, then by increasing numeric/text value within matching
// serial types. descending flips the field's contribution to the
// overall comparison — a per-field sort-order bitmap supplied by the
// index definition, not encoded into the key bytes themselves, so the
// same key format serves both ascending and descending indexes.
func CompareIndexKeys(a, b []byte, descending []bool) int {
	af := decodeIndexKey(a)
	bf := decodeIndexKey(b)
	n := len(af)
	if len(bf) < n {
		n = len(bf)
	}
	for i := 0; i < n; i++ {
		c := compareField(af[i], bf[i])
		if i < len(descending) && descending[i] {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	if len(af) != len(bf) {
		if len(af) < len(bf) {
			return -1
		}
		return 1
	}
	return 0
}

func compareField(a, b indexKeyField) int {
	if a.serialType == SerialNull && b.serialType == SerialNull {
		return 0
	}
	if a.serialType == SerialNull {
		return -1
	}
	if b.serialType == SerialNull {
		return 1
	}
	switch {
	case a.serialType == SerialInt32 && b.serialType == SerialInt32:
		av := int32(byteOrder.Uint32(a.data))
		bv := int32(byteOrder.Uint32(b.data))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case a.serialType == SerialInt64 && b.serialType == SerialInt64:
		av := int64(byteOrder.Uint64(a.data))
		bv := int64(byteOrder.Uint64(b.data))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case a.serialType == SerialFloat32 && b.serialType == SerialFloat32:
		av := math.Float32frombits(byteOrder.Uint32(a.data))
		bv := math.Float32frombits(byteOrder.Uint32(b.data))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		// Text, or a cross-type comparison: compare raw bytes. Mixed
		// serial types only arise across heterogeneous indexes, which
		// callers are expected not to build.
		return bytes.Compare(a.data, b.data)
	}
}
