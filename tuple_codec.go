package niledb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record wire format, schema-driven rather than self-describing (the
// schema is always available at decode time — it comes from the same
// catalog lookup that produced the TableHeap): a leading null bitmap,
// then each non-null column's fixed- or variable-width payload in
// schema order.
var recordByteOrder = binary.LittleEndian

func nullBitmapSize(n int) int { return (n + 7) / 8 }

// EncodeTuple serializes tuple into the on-disk record format for
// schema. Callers insert the result directly into a TableHeap.
func EncodeTuple(schema *Schema, tuple Tuple) ([]byte, error) {
	if err := schema.validate(tuple); err != nil {
		return nil, err
	}
	bmSize := nullBitmapSize(len(schema.Columns))
	buf := make([]byte, bmSize)

	for i, v := range tuple {
		if v.Null {
			buf[i/8] |= 1 << uint(i%8)
			continue
		}
		switch schema.Columns[i].Type {
		case ColBool:
			var b byte
			if v.Bool {
				b = 1
			}
			buf = append(buf, b)
		case ColInt32:
			var b [4]byte
			recordByteOrder.PutUint32(b[:], uint32(v.I32))
			buf = append(buf, b[:]...)
		case ColInt64:
			var b [8]byte
			recordByteOrder.PutUint64(b[:], uint64(v.I64))
			buf = append(buf, b[:]...)
		case ColFloat32:
			var b [4]byte
			recordByteOrder.PutUint32(b[:], math.Float32bits(v.F32))
			buf = append(buf, b[:]...)
		case ColText:
			var b [4]byte
			recordByteOrder.PutUint32(b[:], uint32(len(v.Text)))
			buf = append(buf, b[:]...)
			buf = append(buf, v.Text...)
		default:
			return nil, newErr(KindSchemaMismatch, "EncodeTuple", fmt.Errorf("column %q has invalid type", schema.Columns[i].Name))
		}
	}
	return buf, nil
}

// DecodeTuple reverses EncodeTuple using schema to determine each
// column's width.
func DecodeTuple(schema *Schema, data []byte) (Tuple, error) {
	n := len(schema.Columns)
	bmSize := nullBitmapSize(n)
	if len(data) < bmSize {
		return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("record too short for null bitmap"))
	}
	tuple := make(Tuple, n)
	off := bmSize
	for i, col := range schema.Columns {
		isNull := data[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			tuple[i] = NullValue(col.Type)
			continue
		}
		switch col.Type {
		case ColBool:
			if off+1 > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated bool at column %q", col.Name))
			}
			tuple[i] = BoolValue(data[off] != 0)
			off++
		case ColInt32:
			if off+4 > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated int32 at column %q", col.Name))
			}
			tuple[i] = Int32Value(int32(recordByteOrder.Uint32(data[off:])))
			off += 4
		case ColInt64:
			if off+8 > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated int64 at column %q", col.Name))
			}
			tuple[i] = Int64Value(int64(recordByteOrder.Uint64(data[off:])))
			off += 8
		case ColFloat32:
			if off+4 > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated float32 at column %q", col.Name))
			}
			tuple[i] = Float32Value(math.Float32frombits(recordByteOrder.Uint32(data[off:])))
			off += 4
		case ColText:
			if off+4 > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated text length at column %q", col.Name))
			}
			slen := int(recordByteOrder.Uint32(data[off:]))
			off += 4
			if off+slen > len(data) {
				return nil, newErr(KindIO, "DecodeTuple", fmt.Errorf("truncated text data at column %q", col.Name))
			}
			tuple[i] = TextValue(string(data[off : off+slen]))
			off += slen
		default:
			return nil, newErr(KindSchemaMismatch, "DecodeTuple", fmt.Errorf("column %q has invalid type", col.Name))
		}
	}
	return tuple, nil
}
