package row

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// HeaderSizeInBits is the number of bitmap bits reserved for the row header
// (the row kind byte).
const HeaderSizeInBits = 8

// BitSetWidthInBytes returns the null bitmap width for arity fields, rounded
// up to a whole number of 8-byte words.
func BitSetWidthInBytes(arity int) int {
	return ((arity + 63 + HeaderSizeInBits) / 64) * 8
}

// FixedLengthPartSize returns the size of the bitmap plus all fixed slots.
func FixedLengthPartSize(arity int) int {
	return BitSetWidthInBytes(arity) + 8*arity
}

// Row is a view over a packed binary row stored in an externally owned
// buffer:
//
//	| null bitmap (header + one bit per field) | 8-byte slot per field | variable heap |
//
// Variable-length fields store (offset<<32 | size) in their slot. Offsets are
// relative to the row start so a row can be moved or re-anchored freely.
type Row struct {
	buf          []byte
	offset       int
	size         int
	arity        int
	nullBitsSize int
}

// FromBytes wraps b as a row with the given arity. b is not copied.
func FromBytes(b []byte, arity int) Row {
	var r Row
	r.arity = arity
	r.nullBitsSize = BitSetWidthInBytes(arity)
	r.pointTo(b, 0, len(b))
	return r
}

func (r *Row) pointTo(buf []byte, offset, size int) {
	r.buf = buf
	r.offset = offset
	r.size = size
}

// IsZero reports whether r points to no data.
func (r Row) IsZero() bool { return r.buf == nil }

// Arity returns the number of fields.
func (r Row) Arity() int { return r.arity }

// Size returns the number of encoded bytes.
func (r Row) Size() int { return r.size }

// Bytes returns the encoded bytes. The slice aliases the backing buffer.
func (r Row) Bytes() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf[r.offset : r.offset+r.size]
}

// Copy returns a row backed by its own buffer.
func (r Row) Copy() Row {
	if r.buf == nil {
		return r
	}
	b := make([]byte, r.size)
	copy(b, r.Bytes())
	return FromBytes(b, r.arity)
}

// Equal reports whether both rows have identical encodings.
func (r Row) Equal(o Row) bool {
	return r.arity == o.arity && bytes.Equal(r.Bytes(), o.Bytes())
}

// Kind returns the row kind stored in the header byte.
func (r Row) Kind() Kind {
	return Kind(r.buf[r.offset])
}

// IsNullAt reports whether field pos is null.
func (r Row) IsNullAt(pos int) bool {
	bit := pos + HeaderSizeInBits
	return r.buf[r.offset+bit>>3]&(1<<(bit&7)) != 0
}

func (r Row) fieldOffset(pos int) int {
	return r.offset + r.nullBitsSize + 8*pos
}

func (r Row) Bool(pos int) bool {
	return r.buf[r.fieldOffset(pos)] != 0
}

func (r Row) Int8(pos int) int8 {
	return int8(r.buf[r.fieldOffset(pos)])
}

func (r Row) Int16(pos int) int16 {
	return int16(binary.LittleEndian.Uint16(r.buf[r.fieldOffset(pos):]))
}

func (r Row) Int32(pos int) int32 {
	return int32(binary.LittleEndian.Uint32(r.buf[r.fieldOffset(pos):]))
}

func (r Row) Int64(pos int) int64 {
	return int64(binary.LittleEndian.Uint64(r.buf[r.fieldOffset(pos):]))
}

func (r Row) Float32(pos int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(r.buf[r.fieldOffset(pos):]))
}

func (r Row) Float64(pos int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.fieldOffset(pos):]))
}

// Binary returns the bytes of a variable-length field. The slice aliases the
// backing buffer.
func (r Row) Binary(pos int) []byte {
	offsetAndSize := binary.LittleEndian.Uint64(r.buf[r.fieldOffset(pos):])
	off := int(offsetAndSize >> 32)
	size := int(uint32(offsetAndSize))
	start := r.offset + off
	return r.buf[start : start+size]
}

func (r Row) String(pos int) string {
	return string(r.Binary(pos))
}

// Get returns field pos as a Go value of the natural type for t, or nil when
// the field is null. Bytes are copied.
func (r Row) Get(pos int, t Type) any {
	if r.IsNullAt(pos) {
		return nil
	}
	switch t {
	case TypeBool:
		return r.Bool(pos)
	case TypeInt8:
		return r.Int8(pos)
	case TypeInt16:
		return r.Int16(pos)
	case TypeInt32:
		return r.Int32(pos)
	case TypeInt64:
		return r.Int64(pos)
	case TypeFloat32:
		return r.Float32(pos)
	case TypeFloat64:
		return r.Float64(pos)
	case TypeString:
		return r.String(pos)
	case TypeBytes:
		return bytes.Clone(r.Binary(pos))
	default:
		panic(fmt.Sprintf("row: unsupported type %v", t))
	}
}

// Values decodes every field of r using rt.
func (r Row) Values(rt RowType) []any {
	values := make([]any, len(rt.Fields))
	for i, f := range rt.Fields {
		values[i] = r.Get(i, f.Type)
	}
	return values
}

// Format renders r as "+I[v1, v2, ...]".
func (r Row) Format(rt RowType) string {
	var sb strings.Builder
	sb.WriteString(r.Kind().ShortString())
	sb.WriteByte('[')
	for i, v := range r.Values(rt) {
		if i > 0 {
			sb.WriteString(", ")
		}
		if v == nil {
			sb.WriteString("NULL")
			continue
		}
		fmt.Fprint(&sb, v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Comparator orders rows of a single RowType.
type Comparator func(a, b Row) int

// NewComparator returns a field-by-field comparator for rt. Nulls sort first.
func NewComparator(rt RowType) Comparator {
	types := rt.Types()
	return func(a, b Row) int {
		for i, t := range types {
			if c := CompareField(a, b, i, t); c != 0 {
				return c
			}
		}
		return 0
	}
}

// CompareField compares field pos of a and b.
func CompareField(a, b Row, pos int, t Type) int {
	an, bn := a.IsNullAt(pos), b.IsNullAt(pos)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	switch t {
	case TypeBool:
		av, bv := a.Bool(pos), b.Bool(pos)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case TypeInt8:
		return cmp.Compare(a.Int8(pos), b.Int8(pos))
	case TypeInt16:
		return cmp.Compare(a.Int16(pos), b.Int16(pos))
	case TypeInt32:
		return cmp.Compare(a.Int32(pos), b.Int32(pos))
	case TypeInt64:
		return cmp.Compare(a.Int64(pos), b.Int64(pos))
	case TypeFloat32:
		return cmp.Compare(a.Float32(pos), b.Float32(pos))
	case TypeFloat64:
		return cmp.Compare(a.Float64(pos), b.Float64(pos))
	case TypeString, TypeBytes:
		return bytes.Compare(a.Binary(pos), b.Binary(pos))
	default:
		panic(fmt.Sprintf("row: unsupported type %v", t))
	}
}

// Of packs values into a new row of type rt. nil encodes null.
func Of(rt RowType, values ...any) Row {
	return OfKind(Insert, rt, values...)
}

// OfKind is like Of but stores kind in the header.
func OfKind(kind Kind, rt RowType, values ...any) Row {
	if len(values) != rt.Arity() {
		panic(fmt.Sprintf("row: %d values for arity %d", len(values), rt.Arity()))
	}
	w := NewWriter(rt.Arity(), 32)
	w.WriteRowKind(kind)
	for i, f := range rt.Fields {
		w.Write(i, f.Type, values[i])
	}
	return w.Complete()
}

// Project builds a new row from the given field positions of src.
func Project(src Row, srcType RowType, indexes []int) Row {
	w := NewWriter(len(indexes), 32)
	for i, idx := range indexes {
		CopyField(w, i, src, idx, srcType.Fields[idx].Type)
	}
	return w.Complete()
}

// CopyField writes field srcPos of src into position dst of w.
func CopyField(w *Writer, dst int, src Row, srcPos int, t Type) {
	if src.IsNullAt(srcPos) {
		w.SetNullAt(dst)
		return
	}
	switch t {
	case TypeBool:
		w.WriteBool(dst, src.Bool(srcPos))
	case TypeInt8:
		w.WriteInt8(dst, src.Int8(srcPos))
	case TypeInt16:
		w.WriteInt16(dst, src.Int16(srcPos))
	case TypeInt32:
		w.WriteInt32(dst, src.Int32(srcPos))
	case TypeInt64:
		w.WriteInt64(dst, src.Int64(srcPos))
	case TypeFloat32:
		w.WriteFloat32(dst, src.Float32(srcPos))
	case TypeFloat64:
		w.WriteFloat64(dst, src.Float64(srcPos))
	case TypeString, TypeBytes:
		w.WriteBytes(dst, src.Binary(srcPos))
	default:
		panic(fmt.Sprintf("row: unsupported type %v", t))
	}
}
