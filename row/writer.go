package row

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer packs field values into the binary row layout.
//
// A Writer owns a growable buffer. Complete returns a view over that buffer,
// so the returned Row is only valid until the next Reset unless it is copied.
// Writing after Complete without Reset is not detected.
type Writer struct {
	arity        int
	nullBitsSize int
	fixedSize    int

	buf    []byte
	cursor int
	row    Row
}

// NewWriter creates a writer for rows with arity fields. initialVarLen is the
// initial capacity reserved for the variable-length heap.
func NewWriter(arity, initialVarLen int) *Writer {
	nullBitsSize := BitSetWidthInBytes(arity)
	fixedSize := nullBitsSize + 8*arity
	w := &Writer{
		arity:        arity,
		nullBitsSize: nullBitsSize,
		fixedSize:    fixedSize,
		buf:          make([]byte, fixedSize+roundToWord(initialVarLen)),
		cursor:       fixedSize,
	}
	w.row = Row{arity: arity, nullBitsSize: nullBitsSize}
	w.row.pointTo(w.buf, 0, fixedSize)
	return w
}

// Reset rewinds the cursor to the end of the fixed region and clears the null
// bitmap (including the header byte).
func (w *Writer) Reset() {
	w.cursor = w.fixedSize
	for i := 0; i < w.nullBitsSize; i += 8 {
		binary.LittleEndian.PutUint64(w.buf[i:], 0)
	}
}

// WriteRowKind stores k in the header byte.
func (w *Writer) WriteRowKind(k Kind) {
	w.buf[0] = byte(k)
}

// SetNullAt marks pos null and zeroes its slot.
func (w *Writer) SetNullAt(pos int) {
	bit := pos + HeaderSizeInBits
	w.buf[bit>>3] |= 1 << (bit & 7)
	binary.LittleEndian.PutUint64(w.buf[w.fieldOffset(pos):], 0)
}

func (w *Writer) clearNull(pos int) {
	bit := pos + HeaderSizeInBits
	w.buf[bit>>3] &^= 1 << (bit & 7)
}

func (w *Writer) fieldOffset(pos int) int {
	return w.nullBitsSize + 8*pos
}

func (w *Writer) putSlot(pos int, v uint64) {
	w.clearNull(pos)
	binary.LittleEndian.PutUint64(w.buf[w.fieldOffset(pos):], v)
}

func (w *Writer) WriteBool(pos int, v bool) {
	var b uint64
	if v {
		b = 1
	}
	w.putSlot(pos, b)
}

func (w *Writer) WriteInt8(pos int, v int8) { w.putSlot(pos, uint64(uint8(v))) }

func (w *Writer) WriteInt16(pos int, v int16) { w.putSlot(pos, uint64(uint16(v))) }

func (w *Writer) WriteInt32(pos int, v int32) { w.putSlot(pos, uint64(uint32(v))) }

func (w *Writer) WriteInt64(pos int, v int64) { w.putSlot(pos, uint64(v)) }

func (w *Writer) WriteFloat32(pos int, v float32) { w.putSlot(pos, uint64(math.Float32bits(v))) }

func (w *Writer) WriteFloat64(pos int, v float64) { w.putSlot(pos, math.Float64bits(v)) }

func (w *Writer) WriteString(pos int, s string) {
	w.writeVarLen(pos, len(s), func(dst []byte) { copy(dst, s) })
}

// WriteBytes appends b to the variable heap and stores its offset and size in
// the slot of pos.
func (w *Writer) WriteBytes(pos int, b []byte) {
	w.writeVarLen(pos, len(b), func(dst []byte) { copy(dst, b) })
}

func (w *Writer) writeVarLen(pos, size int, fill func([]byte)) {
	rounded := roundToWord(size)
	w.ensureCapacity(rounded)
	fill(w.buf[w.cursor : w.cursor+size])
	clear(w.buf[w.cursor+size : w.cursor+rounded])
	w.putSlot(pos, uint64(w.cursor)<<32|uint64(uint32(size)))
	w.cursor += rounded
}

// Write stores a Go value at pos. nil sets the field null. The dynamic type of
// v must match t.
func (w *Writer) Write(pos int, t Type, v any) {
	if v == nil {
		w.SetNullAt(pos)
		return
	}
	switch t {
	case TypeBool:
		w.WriteBool(pos, v.(bool))
	case TypeInt8:
		w.WriteInt8(pos, v.(int8))
	case TypeInt16:
		w.WriteInt16(pos, v.(int16))
	case TypeInt32:
		w.WriteInt32(pos, v.(int32))
	case TypeInt64:
		w.WriteInt64(pos, v.(int64))
	case TypeFloat32:
		w.WriteFloat32(pos, v.(float32))
	case TypeFloat64:
		w.WriteFloat64(pos, v.(float64))
	case TypeString:
		w.WriteString(pos, v.(string))
	case TypeBytes:
		w.WriteBytes(pos, v.([]byte))
	default:
		panic(fmt.Sprintf("row: unsupported type %v", t))
	}
}

// Complete freezes the row size at the current cursor and returns the view.
func (w *Writer) Complete() Row {
	w.row.size = w.cursor
	return w.row
}

// Row returns the live row view. Its size is only meaningful after Complete.
func (w *Writer) Row() *Row {
	return &w.row
}

func (w *Writer) ensureCapacity(n int) {
	need := w.cursor + n
	if need <= len(w.buf) {
		return
	}
	newLen := len(w.buf) * 2
	if newLen < need {
		newLen = need
	}
	grown := make([]byte, newLen)
	copy(grown, w.buf[:w.cursor])
	w.buf = grown
	w.afterGrow()
}

func (w *Writer) afterGrow() {
	w.row.pointTo(w.buf, 0, w.row.size)
}

func roundToWord(n int) int {
	return (n + 7) &^ 7
}
