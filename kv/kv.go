// Package kv defines the KeyValue record carried through the merge tree and
// its flat row encoding.
package kv

import (
	"fmt"
	"math"

	"github.com/hupe1980/tablestore/row"
)

// ValueKind is the change type of a record.
type ValueKind = row.Kind

const (
	Insert       = row.Insert
	UpdateBefore = row.UpdateBefore
	UpdateAfter  = row.UpdateAfter
	Delete       = row.Delete
)

// UnknownSequence marks a record whose sequence number is assigned by the
// writer.
const UnknownSequence uint64 = math.MaxUint64

// UnknownLevel marks a record not yet read from a leveled file.
const UnknownLevel int32 = -1

// KeyValue is a single versioned record.
type KeyValue struct {
	Key      row.Row
	Value    row.Row
	Sequence uint64
	Kind     ValueKind
	Level    int32
}

// New builds a KeyValue with an unknown level.
func New(key row.Row, seq uint64, kind ValueKind, value row.Row) KeyValue {
	return KeyValue{Key: key, Value: value, Sequence: seq, Kind: kind, Level: UnknownLevel}
}

// Copy deep-copies key and value so the record outlives reused buffers.
func (kv KeyValue) Copy() KeyValue {
	kv.Key = kv.Key.Copy()
	kv.Value = kv.Value.Copy()
	return kv
}

// Format renders the record using the key and value types.
func (kv KeyValue) Format(keyType, valueType row.RowType) string {
	return fmt.Sprintf("{kind: %s, seq: %d, key: %s, value: %s}",
		kv.Kind.ShortString(), kv.Sequence, kv.Key.Format(keyType), kv.Value.Format(valueType))
}

// Comparator orders records by key, then by sequence number.
func Comparator(keyCmp row.Comparator) func(a, b KeyValue) int {
	return func(a, b KeyValue) int {
		if c := keyCmp(a.Key, b.Key); c != 0 {
			return c
		}
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		default:
			return 0
		}
	}
}
