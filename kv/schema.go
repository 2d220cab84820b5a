package kv

import (
	"fmt"

	"github.com/hupe1980/tablestore/row"
)

const (
	// KeyFieldPrefix prefixes key columns in the flat record type.
	KeyFieldPrefix = "_KEY_"
	// SequenceField is the system column holding the sequence number.
	SequenceField = "_SEQUENCE_NUMBER"
	// ValueKindField is the system column holding the value kind.
	ValueKindField = "_VALUE_KIND"
)

// Schema describes the key and value row types of a merge tree.
type Schema struct {
	Key   row.RowType
	Value row.RowType
}

// RecordType returns the flat type persisted in data files:
// key fields, sequence number, value kind, value fields.
func (s Schema) RecordType() row.RowType {
	fields := make([]row.Field, 0, s.Key.Arity()+2+s.Value.Arity())
	for _, f := range s.Key.Fields {
		fields = append(fields, row.Field{Name: KeyFieldPrefix + f.Name, Type: f.Type})
	}
	fields = append(fields,
		row.Field{Name: SequenceField, Type: row.TypeInt64},
		row.Field{Name: ValueKindField, Type: row.TypeInt8},
	)
	fields = append(fields, s.Value.Fields...)
	return row.NewRowType(fields...)
}

// Serializer converts between KeyValue and the flat record row. A Serializer
// reuses an internal writer and is not safe for concurrent use.
type Serializer struct {
	schema    Schema
	keyArity  int
	valArity  int
	keyTypes  []row.Type
	valTypes  []row.Type
	recWriter *row.Writer
}

// NewSerializer creates a serializer for s.
func NewSerializer(s Schema) *Serializer {
	return &Serializer{
		schema:    s,
		keyArity:  s.Key.Arity(),
		valArity:  s.Value.Arity(),
		keyTypes:  s.Key.Types(),
		valTypes:  s.Value.Types(),
		recWriter: row.NewWriter(s.Key.Arity()+2+s.Value.Arity(), 64),
	}
}

// Schema returns the key and value types.
func (s *Serializer) Schema() Schema { return s.schema }

// ToRow encodes kv into the flat record layout. The returned row aliases the
// serializer's buffer until the next call.
func (s *Serializer) ToRow(kv KeyValue) row.Row {
	w := s.recWriter
	w.Reset()
	for i, t := range s.keyTypes {
		row.CopyField(w, i, kv.Key, i, t)
	}
	w.WriteInt64(s.keyArity, int64(kv.Sequence))
	w.WriteInt8(s.keyArity+1, int8(kv.Kind))
	for i, t := range s.valTypes {
		row.CopyField(w, s.keyArity+2+i, kv.Value, i, t)
	}
	return w.Complete()
}

// FromRow decodes a flat record into a KeyValue with freshly allocated key
// and value rows.
func (s *Serializer) FromRow(r row.Row, level int32) (KeyValue, error) {
	if r.Arity() != s.keyArity+2+s.valArity {
		return KeyValue{}, fmt.Errorf("kv: record arity %d, want %d", r.Arity(), s.keyArity+2+s.valArity)
	}
	kw := row.NewWriter(s.keyArity, 16)
	for i, t := range s.keyTypes {
		row.CopyField(kw, i, r, i, t)
	}
	vw := row.NewWriter(s.valArity, 32)
	for i, t := range s.valTypes {
		row.CopyField(vw, i, r, s.keyArity+2+i, t)
	}
	kind := ValueKind(r.Int8(s.keyArity + 1))
	if kind > Delete {
		return KeyValue{}, fmt.Errorf("kv: invalid value kind %d", kind)
	}
	return KeyValue{
		Key:      kw.Complete(),
		Value:    vw.Complete(),
		Sequence: uint64(r.Int64(s.keyArity)),
		Kind:     kind,
		Level:    level,
	}, nil
}
