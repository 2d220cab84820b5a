package row

import (
	"fmt"
	"strings"
)

// Type identifies the data type of a single field.
type Type uint8

const (
	TypeBool Type = iota + 1
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
)

// String returns the lower-case type name.
func (t Type) String() string {
	switch t {
	case TypeBool:
		return "boolean"
	case TypeInt8:
		return "tinyint"
	case TypeInt16:
		return "smallint"
	case TypeInt32:
		return "int"
	case TypeInt64:
		return "bigint"
	case TypeFloat32:
		return "float"
	case TypeFloat64:
		return "double"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsFixedLength reports whether values of t live entirely in the 8-byte slot.
func (t Type) IsFixedLength() bool {
	return t >= TypeBool && t <= TypeFloat64
}

// IsNumeric reports whether t is an integer or floating point type.
func (t Type) IsNumeric() bool {
	return t >= TypeInt8 && t <= TypeFloat64
}

// Field is a named, typed column.
type Field struct {
	Name string
	Type Type
}

// RowType is an ordered list of fields.
type RowType struct {
	Fields []Field
}

// NewRowType creates a RowType from the given fields.
func NewRowType(fields ...Field) RowType {
	return RowType{Fields: fields}
}

// Arity returns the number of fields.
func (t RowType) Arity() int { return len(t.Fields) }

// Types returns the field types in order.
func (t RowType) Types() []Type {
	types := make([]Type, len(t.Fields))
	for i, f := range t.Fields {
		types[i] = f.Type
	}
	return types
}

// Names returns the field names in order.
func (t RowType) Names() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// IndexOf returns the position of the named field or -1.
func (t RowType) IndexOf(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Project returns the sub-type formed by the named fields together with
// their positions in t.
func (t RowType) Project(names ...string) (RowType, []int, error) {
	fields := make([]Field, 0, len(names))
	indexes := make([]int, 0, len(names))
	for _, name := range names {
		idx := t.IndexOf(name)
		if idx < 0 {
			return RowType{}, nil, fmt.Errorf("field %q not found in %s", name, t)
		}
		fields = append(fields, t.Fields[idx])
		indexes = append(indexes, idx)
	}
	return RowType{Fields: fields}, indexes, nil
}

func (t RowType) String() string {
	var sb strings.Builder
	sb.WriteString("ROW<")
	for i, f := range t.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte(' ')
		sb.WriteString(f.Type.String())
	}
	sb.WriteByte('>')
	return sb.String()
}

// Kind is the change type stored in a row header.
type Kind uint8

const (
	Insert Kind = iota
	UpdateBefore
	UpdateAfter
	Delete
)

// IsAdd reports whether the kind adds data (INSERT or UPDATE_AFTER).
func (k Kind) IsAdd() bool { return k == Insert || k == UpdateAfter }

// IsRetract reports whether the kind retracts data (UPDATE_BEFORE or DELETE).
func (k Kind) IsRetract() bool { return k == UpdateBefore || k == Delete }

// ShortString returns the compact notation used in changelogs.
func (k Kind) ShortString() string {
	switch k {
	case Insert:
		return "+I"
	case UpdateBefore:
		return "-U"
	case UpdateAfter:
		return "+U"
	case Delete:
		return "-D"
	default:
		return "??"
	}
}

func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case UpdateBefore:
		return "UPDATE_BEFORE"
	case UpdateAfter:
		return "UPDATE_AFTER"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}
