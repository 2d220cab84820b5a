package mergefunc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/tablestore/row"
)

// ErrUnknownAggregator is returned for an unrecognized aggregate function.
var ErrUnknownAggregator = errors.New("mergefunc: unknown aggregate function")

// AggregatorError reports an aggregate function that cannot serve a field.
type AggregatorError struct {
	Field    string
	Function string
	Type     row.Type
}

func (e *AggregatorError) Error() string {
	return fmt.Sprintf("mergefunc: aggregate function %s does not support field %s of type %s", e.Function, e.Field, e.Type)
}

// FieldAggregator combines an accumulator with the next non-null input.
// Values use the Go types returned by row.Row.Get.
type FieldAggregator interface {
	Name() string
	Agg(acc, input any) any
}

// aggregateField applies the null rules shared by every aggregator: a null
// input leaves the accumulator unchanged and the first non-null input seeds
// it.
func aggregateField(agg FieldAggregator, acc, input any) any {
	if input == nil {
		return acc
	}
	if acc == nil {
		return input
	}
	return agg.Agg(acc, input)
}

// ListAggDelimiter separates values concatenated by listagg.
const ListAggDelimiter = ","

// NewFieldAggregator returns the aggregator called name for a field of type t.
func NewFieldAggregator(name, field string, t row.Type) (FieldAggregator, error) {
	unsupported := &AggregatorError{Field: field, Function: name, Type: t}
	switch name {
	case "sum":
		if !t.IsNumeric() {
			return nil, unsupported
		}
		return sumAgg{}, nil
	case "min":
		return minMaxAgg{name: name, sign: -1}, nil
	case "max":
		return minMaxAgg{name: name, sign: 1}, nil
	case "bool_and":
		if t != row.TypeBool {
			return nil, unsupported
		}
		return boolAgg{and: true}, nil
	case "bool_or":
		if t != row.TypeBool {
			return nil, unsupported
		}
		return boolAgg{}, nil
	case "first_value":
		return firstValueAgg{}, nil
	case "", "last_value":
		return lastValueAgg{}, nil
	case "listagg":
		if t != row.TypeString {
			return nil, unsupported
		}
		return listAgg{delimiter: ListAggDelimiter}, nil
	default:
		return nil, fmt.Errorf("%w: %q for field %s", ErrUnknownAggregator, name, field)
	}
}

func fieldAggregators(rt row.RowType, names map[string]string) ([]FieldAggregator, error) {
	for field := range names {
		if rt.IndexOf(field) < 0 {
			return nil, fmt.Errorf("mergefunc: aggregate function configured for unknown field %q", field)
		}
	}
	aggs := make([]FieldAggregator, rt.Arity())
	for i, f := range rt.Fields {
		agg, err := NewFieldAggregator(names[f.Name], f.Name, f.Type)
		if err != nil {
			return nil, err
		}
		aggs[i] = agg
	}
	return aggs, nil
}

type sumAgg struct{}

func (sumAgg) Name() string { return "sum" }

func (sumAgg) Agg(acc, input any) any {
	switch a := acc.(type) {
	case int8:
		return a + input.(int8)
	case int16:
		return a + input.(int16)
	case int32:
		return a + input.(int32)
	case int64:
		return a + input.(int64)
	case float32:
		return a + input.(float32)
	case float64:
		return a + input.(float64)
	default:
		panic(fmt.Sprintf("mergefunc: sum over %T", acc))
	}
}

type minMaxAgg struct {
	name string
	sign int
}

func (m minMaxAgg) Name() string { return m.name }

func (m minMaxAgg) Agg(acc, input any) any {
	if row.CompareValues(input, acc)*m.sign > 0 {
		return input
	}
	return acc
}

type boolAgg struct{ and bool }

func (b boolAgg) Name() string {
	if b.and {
		return "bool_and"
	}
	return "bool_or"
}

func (b boolAgg) Agg(acc, input any) any {
	if b.and {
		return acc.(bool) && input.(bool)
	}
	return acc.(bool) || input.(bool)
}

type firstValueAgg struct{}

func (firstValueAgg) Name() string { return "first_value" }

func (firstValueAgg) Agg(acc, _ any) any { return acc }

type lastValueAgg struct{}

func (lastValueAgg) Name() string { return "last_value" }

func (lastValueAgg) Agg(_, input any) any { return input }

type listAgg struct{ delimiter string }

func (listAgg) Name() string { return "listagg" }

func (l listAgg) Agg(acc, input any) any {
	var sb strings.Builder
	sb.WriteString(acc.(string))
	sb.WriteString(l.delimiter)
	sb.WriteString(input.(string))
	return sb.String()
}
