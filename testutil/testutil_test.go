package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

var allTypes = row.NewRowType(
	row.Field{Name: "b", Type: row.TypeBool},
	row.Field{Name: "i8", Type: row.TypeInt8},
	row.Field{Name: "i16", Type: row.TypeInt16},
	row.Field{Name: "i32", Type: row.TypeInt32},
	row.Field{Name: "i64", Type: row.TypeInt64},
	row.Field{Name: "f32", Type: row.TypeFloat32},
	row.Field{Name: "f64", Type: row.TypeFloat64},
	row.Field{Name: "s", Type: row.TypeString},
	row.Field{Name: "bin", Type: row.TypeBytes},
)

func TestRow(t *testing.T) {
	rng := NewRNG(4711)

	r := rng.Row(allTypes, 0)
	for i := range allTypes.Fields {
		assert.False(t, r.IsNullAt(i))
	}

	nulls := rng.Row(allTypes, 1)
	for i := range allTypes.Fields {
		assert.True(t, nulls.IsNullAt(i))
	}
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	r1 := rng.Row(allTypes, 0.2)
	s1 := rng.String(12)

	rng.Reset()
	r2 := rng.Row(allTypes, 0.2)
	s2 := rng.String(12)

	assert.True(t, r1.Equal(r2))
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 12)
}

func TestKeyValues(t *testing.T) {
	rng := NewRNG(1)
	keyType := row.NewRowType(row.Field{Name: "k", Type: row.TypeInt32})
	schema := kv.Schema{Key: keyType, Value: allTypes}
	keys := []row.Row{row.Of(keyType, int32(1)), row.Of(keyType, int32(2))}

	records := rng.KeyValues(schema, keys, 100, 0.5)
	assert.Len(t, records, 100)

	var deletes int
	for i, r := range records {
		assert.Equal(t, uint64(i), r.Sequence)
		if r.Kind == kv.Delete {
			deletes++
		}
	}
	assert.Greater(t, deletes, 20)
	assert.Less(t, deletes, 80)
}

func TestZipfKeys(t *testing.T) {
	rng := NewRNG(42)
	keys := rng.ZipfKeys(10000, 100, 1.5)

	counts := make([]int, 100)
	for _, k := range keys {
		assert.GreaterOrEqual(t, k, 0)
		assert.Less(t, k, 100)
		counts[k]++
	}
	assert.Greater(t, counts[0], counts[50])
}
