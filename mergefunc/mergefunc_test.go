package mergefunc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

var (
	keyType   = row.NewRowType(row.Field{Name: "k", Type: row.TypeInt32})
	valueType = row.NewRowType(
		row.Field{Name: "a", Type: row.TypeInt64},
		row.Field{Name: "b", Type: row.TypeInt64},
	)
)

func rec(seq uint64, kind kv.ValueKind, a, b any) kv.KeyValue {
	return kv.New(row.Of(keyType, int32(1)), seq, kind, row.Of(valueType, a, b))
}

func merge(t *testing.T, cfg Config, records ...kv.KeyValue) (kv.KeyValue, bool) {
	t.Helper()
	f, err := NewFactory(cfg)
	require.NoError(t, err)
	mf := f()
	mf.Reset()
	for _, r := range records {
		mf.Add(r)
	}
	return mf.Result()
}

func TestDeduplicate(t *testing.T) {
	cfg := Config{Engine: Deduplicate, ValueType: valueType}

	_, ok := merge(t, cfg,
		rec(1, kv.Insert, int64(1), nil),
		rec(2, kv.Insert, int64(2), nil),
		rec(3, kv.Delete, int64(2), nil),
	)
	assert.False(t, ok)

	res, ok := merge(t, cfg,
		rec(1, kv.Insert, int64(1), nil),
		rec(2, kv.Insert, int64(2), nil),
	)
	require.True(t, ok)
	assert.Equal(t, uint64(2), res.Sequence)
	assert.Equal(t, []any{int64(2), nil}, res.Value.Values(valueType))
}

func TestPartialUpdate(t *testing.T) {
	cfg := Config{Engine: PartialUpdate, ValueType: valueType}

	res, ok := merge(t, cfg,
		rec(1, kv.Insert, int64(1), nil),
		rec(2, kv.Insert, nil, int64(2)),
	)
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2)}, res.Value.Values(valueType))
	assert.Equal(t, uint64(2), res.Sequence)

	t.Run("delete resets", func(t *testing.T) {
		res, ok := merge(t, cfg,
			rec(1, kv.Insert, int64(1), int64(1)),
			rec(2, kv.Delete, nil, nil),
			rec(3, kv.Insert, nil, int64(3)),
		)
		require.True(t, ok)
		assert.Equal(t, []any{nil, int64(3)}, res.Value.Values(valueType))
	})

	t.Run("trailing delete", func(t *testing.T) {
		_, ok := merge(t, cfg, rec(1, kv.Insert, int64(1), nil), rec(2, kv.Delete, nil, nil))
		assert.False(t, ok)
	})

	t.Run("update before ignored", func(t *testing.T) {
		res, ok := merge(t, cfg, rec(1, kv.Insert, int64(1), nil), rec(2, kv.UpdateBefore, int64(9), int64(9)))
		require.True(t, ok)
		assert.Equal(t, []any{int64(1), nil}, res.Value.Values(valueType))
	})
}

func TestAggregate(t *testing.T) {
	vt := row.NewRowType(
		row.Field{Name: "total", Type: row.TypeInt64},
		row.Field{Name: "lo", Type: row.TypeFloat64},
		row.Field{Name: "hi", Type: row.TypeString},
		row.Field{Name: "all", Type: row.TypeBool},
		row.Field{Name: "any", Type: row.TypeBool},
		row.Field{Name: "first", Type: row.TypeInt32},
		row.Field{Name: "last", Type: row.TypeInt32},
		row.Field{Name: "tags", Type: row.TypeString},
	)
	cfg := Config{
		Engine:    Aggregate,
		ValueType: vt,
		Aggregators: map[string]string{
			"total": "sum",
			"lo":    "min",
			"hi":    "max",
			"all":   "bool_and",
			"any":   "bool_or",
			"first": "first_value",
			"tags":  "listagg",
		},
	}
	key := row.Of(keyType, int32(7))
	mk := func(seq uint64, kind kv.ValueKind, values ...any) kv.KeyValue {
		return kv.New(key, seq, kind, row.Of(vt, values...))
	}

	res, ok := merge(t, cfg,
		mk(1, kv.Insert, nil, 2.5, "b", true, false, nil, int32(1), "x"),
		mk(2, kv.Insert, int64(3), 1.5, "a", true, nil, int32(10), int32(2), nil),
		mk(3, kv.Delete, int64(100), 0.1, "z", false, true, int32(0), int32(0), "ignored"),
		mk(4, kv.Insert, int64(4), nil, "c", false, true, int32(20), nil, "y"),
	)
	require.True(t, ok)
	assert.Equal(t, kv.Insert, res.Kind)
	assert.Equal(t, uint64(4), res.Sequence)
	assert.Equal(t,
		[]any{int64(7), 1.5, "c", false, true, int32(10), int32(2), "x,y"},
		res.Value.Values(vt),
	)

	_, ok = merge(t, cfg, mk(1, kv.Delete, nil, nil, nil, nil, nil, nil, nil, nil))
	assert.False(t, ok)
}

func TestAggregateConfigErrors(t *testing.T) {
	_, err := NewFactory(Config{Engine: Aggregate, ValueType: valueType, Aggregators: map[string]string{"a": "bool_and"}})
	var aggErr *AggregatorError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, "a", aggErr.Field)

	_, err = NewFactory(Config{Engine: Aggregate, ValueType: valueType, Aggregators: map[string]string{"a": "median"}})
	assert.ErrorIs(t, err, ErrUnknownAggregator)

	_, err = NewFactory(Config{Engine: Aggregate, ValueType: valueType, Aggregators: map[string]string{"zzz": "sum"}})
	assert.Error(t, err)
}

func TestRetainDelete(t *testing.T) {
	f, err := NewFactory(Config{Engine: Deduplicate, ValueType: valueType})
	require.NoError(t, err)
	mf := RetainDelete(f())

	mf.Reset()
	mf.Add(rec(1, kv.Insert, int64(1), nil))
	mf.Add(rec(2, kv.Delete, nil, nil))
	res, ok := mf.Result()
	require.True(t, ok)
	assert.Equal(t, kv.Delete, res.Kind)
	assert.Equal(t, uint64(2), res.Sequence)

	mf.Reset()
	mf.Add(rec(3, kv.Insert, int64(3), nil))
	res, ok = mf.Result()
	require.True(t, ok)
	assert.Equal(t, kv.Insert, res.Kind)
}

func TestReducingIterator(t *testing.T) {
	k := func(id int32, seq uint64, kind kv.ValueKind, a int64) kv.KeyValue {
		return kv.New(row.Of(keyType, id), seq, kind, row.Of(valueType, a, nil))
	}
	input := kv.NewSliceIterator([]kv.KeyValue{
		k(1, 1, kv.Insert, 10),
		k(1, 4, kv.Insert, 11),
		k(2, 2, kv.Insert, 20),
		k(2, 5, kv.Delete, 0),
		k(3, 3, kv.Insert, 30),
	})
	f, err := NewFactory(Config{Engine: Deduplicate, ValueType: valueType})
	require.NoError(t, err)

	var raw int
	it := NewReducingIterator(Tee(input, func(kv.KeyValue) error { raw++; return nil }), row.NewComparator(keyType), f())
	out, err := kv.Collect(it)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, int32(1), out[0].Key.Int32(0))
	assert.Equal(t, int64(11), out[0].Value.Int64(0))
	assert.Equal(t, int32(3), out[1].Key.Int32(0))
	assert.Equal(t, 5, raw)
}

func TestParseEngine(t *testing.T) {
	tests := []struct {
		in   string
		want Engine
	}{
		{"", Deduplicate},
		{"deduplicate", Deduplicate},
		{"partial-update", PartialUpdate},
		{"aggregation", Aggregate},
	}
	for _, tt := range tests {
		got, err := ParseEngine(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ParseEngine("first-row")
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
