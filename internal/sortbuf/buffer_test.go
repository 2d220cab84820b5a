package sortbuf

import (
	"math/rand/v2"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

var schema = kv.Schema{
	Key:   row.NewRowType(row.Field{Name: "id", Type: row.TypeInt32}),
	Value: row.NewRowType(row.Field{Name: "payload", Type: row.TypeString}),
}

func record(id int32, seq uint64, payload string) kv.KeyValue {
	return kv.New(row.Of(schema.Key, id), seq, kv.Insert, row.Of(schema.Value, payload))
}

func drain(t *testing.T, b *Buffer) []kv.KeyValue {
	t.Helper()
	it, err := b.Iterator()
	require.NoError(t, err)
	out, err := kv.Collect(it)
	require.NoError(t, err)
	return out
}

func assertSorted(t *testing.T, records []kv.KeyValue) {
	t.Helper()
	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		pk, ck := prev.Key.Int32(0), cur.Key.Int32(0)
		if pk == ck {
			require.LessOrEqual(t, prev.Sequence, cur.Sequence, "position %d", i)
			continue
		}
		require.Less(t, pk, ck, "position %d", i)
	}
}

func TestBuffer_InMemoryOrder(t *testing.T) {
	b := New(memory.NewHeapPool(4096, 64), Config{Schema: schema})
	rng := rand.New(rand.NewPCG(1, 2))

	for seq := range uint64(500) {
		ok, err := b.Put(record(rng.Int32N(100), seq, "v"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 500, b.Size())
	assert.Positive(t, b.MemoryOccupancy())

	out := drain(t, b)
	require.Len(t, out, 500)
	assertSorted(t, out)
	require.NoError(t, b.Clear())
	assert.Zero(t, b.Size())
	assert.Zero(t, b.MemoryOccupancy())
}

func TestBuffer_StableForEqualSequence(t *testing.T) {
	b := New(memory.NewHeapPool(1024, 8), Config{Schema: schema})
	for _, p := range []string{"first", "second", "third"} {
		ok, err := b.Put(record(1, 7, p))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := b.Put(record(0, 9, "other"))
	require.NoError(t, err)
	require.True(t, ok)

	var got []string
	for _, r := range drain(t, b) {
		got = append(got, r.Value.String(0))
	}
	assert.Equal(t, []string{"other", "first", "second", "third"}, got)
}

func TestBuffer_NotSpillableReportsFull(t *testing.T) {
	pool := memory.NewHeapPool(256, 2)
	b := New(pool, Config{Schema: schema})

	var accepted int
	for seq := uint64(0); ; seq++ {
		ok, err := b.Put(record(int32(seq), seq, "payload"))
		require.NoError(t, err)
		if !ok {
			break
		}
		accepted++
	}
	assert.Positive(t, accepted)
	assert.Equal(t, accepted, b.Size())
	assert.Zero(t, b.SpillRuns())

	require.NoError(t, b.Clear())
	assert.Equal(t, 2, pool.FreePages())
	ok, err := b.Put(record(1, 1, "again"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuffer_RecordLargerThanPage(t *testing.T) {
	b := New(memory.NewHeapPool(128, 4), Config{Schema: schema, Spillable: true})
	ok, err := b.Put(record(1, 1, strings.Repeat("x", 200)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuffer_SpillAndMerge(t *testing.T) {
	tests := []struct {
		name   string
		maxFan int
	}{
		{"wide fan", 64},
		{"narrow fan", 2},
		{"fan of three", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := memory.NewHeapPool(512, 3)
			b := New(pool, Config{Schema: schema, Spillable: true, MaxFan: tt.maxFan, TempDir: t.TempDir()})
			rng := rand.New(rand.NewPCG(3, 4))

			const n = 2000
			for seq := range uint64(n) {
				ok, err := b.Put(record(rng.Int32N(300), seq, "value"))
				require.NoError(t, err)
				require.True(t, ok)
			}
			assert.Equal(t, n, b.Size())
			assert.Positive(t, b.SpillRuns())
			assert.Less(t, b.SpillRuns(), tt.maxFan)

			out := drain(t, b)
			require.Len(t, out, n)
			assertSorted(t, out)

			seen := make(map[uint64]bool, n)
			for _, r := range out {
				require.False(t, seen[r.Sequence])
				seen[r.Sequence] = true
			}

			require.NoError(t, b.Clear())
			assert.Zero(t, b.SpillRuns())
			assert.Equal(t, 3, pool.FreePages())
		})
	}
}

func TestBuffer_FlushMemory(t *testing.T) {
	dir := t.TempDir()
	b := New(memory.NewHeapPool(1024, 8), Config{Schema: schema, Spillable: true, TempDir: dir})

	flushed, err := b.FlushMemory()
	require.NoError(t, err)
	assert.False(t, flushed)

	for seq := range uint64(10) {
		_, err := b.Put(record(int32(10-seq), seq, "v"))
		require.NoError(t, err)
	}
	flushed, err = b.FlushMemory()
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Zero(t, b.MemoryOccupancy())
	assert.Equal(t, 10, b.Size())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, b.Clear())
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuffer_SpillFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("spill-", fs.Fault{FailAfterBytes: -1, FailOnClose: true})

	b := New(memory.NewHeapPool(256, 2), Config{Schema: schema, Spillable: true, TempDir: t.TempDir(), FS: ffs})

	var err error
	for seq := uint64(0); seq < 100 && err == nil; seq++ {
		_, err = b.Put(record(int32(seq), seq, "payload"))
	}
	assert.ErrorIs(t, err, fs.ErrInjected)
	require.NoError(t, b.Clear())
}
