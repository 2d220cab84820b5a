package mergetree

import (
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/internal/sortbuf"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
)

// WriteBuffer is an in-memory ordered multimap from (key, sequence) to
// (kind, value).
type WriteBuffer interface {
	// Put stores a record. It returns false when the buffer is full.
	Put(seq uint64, kind kv.ValueKind, key, value row.Row) (bool, error)
	// Size returns the number of buffered records.
	Size() int
	MemoryOccupancy() int64
	// FlushMemory tries to release memory without a full flush.
	FlushMemory() (bool, error)
	// ForEach drains the buffer in (key, sequence) order. Every record is
	// passed to changelog when it is not nil; the merged record of every key
	// is passed to data.
	ForEach(keyCmp row.Comparator, mf mergefunc.MergeFunction, changelog, data func(kv.KeyValue) error) error
	// Clear drops all records and spill files.
	Clear() error
}

// SortBufferWriteBuffer is a WriteBuffer over a paged sort buffer.
type SortBufferWriteBuffer struct {
	buf *sortbuf.Buffer
}

// NewSortBufferWriteBuffer creates a write buffer allocating from pool.
func NewSortBufferWriteBuffer(pool memory.Pool, cfg sortbuf.Config) *SortBufferWriteBuffer {
	return &SortBufferWriteBuffer{buf: sortbuf.New(pool, cfg)}
}

func (b *SortBufferWriteBuffer) Put(seq uint64, kind kv.ValueKind, key, value row.Row) (bool, error) {
	return b.buf.Put(kv.KeyValue{Key: key, Value: value, Sequence: seq, Kind: kind, Level: kv.UnknownLevel})
}

func (b *SortBufferWriteBuffer) Size() int { return b.buf.Size() }

func (b *SortBufferWriteBuffer) MemoryOccupancy() int64 { return b.buf.MemoryOccupancy() }

func (b *SortBufferWriteBuffer) FlushMemory() (bool, error) { return b.buf.FlushMemory() }

// SpillRuns returns the number of sorted runs spilled to disk.
func (b *SortBufferWriteBuffer) SpillRuns() int { return b.buf.SpillRuns() }

func (b *SortBufferWriteBuffer) ForEach(keyCmp row.Comparator, mf mergefunc.MergeFunction, changelog, data func(kv.KeyValue) error) error {
	it, err := b.buf.Iterator()
	if err != nil {
		return err
	}
	if changelog != nil {
		it = mergefunc.Tee(it, changelog)
	}
	merged := mergefunc.NewReducingIterator(it, keyCmp, mf)
	defer func() { _ = merged.Close() }()
	for {
		rec, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := data(rec); err != nil {
			return err
		}
	}
}

func (b *SortBufferWriteBuffer) Clear() error { return b.buf.Clear() }
