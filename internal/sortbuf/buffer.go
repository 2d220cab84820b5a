package sortbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

const (
	recordHeaderSize = 17
	indexEntrySize   = 8

	// DefaultMaxFan is the default fan-in of the external merge.
	DefaultMaxFan = 128
)

// Config configures a Buffer.
type Config struct {
	Schema kv.Schema
	// Spillable enables writing sorted runs to disk when the pool is
	// exhausted. Without it Put reports a full buffer instead.
	Spillable bool
	// MaxFan bounds the number of runs merged at once. Minimum 2.
	MaxFan int
	// TempDir is the parent directory of spill files. Empty uses the OS
	// default.
	TempDir string
	// FS is the filesystem for spill files. Nil uses fs.Default.
	FS     fs.FileSystem
	Logger *slog.Logger
}

// Buffer is a sort buffer bound to one memory pool. It is not safe for
// concurrent use.
type Buffer struct {
	cfg      Config
	pool     memory.Pool
	pageSize int
	keyCmp   row.Comparator
	keyArity int
	valArity int
	perIndex int

	pages      [][]byte
	pageOff    int
	indexPages [][]byte
	count      int

	spills  *spiller
	spilled int
}

// New creates an empty buffer allocating from pool.
func New(pool memory.Pool, cfg Config) *Buffer {
	if cfg.MaxFan < 2 {
		cfg.MaxFan = DefaultMaxFan
	}
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	b := &Buffer{
		cfg:      cfg,
		pool:     pool,
		pageSize: pool.PageSize(),
		keyCmp:   row.NewComparator(cfg.Schema.Key),
		keyArity: cfg.Schema.Key.Arity(),
		valArity: cfg.Schema.Value.Arity(),
		perIndex: pool.PageSize() / indexEntrySize,
	}
	b.spills = newSpiller(b)
	return b
}

// Size returns the number of buffered records, spilled ones included.
func (b *Buffer) Size() int { return b.count + b.spilled }

// InMemorySize returns the number of records held in pages.
func (b *Buffer) InMemorySize() int { return b.count }

// SpillRuns returns the number of spilled runs on disk.
func (b *Buffer) SpillRuns() int { return len(b.spills.runs) }

// MemoryOccupancy returns the bytes of pool pages held.
func (b *Buffer) MemoryOccupancy() int64 {
	return int64(len(b.pages)+len(b.indexPages)) * int64(b.pageSize)
}

// Put appends a record. It returns false when the record cannot be stored:
// it is larger than a page, or the pool is exhausted and spilling is
// disabled or did not help.
func (b *Buffer) Put(rec kv.KeyValue) (bool, error) {
	keyBytes := rec.Key.Bytes()
	valBytes := rec.Value.Bytes()
	size := recordHeaderSize + len(keyBytes) + len(valBytes)
	if size > b.pageSize {
		return false, nil
	}

	ok, err := b.reserve(size)
	if err != nil {
		return false, err
	}
	if !ok {
		if !b.cfg.Spillable || b.count == 0 {
			return false, nil
		}
		if err := b.spill(); err != nil {
			return false, err
		}
		if ok, err = b.reserve(size); err != nil || !ok {
			return false, err
		}
	}

	page := b.pages[len(b.pages)-1]
	off := b.pageOff
	binary.LittleEndian.PutUint32(page[off:], uint32(len(keyBytes)))
	binary.LittleEndian.PutUint32(page[off+4:], uint32(len(valBytes)))
	binary.LittleEndian.PutUint64(page[off+8:], rec.Sequence)
	page[off+16] = byte(rec.Kind)
	n := off + recordHeaderSize
	n += copy(page[n:], keyBytes)
	copy(page[n:], valBytes)
	b.pageOff += size

	b.setIndex(b.count, uint64(len(b.pages)-1)<<32|uint64(off))
	b.count++
	return true, nil
}

// reserve makes room for one record of size bytes and one index entry.
func (b *Buffer) reserve(size int) (bool, error) {
	needIndex := b.count == len(b.indexPages)*b.perIndex
	needPage := len(b.pages) == 0 || b.pageOff+size > b.pageSize

	if needIndex {
		page, err := b.pool.Allocate()
		if err != nil {
			return false, ignoreExhausted(err)
		}
		b.indexPages = append(b.indexPages, page)
	}
	if needPage {
		page, err := b.pool.Allocate()
		if err != nil {
			if needIndex {
				last := len(b.indexPages) - 1
				b.pool.Free(b.indexPages[last])
				b.indexPages = b.indexPages[:last]
			}
			return false, ignoreExhausted(err)
		}
		b.pages = append(b.pages, page)
		b.pageOff = 0
	}
	return true, nil
}

func ignoreExhausted(err error) error {
	if errors.Is(err, memory.ErrExhausted) {
		return nil
	}
	return err
}

func (b *Buffer) index(i int) uint64 {
	page := b.indexPages[i/b.perIndex]
	return binary.LittleEndian.Uint64(page[(i%b.perIndex)*indexEntrySize:])
}

func (b *Buffer) setIndex(i int, v uint64) {
	page := b.indexPages[i/b.perIndex]
	binary.LittleEndian.PutUint64(page[(i%b.perIndex)*indexEntrySize:], v)
}

// record decodes the record at index i. Key and value alias the page.
func (b *Buffer) record(i int) kv.KeyValue {
	loc := b.index(i)
	page := b.pages[loc>>32]
	off := int(uint32(loc))
	keyLen := int(binary.LittleEndian.Uint32(page[off:]))
	valLen := int(binary.LittleEndian.Uint32(page[off+4:]))
	start := off + recordHeaderSize
	return kv.KeyValue{
		Key:      row.FromBytes(page[start:start+keyLen], b.keyArity),
		Value:    row.FromBytes(page[start+keyLen:start+keyLen+valLen], b.valArity),
		Sequence: binary.LittleEndian.Uint64(page[off+8:]),
		Kind:     kv.ValueKind(page[off+16]),
		Level:    kv.UnknownLevel,
	}
}

func (b *Buffer) compareAt(i, j int) int {
	x, y := b.record(i), b.record(j)
	if c := b.keyCmp(x.Key, y.Key); c != 0 {
		return c
	}
	switch {
	case x.Sequence < y.Sequence:
		return -1
	case x.Sequence > y.Sequence:
		return 1
	default:
		return 0
	}
}

type indexSorter struct{ b *Buffer }

func (s indexSorter) Len() int           { return s.b.count }
func (s indexSorter) Less(i, j int) bool { return s.b.compareAt(i, j) < 0 }
func (s indexSorter) Swap(i, j int) {
	vi, vj := s.b.index(i), s.b.index(j)
	s.b.setIndex(i, vj)
	s.b.setIndex(j, vi)
}

// sortInMemory stable-sorts the index by (key, sequence).
func (b *Buffer) sortInMemory() {
	sort.Stable(indexSorter{b})
}

// FlushMemory spills the in-memory records when spilling is enabled. It
// reports whether any memory was released.
func (b *Buffer) FlushMemory() (bool, error) {
	if !b.cfg.Spillable || b.count == 0 {
		return false, nil
	}
	if err := b.spill(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Buffer) spill() error {
	b.sortInMemory()
	if err := b.spills.writeRun(&memoryIterator{b: b}, b.count); err != nil {
		return fmt.Errorf("sortbuf: spill: %w", err)
	}
	b.spilled += b.count
	b.freePages()
	return nil
}

func (b *Buffer) freePages() {
	for _, p := range b.pages {
		b.pool.Free(p)
	}
	for _, p := range b.indexPages {
		b.pool.Free(p)
	}
	b.pages = nil
	b.indexPages = nil
	b.pageOff = 0
	b.count = 0
}

// Iterator returns every buffered record in ascending (key, sequence) order.
// Records with equal key and sequence keep insertion order. Returned records
// may alias buffer pages and stay valid until Clear.
func (b *Buffer) Iterator() (kv.Iterator, error) {
	b.sortInMemory()
	mem := &memoryIterator{b: b}
	if len(b.spills.runs) == 0 {
		return mem, nil
	}
	return b.spills.merged(mem)
}

// Clear frees every page and removes all spill files.
func (b *Buffer) Clear() error {
	b.freePages()
	b.spilled = 0
	return b.spills.clear()
}

type memoryIterator struct {
	b   *Buffer
	pos int
}

func (it *memoryIterator) Next() (kv.KeyValue, bool, error) {
	if it.pos >= it.b.count {
		return kv.KeyValue{}, false, nil
	}
	rec := it.b.record(it.pos)
	it.pos++
	return rec, true, nil
}

func (it *memoryIterator) Close() error { return nil }
