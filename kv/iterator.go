package kv

import "container/heap"

// Iterator yields KeyValue records. Next returns false once exhausted.
// Returned records stay valid after later calls to Next.
type Iterator interface {
	Next() (KeyValue, bool, error)
	Close() error
}

// SliceIterator iterates an in-memory slice.
type SliceIterator struct {
	records []KeyValue
	pos     int
}

// NewSliceIterator returns an iterator over records.
func NewSliceIterator(records []KeyValue) *SliceIterator {
	return &SliceIterator{records: records}
}

func (it *SliceIterator) Next() (KeyValue, bool, error) {
	if it.pos >= len(it.records) {
		return KeyValue{}, false, nil
	}
	kv := it.records[it.pos]
	it.pos++
	return kv, true, nil
}

func (it *SliceIterator) Close() error { return nil }

// Collect drains it and closes it.
func Collect(it Iterator) ([]KeyValue, error) {
	defer func() { _ = it.Close() }()
	var out []KeyValue
	for {
		kv, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, kv)
	}
}

type mergeItem struct {
	kv     KeyValue
	source int
}

type mergeHeap struct {
	items []mergeItem
	cmp   func(a, b KeyValue) int
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := h.cmp(h.items[i].kv, h.items[j].kv); c != 0 {
		return c < 0
	}
	// Equal (key, sequence): earlier source first keeps the merge stable.
	return h.items[i].source < h.items[j].source
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// MergeIterator is a k-way merge over sorted iterators.
type MergeIterator struct {
	sources []Iterator
	h       *mergeHeap
	started bool
}

// MergeSorted merges iterators that are each sorted by cmp. Records comparing
// equal are emitted in source order.
func MergeSorted(sources []Iterator, cmp func(a, b KeyValue) int) *MergeIterator {
	return &MergeIterator{
		sources: sources,
		h:       &mergeHeap{cmp: cmp, items: make([]mergeItem, 0, len(sources))},
	}
}

func (m *MergeIterator) init() error {
	m.started = true
	for i, src := range m.sources {
		kv, ok, err := src.Next()
		if err != nil {
			return err
		}
		if ok {
			m.h.items = append(m.h.items, mergeItem{kv: kv, source: i})
		}
	}
	heap.Init(m.h)
	return nil
}

func (m *MergeIterator) Next() (KeyValue, bool, error) {
	if !m.started {
		if err := m.init(); err != nil {
			return KeyValue{}, false, err
		}
	}
	if m.h.Len() == 0 {
		return KeyValue{}, false, nil
	}
	top := m.h.items[0]
	next, ok, err := m.sources[top.source].Next()
	if err != nil {
		return KeyValue{}, false, err
	}
	if ok {
		m.h.items[0] = mergeItem{kv: next, source: top.source}
		heap.Fix(m.h, 0)
	} else {
		heap.Pop(m.h)
	}
	return top.kv, true, nil
}

// Close closes every source and returns the first error.
func (m *MergeIterator) Close() error {
	var first error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
