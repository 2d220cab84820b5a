package mergefunc

import (
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

// ReducingIterator groups consecutive records with equal keys from a sorted
// input and yields one merged record per group.
type ReducingIterator struct {
	input  kv.Iterator
	keyCmp row.Comparator
	mf     MergeFunction

	pending    kv.KeyValue
	hasPending bool
	done       bool
}

// NewReducingIterator wraps input, which must be ordered by (key, sequence).
func NewReducingIterator(input kv.Iterator, keyCmp row.Comparator, mf MergeFunction) *ReducingIterator {
	return &ReducingIterator{input: input, keyCmp: keyCmp, mf: mf}
}

func (r *ReducingIterator) Next() (kv.KeyValue, bool, error) {
	for {
		if !r.hasPending {
			if r.done {
				return kv.KeyValue{}, false, nil
			}
			rec, ok, err := r.input.Next()
			if err != nil {
				return kv.KeyValue{}, false, err
			}
			if !ok {
				r.done = true
				return kv.KeyValue{}, false, nil
			}
			r.pending = rec
		}

		r.mf.Reset()
		r.mf.Add(r.pending)
		key := r.pending.Key
		r.hasPending = false

		for {
			rec, ok, err := r.input.Next()
			if err != nil {
				return kv.KeyValue{}, false, err
			}
			if !ok {
				r.done = true
				break
			}
			if r.keyCmp(rec.Key, key) != 0 {
				r.pending = rec
				r.hasPending = true
				break
			}
			r.mf.Add(rec)
		}

		if res, ok := r.mf.Result(); ok {
			return res, true, nil
		}
	}
}

func (r *ReducingIterator) Close() error {
	return r.input.Close()
}

// teeIterator passes every record to fn before returning it.
type teeIterator struct {
	kv.Iterator
	fn func(kv.KeyValue) error
}

// Tee returns an iterator that calls fn with every record read from it.
func Tee(it kv.Iterator, fn func(kv.KeyValue) error) kv.Iterator {
	return &teeIterator{Iterator: it, fn: fn}
}

func (t *teeIterator) Next() (kv.KeyValue, bool, error) {
	rec, ok, err := t.Iterator.Next()
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := t.fn(rec); err != nil {
		return kv.KeyValue{}, false, err
	}
	return rec, true, nil
}
