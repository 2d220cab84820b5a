package compact

import (
	"context"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
)

// FileReaderFactory opens the records of a data file.
type FileReaderFactory interface {
	NewReader(ctx context.Context, meta *datafile.DataFileMeta) (kv.Iterator, error)
}

// concatIterator reads iterators one after another, opening each lazily.
type concatIterator struct {
	open func(i int) (kv.Iterator, error)
	n    int
	next int
	cur  kv.Iterator
}

func (c *concatIterator) Next() (kv.KeyValue, bool, error) {
	for {
		if c.cur == nil {
			if c.next >= c.n {
				return kv.KeyValue{}, false, nil
			}
			it, err := c.open(c.next)
			if err != nil {
				return kv.KeyValue{}, false, err
			}
			c.next++
			c.cur = it
		}
		rec, ok, err := c.cur.Next()
		if err != nil || ok {
			return rec, ok, err
		}
		if err := c.cur.Close(); err != nil {
			return kv.KeyValue{}, false, err
		}
		c.cur = nil
	}
}

func (c *concatIterator) Close() error {
	if c.cur == nil {
		return nil
	}
	err := c.cur.Close()
	c.cur = nil
	c.next = c.n
	return err
}

// RunIterator reads the files of a sorted run in key order.
func RunIterator(ctx context.Context, readers FileReaderFactory, run SortedRun) kv.Iterator {
	files := run.Files()
	return &concatIterator{
		n: len(files),
		open: func(i int) (kv.Iterator, error) {
			return readers.NewReader(ctx, files[i])
		},
	}
}

// SectionIterator merges the runs of one section in (key, sequence) order.
// Runs are opened eagerly.
func SectionIterator(ctx context.Context, readers FileReaderFactory, keyCmp row.Comparator, section []SortedRun) kv.Iterator {
	sources := make([]kv.Iterator, len(section))
	for i, run := range section {
		sources[i] = RunIterator(ctx, readers, run)
	}
	return kv.MergeSorted(sources, kv.Comparator(keyCmp))
}

// MergeTreeIterator reads sections one after another, merging the versions
// of every key with mf. With dropDelete set retractions are dropped.
func MergeTreeIterator(ctx context.Context, readers FileReaderFactory, keyCmp row.Comparator, sections [][]SortedRun, mf mergefunc.MergeFunction, dropDelete bool) kv.Iterator {
	var it kv.Iterator = &concatIterator{
		n: len(sections),
		open: func(i int) (kv.Iterator, error) {
			return mergefunc.NewReducingIterator(SectionIterator(ctx, readers, keyCmp, sections[i]), keyCmp, mf), nil
		},
	}
	if dropDelete {
		it = &dropDeleteIterator{Iterator: it}
	}
	return it
}

type dropDeleteIterator struct {
	kv.Iterator
}

func (d *dropDeleteIterator) Next() (kv.KeyValue, bool, error) {
	for {
		rec, ok, err := d.Iterator.Next()
		if err != nil || !ok {
			return rec, ok, err
		}
		if rec.Kind.IsAdd() {
			return rec, true, nil
		}
	}
}
