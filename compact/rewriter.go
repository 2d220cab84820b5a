package compact

import (
	"context"
	"fmt"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
)

// Rewriter produces the output files of a compaction.
type Rewriter interface {
	// Rewrite merges sections into new files at outputLevel.
	Rewrite(ctx context.Context, outputLevel int32, dropDelete bool, sections [][]SortedRun) (*Result, error)
	// Upgrade moves file to outputLevel.
	Upgrade(ctx context.Context, outputLevel int32, file *datafile.DataFileMeta) (*Result, error)
}

const cancelCheckInterval = 1024

// MergeRewriter merges sections with a merge function and writes the result
// through a rolling writer. Upgrades only change the level.
type MergeRewriter struct {
	readers   FileReaderFactory
	writers   *datafile.WriterFactory
	keyCmp    row.Comparator
	mergeFunc mergefunc.Factory
}

// NewMergeRewriter creates a merge rewriter.
func NewMergeRewriter(readers FileReaderFactory, writers *datafile.WriterFactory, keyCmp row.Comparator, mf mergefunc.Factory) *MergeRewriter {
	return &MergeRewriter{readers: readers, writers: writers, keyCmp: keyCmp, mergeFunc: mf}
}

func (r *MergeRewriter) Rewrite(ctx context.Context, outputLevel int32, dropDelete bool, sections [][]SortedRun) (*Result, error) {
	mf := r.mergeFunc()
	if !dropDelete {
		mf = mergefunc.RetainDelete(mf)
	}
	it := MergeTreeIterator(ctx, r.readers, r.keyCmp, sections, mf, dropDelete)
	defer func() { _ = it.Close() }()

	w := r.writers.NewRollingDataWriter(ctx, outputLevel)
	if err := drainInto(ctx, it, w.Write); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return nil, err
	}
	return &Result{Before: sectionFiles(sections), After: w.Result()}, nil
}

func (r *MergeRewriter) Upgrade(_ context.Context, outputLevel int32, file *datafile.DataFileMeta) (*Result, error) {
	return &Result{
		Before: []*datafile.DataFileMeta{file},
		After:  []*datafile.DataFileMeta{file.Upgrade(outputLevel)},
	}, nil
}

func drainInto(ctx context.Context, it kv.Iterator, write func(kv.KeyValue) error) error {
	for n := 0; ; n++ {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrCompactionCanceled, err)
			}
		}
		rec, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := write(rec); err != nil {
			return err
		}
	}
}

func sectionFiles(sections [][]SortedRun) []*datafile.DataFileMeta {
	var files []*datafile.DataFileMeta
	for _, section := range sections {
		for _, run := range section {
			files = append(files, run.Files()...)
		}
	}
	return files
}

// FullChangelogRewriter produces changelog files whenever data is merged
// into the max level. The changelog compares the previous max level version
// of a key with its newly merged version. Files are never upgraded into the
// max level without rewrite, so every key reaching it is observed.
type FullChangelogRewriter struct {
	*MergeRewriter
	maxLevel int32
}

// NewFullChangelogRewriter creates a rewriter for a tree with maxLevel.
func NewFullChangelogRewriter(maxLevel int32, readers FileReaderFactory, writers *datafile.WriterFactory, keyCmp row.Comparator, mf mergefunc.Factory) *FullChangelogRewriter {
	return &FullChangelogRewriter{MergeRewriter: NewMergeRewriter(readers, writers, keyCmp, mf), maxLevel: maxLevel}
}

func (r *FullChangelogRewriter) Rewrite(ctx context.Context, outputLevel int32, dropDelete bool, sections [][]SortedRun) (*Result, error) {
	if outputLevel != r.maxLevel {
		return r.MergeRewriter.Rewrite(ctx, outputLevel, dropDelete, sections)
	}
	return r.rewriteFullChangelog(ctx, sections)
}

func (r *FullChangelogRewriter) Upgrade(ctx context.Context, outputLevel int32, file *datafile.DataFileMeta) (*Result, error) {
	if outputLevel != r.maxLevel {
		return r.MergeRewriter.Upgrade(ctx, outputLevel, file)
	}
	return r.Rewrite(ctx, outputLevel, true, [][]SortedRun{{SortedRunFromSorted([]*datafile.DataFileMeta{file})}})
}

func (r *FullChangelogRewriter) rewriteFullChangelog(ctx context.Context, sections [][]SortedRun) (*Result, error) {
	dataWriter := r.writers.NewRollingDataWriter(ctx, r.maxLevel)
	changelogWriter := r.writers.NewRollingChangelogWriter(ctx, r.maxLevel)
	abort := func(err error) (*Result, error) {
		dataWriter.Abort()
		changelogWriter.Abort()
		return nil, err
	}

	merger := newChangelogMerger(r.mergeFunc(), r.maxLevel)
	for _, section := range sections {
		it := SectionIterator(ctx, r.readers, r.keyCmp, section)
		err := forEachKey(ctx, it, r.keyCmp, func(group []kv.KeyValue) error {
			result, hasResult, changelog := merger.merge(group)
			for _, c := range changelog {
				if err := changelogWriter.Write(c); err != nil {
					return err
				}
			}
			if hasResult {
				return dataWriter.Write(result)
			}
			return nil
		})
		_ = it.Close()
		if err != nil {
			return abort(err)
		}
	}

	if err := dataWriter.Close(); err != nil {
		return abort(err)
	}
	if err := changelogWriter.Close(); err != nil {
		return abort(err)
	}
	return &Result{
		Before:    sectionFiles(sections),
		After:     dataWriter.Result(),
		Changelog: changelogWriter.Result(),
	}, nil
}

// forEachKey calls fn with every group of consecutive records sharing a key.
func forEachKey(ctx context.Context, it kv.Iterator, keyCmp row.Comparator, fn func([]kv.KeyValue) error) error {
	var group []kv.KeyValue
	err := drainInto(ctx, it, func(rec kv.KeyValue) error {
		if len(group) > 0 && keyCmp(group[0].Key, rec.Key) != 0 {
			if err := fn(group); err != nil {
				return err
			}
			group = group[:0]
		}
		group = append(group, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if len(group) > 0 {
		return fn(group)
	}
	return nil
}

// changelogMerger merges one key and derives its changelog against the
// version previously stored at the max level.
type changelogMerger struct {
	mf       mergefunc.MergeFunction
	maxLevel int32
}

func newChangelogMerger(mf mergefunc.MergeFunction, maxLevel int32) *changelogMerger {
	return &changelogMerger{mf: mf, maxLevel: maxLevel}
}

func (m *changelogMerger) merge(group []kv.KeyValue) (kv.KeyValue, bool, []kv.KeyValue) {
	if len(group) == 1 {
		only := group[0]
		var changelog []kv.KeyValue
		if only.Level != m.maxLevel && only.Kind.IsAdd() {
			changelog = append(changelog, withKind(only, kv.Insert))
		}
		return only, only.Kind.IsAdd(), changelog
	}

	m.mf.Reset()
	var top *kv.KeyValue
	for i := range group {
		if group[i].Level == m.maxLevel {
			top = &group[i]
		}
		m.mf.Add(group[i])
	}
	merged, ok := m.mf.Result()
	ok = ok && merged.Kind.IsAdd()

	var changelog []kv.KeyValue
	switch {
	case top == nil:
		if ok {
			changelog = append(changelog, withKind(merged, kv.Insert))
		}
	case !ok:
		changelog = append(changelog, withKind(*top, kv.Delete))
	case !top.Value.Equal(merged.Value):
		changelog = append(changelog, withKind(*top, kv.UpdateBefore), withKind(merged, kv.UpdateAfter))
	}
	return merged, ok, changelog
}

func withKind(rec kv.KeyValue, kind kv.ValueKind) kv.KeyValue {
	rec.Kind = kind
	return rec
}
