package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/compact"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

// Change is one changelog record.
type Change struct {
	Kind row.Kind
	Row  row.Row
}

// Read returns the merged rows of one partition in the latest snapshot,
// bucket by bucket in key order. Deleted keys are omitted.
func (t *Table) Read(ctx context.Context, partition ...any) ([]row.Row, error) {
	pt := row.Of(t.schema.partitionType, partition...)
	s, err := t.snapshots.Latest(ctx)
	if err != nil || s == nil {
		return nil, err
	}

	buckets := make(map[int][]*datafile.DataFileMeta)
	for _, e := range s.Files {
		if e.Partition.Equal(pt) {
			buckets[e.Bucket] = append(buckets[e.Bucket], e.File)
		}
	}
	ids := make([]int, 0, len(buckets))
	for b := range buckets {
		ids = append(ids, b)
	}
	slices.Sort(ids)

	results := make([][]row.Row, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, bucket := range ids {
		g.Go(func() error {
			rows, err := t.readBucket(gctx, pt, bucket, buckets[bucket])
			results[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

func (t *Table) readBucket(ctx context.Context, partition row.Row, bucket int, files []*datafile.DataFileMeta) ([]row.Row, error) {
	sections := compact.IntervalPartition(files, t.keyCmp)
	it := compact.MergeTreeIterator(ctx, t.readerFactory(partition, bucket), t.keyCmp, sections, t.mf(), true)
	records, err := kv.Collect(it)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.bucketDir(partition, bucket), err)
	}
	rows := make([]row.Row, len(records))
	for i, r := range records {
		rows[i] = r.Value
	}
	return rows, nil
}

// ReadChangelog returns the changelog records added by snapshot id.
func (t *Table) ReadChangelog(ctx context.Context, id int64) ([]Change, error) {
	s, err := t.snapshots.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Change
	for _, e := range s.Changelog {
		it, err := t.readerFactory(e.Partition, e.Bucket).NewReader(ctx, e.File)
		if err != nil {
			return nil, err
		}
		records, err := kv.Collect(it)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			out = append(out, Change{Kind: r.Kind, Row: r.Value})
		}
	}
	return out, nil
}

// Range restricts a field to [Min, Max]. A nil bound is open. Bounds must
// have the Go type of the field.
type Range struct {
	Field    string
	Min, Max any
}

// Plan lists the files of a snapshot that may hold matching rows.
type Plan struct {
	SnapshotID int64
	Files      []FileEntry
}

// Plan selects the files of the latest snapshot whose statistics overlap
// every range.
func (t *Table) Plan(ctx context.Context, ranges ...Range) (*Plan, error) {
	for _, r := range ranges {
		if t.schema.RowType.IndexOf(r.Field) < 0 {
			return nil, &ErrFieldNotFound{Field: r.Field}
		}
	}
	s, err := t.snapshots.Latest(ctx)
	if err != nil || s == nil {
		return &Plan{}, err
	}
	files, err := FilterByStats(ctx, s.Files, t.stats.get, ranges)
	if err != nil {
		return nil, err
	}
	return &Plan{SnapshotID: s.ID, Files: files}, nil
}

// StatsConverter resolves field names against the value type of one schema
// version.
type StatsConverter struct {
	rowType row.RowType
}

// NewStatsConverter creates a converter for rows of rt.
func NewStatsConverter(rt row.RowType) *StatsConverter {
	return &StatsConverter{rowType: rt}
}

// mayMatch reports whether a file with the given value statistics can hold
// a row inside r.
func (c *StatsConverter) mayMatch(f *datafile.DataFileMeta, r Range) bool {
	pos := c.rowType.IndexOf(r.Field)
	if pos < 0 {
		// Field added after the file was written; its values read as null.
		return r.Min == nil && r.Max == nil
	}
	stats := f.ValueStats
	if len(stats.NullCounts) > pos && stats.NullCounts[pos] == f.RowCount {
		return false
	}
	typ := c.rowType.Fields[pos].Type
	minV, maxV := stats.MinValue(pos, typ), stats.MaxValue(pos, typ)
	if r.Min != nil && maxV != nil && row.CompareValues(maxV, r.Min) < 0 {
		return false
	}
	if r.Max != nil && minV != nil && row.CompareValues(minV, r.Max) > 0 {
		return false
	}
	return true
}

// FilterByStats keeps the entries whose statistics overlap every range.
// converter is called with the schema id of each file.
func FilterByStats(ctx context.Context, files []FileEntry, converter func(context.Context, int64) (*StatsConverter, error), ranges []Range) ([]FileEntry, error) {
	selected := roaring.New()
	selected.AddRange(0, uint64(len(files)))
	if len(ranges) > 0 {
		for i, e := range files {
			c, err := converter(ctx, e.File.SchemaID)
			if err != nil {
				return nil, err
			}
			for _, r := range ranges {
				if !c.mayMatch(e.File, r) {
					selected.Remove(uint32(i))
					break
				}
			}
		}
	}
	out := make([]FileEntry, 0, selected.GetCardinality())
	it := selected.Iterator()
	for it.HasNext() {
		out = append(out, files[it.Next()])
	}
	return out, nil
}

// statsConverters caches one converter per schema id. Concurrent misses for
// the same id load the schema once.
type statsConverters struct {
	store blobstore.BlobStore
	group singleflight.Group
	cache sync.Map // int64 -> *StatsConverter
}

func newStatsConverters(store blobstore.BlobStore) *statsConverters {
	return &statsConverters{store: store}
}

func (c *statsConverters) get(ctx context.Context, schemaID int64) (*StatsConverter, error) {
	if v, ok := c.cache.Load(schemaID); ok {
		return v.(*StatsConverter), nil
	}
	v, err, _ := c.group.Do(strconv.FormatInt(schemaID, 10), func() (any, error) {
		if v, ok := c.cache.Load(schemaID); ok {
			return v, nil
		}
		data, err := blobstore.ReadAll(ctx, c.store, schemaPath(schemaID))
		if err != nil {
			return nil, fmt.Errorf("read schema %d: %w", schemaID, err)
		}
		var s Schema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode schema %d: %w", schemaID, err)
		}
		conv := NewStatsConverter(s.RowType)
		c.cache.Store(schemaID, conv)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StatsConverter), nil
}
