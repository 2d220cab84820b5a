package tablestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/compact"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/format"
	"github.com/hupe1980/tablestore/internal/cache"
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/mergetree"
	"github.com/hupe1980/tablestore/row"
)

// DefaultPartition names the partition directory of a null partition value.
const DefaultPartition = "__DEFAULT_PARTITION__"

const maxCommitAttempts = 10

type writerKey struct {
	partition string
	bucket    int
}

type bucketWriter struct {
	partition row.Row
	bucket    int
	writer    *mergetree.Writer
}

// Table is a partitioned primary-key table. Records are routed to one
// merge-tree writer per (partition, bucket). Methods are safe for concurrent
// use; writes are serialized.
type Table struct {
	store     blobstore.BlobStore
	schema    *TableSchema
	kvSchema  kv.Schema
	keyCmp    row.Comparator
	mf        mergefunc.Factory
	format    format.Format
	opts      options
	rc        *resource.Controller
	pools     *memory.PoolFactory
	snapshots *snapshotManager
	stats     *statsConverters

	mu      sync.Mutex
	latest  *Snapshot
	writers map[writerKey]*bucketWriter
	order   []writerKey
	closed  bool
}

// Open opens the table stored in store, creating it with schema when the
// store is empty.
func Open(ctx context.Context, store blobstore.BlobStore, schema Schema, optFns ...Option) (*Table, error) {
	opts := applyOptions(optFns)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ts, err := loadOrCreateSchema(ctx, store, schema)
	if err != nil {
		return nil, err
	}
	mf, err := mergefunc.NewFactory(mergefunc.Config{
		Engine:      opts.mergeEngine,
		ValueType:   ts.RowType,
		Aggregators: opts.aggregators,
	})
	if err != nil {
		return nil, err
	}

	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     opts.writeBufferSize,
		MaxBackgroundWorkers: opts.backgroundWorkers,
		IOLimitBytesPerSec:   opts.ioLimit,
	})
	if opts.readCacheSize > 0 {
		store = blobstore.NewCachingStore(store, cache.NewShardedLRUBlockCache(opts.readCacheSize, nil), 0)
	}
	heap := memory.NewHeapPoolForBudget(opts.writeBufferSize, opts.pageSize, memory.WithController(rc))

	snapshots := &snapshotManager{store: store}
	latest, err := snapshots.Latest(ctx)
	if err != nil {
		return nil, err
	}

	t := &Table{
		store:     store,
		schema:    ts,
		kvSchema:  ts.KVSchema(),
		keyCmp:    row.NewComparator(ts.keyType),
		mf:        mf,
		format:    format.NewBlock(format.WithCompression(opts.compression)),
		opts:      opts,
		rc:        rc,
		pools:     memory.NewPoolFactory(heap, opts.logger.Logger),
		snapshots: snapshots,
		stats:     newStatsConverters(store),
		latest:    latest,
		writers:   make(map[writerKey]*bucketWriter),
	}
	t.opts.logger.InfoContext(ctx, "table opened",
		"fields", ts.RowType.Arity(),
		"buckets", opts.buckets,
		"snapshot", t.LatestSnapshotID(),
	)
	return t, nil
}

// Schema returns the table schema.
func (t *Table) Schema() *TableSchema { return t.schema }

// LatestSnapshotID returns the id of the newest snapshot seen by this table
// or 0.
func (t *Table) LatestSnapshotID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return 0
	}
	return t.latest.ID
}

// Bucket returns the bucket of a record.
func (t *Table) Bucket(r row.Row) int {
	return int(xxhash.Sum64(t.schema.Key(r).Bytes()) % uint64(t.opts.buckets))
}

// PartitionName renders a partition as a relative directory path.
func (t *Table) PartitionName(partition row.Row) string {
	pt := t.schema.partitionType
	if pt.Arity() == 0 {
		return ""
	}
	parts := make([]string, pt.Arity())
	for i, v := range partition.Values(pt) {
		s := DefaultPartition
		if v != nil {
			s = fmt.Sprint(v)
		}
		parts[i] = pt.Fields[i].Name + "=" + s
	}
	return strings.Join(parts, "/")
}

func (t *Table) bucketDir(partition row.Row, bucket int) string {
	return path.Join(t.PartitionName(partition), fmt.Sprintf("bucket-%d", bucket))
}

func (t *Table) readerFactory(partition row.Row, bucket int) *datafile.ReaderFactory {
	paths := datafile.NewPathFactory(t.bucketDir(partition, bucket), t.format.Extension())
	return datafile.NewReaderFactory(t.store, paths, t.kvSchema, t.format)
}

// Write routes r by partition and bucket. The row kind of r becomes the
// value kind of the record.
func (t *Table) Write(ctx context.Context, r row.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	partition := t.schema.Partition(r)
	w, err := t.writer(partition, t.Bucket(r))
	if err != nil {
		return err
	}
	return w.Write(ctx, kv.New(t.schema.Key(r), kv.UnknownSequence, r.Kind(), r))
}

// writer returns the writer of a bucket, restoring it from the latest
// snapshot on first use. t.mu must be held.
func (t *Table) writer(partition row.Row, bucket int) (*mergetree.Writer, error) {
	key := writerKey{partition: string(partition.Bytes()), bucket: bucket}
	if bw, ok := t.writers[key]; ok {
		return bw.writer, nil
	}

	logger := t.opts.logger.WithBucket(t.PartitionName(partition), bucket)
	paths := datafile.NewPathFactory(t.bucketDir(partition, bucket), t.format.Extension())
	writers := datafile.NewWriterFactory(t.store, paths, datafile.WriterConfig{
		Schema:         t.kvSchema,
		SchemaID:       t.schema.ID,
		Format:         t.format,
		TargetFileSize: t.opts.targetFileSize,
		Controller:     t.rc,
		Logger:         logger.Logger,
	})
	readers := datafile.NewReaderFactory(t.store, paths, t.kvSchema, t.format)

	var rewriter compact.Rewriter = compact.NewMergeRewriter(readers, writers.Throttled(), t.keyCmp, t.mf)
	if t.opts.changelogProducer == mergetree.ChangelogFullCompaction {
		rewriter = compact.NewFullChangelogRewriter(int32(t.opts.numLevels-1), readers, writers.Throttled(), t.keyCmp, t.mf)
	}
	var strategy compact.Strategy = &compact.Universal{
		MaxSizeAmp:    t.opts.maxSizeAmp,
		SizeRatio:     t.opts.sizeRatio,
		NumRunTrigger: t.opts.compactionTrigger,
	}
	if t.opts.leveled {
		strategy = compact.NewLeveled()
	}

	manager, err := compact.NewManager(t.latest.BucketFiles(partition, bucket), compact.Config{
		KeyComparator:           t.keyCmp,
		NumLevels:               t.opts.numLevels,
		MinFileSize:             t.opts.targetFileSize,
		NumSortedRunStopTrigger: t.opts.stopTrigger,
		Strategy:                strategy,
		Rewriter:                rewriter,
		Deleter:                 writers,
		Controller:              t.rc,
		Observer:                t.opts.observer,
		Logger:                  logger.Logger,
	})
	if err != nil {
		return nil, err
	}

	w := mergetree.NewWriter(writers, manager, t.mf,
		mergetree.WithCommitForceCompact(t.opts.commitForceCompact),
		mergetree.WithChangelogProducer(t.opts.changelogProducer),
		mergetree.WithSpillable(t.opts.spillable),
		mergetree.WithSortMaxFan(t.opts.sortMaxFan),
		mergetree.WithTempDir(t.opts.tempDir),
		mergetree.WithLogger(logger.Logger),
		mergetree.WithMetricsObserver(t.opts.observer),
	)
	w.SetMemoryPool(t.pools.AddOwner(w))

	t.writers[key] = &bucketWriter{partition: partition.Copy(), bucket: bucket, writer: w}
	t.order = append(t.order, key)
	return w, nil
}

// Compact flushes every writer and requests a compaction of its bucket.
func (t *Table) Compact(ctx context.Context, full bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for _, key := range t.order {
		if err := t.writers[key].writer.Compact(ctx, full); err != nil {
			return err
		}
	}
	return nil
}

// PrepareCommit flushes all writers and collects their increments. With
// blocking set it waits for running compactions.
func (t *Table) PrepareCommit(ctx context.Context, blocking bool) ([]CommitMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	var msgs []CommitMessage
	for _, key := range t.order {
		bw := t.writers[key]
		inc, err := bw.writer.PrepareCommit(ctx, blocking)
		if err != nil {
			return nil, fmt.Errorf("prepare commit of %s: %w", t.bucketDir(bw.partition, bw.bucket), err)
		}
		if inc.IsEmpty() {
			continue
		}
		msgs = append(msgs, CommitMessage{
			Partition:         bw.partition,
			Bucket:            bw.bucket,
			NewFiles:          inc.NewFiles,
			NewFilesChangelog: inc.NewFilesChangelog,
			CompactBefore:     inc.CompactBefore,
			CompactAfter:      inc.CompactAfter,
			CompactChangelog:  inc.CompactChangelog,
		})
	}
	return msgs, nil
}

// Commit publishes msgs as up to two snapshots: one adding flushed files and
// one applying compaction changes.
func (t *Table) Commit(ctx context.Context, msgs []CommitMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	appendChanges, compactChanges := splitMessages(msgs)
	if !appendChanges.empty() {
		if err := t.commitChanges(ctx, CommitAppend, appendChanges); err != nil {
			return err
		}
	}
	if !compactChanges.empty() {
		if err := t.commitChanges(ctx, CommitCompact, compactChanges); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) commitChanges(ctx context.Context, kind CommitKind, changes fileChanges) error {
	for attempt := 1; ; attempt++ {
		base, err := t.snapshots.Latest(ctx)
		if err != nil {
			return err
		}
		files, err := apply(base, changes, t.PartitionName)
		if err != nil {
			t.opts.logger.LogCommit(ctx, 0, kind, len(changes.added), len(changes.removed), err)
			return err
		}
		s := &Snapshot{
			ID:         1,
			SchemaID:   t.schema.ID,
			Kind:       kind,
			CommitTime: time.Now().UTC(),
			Files:      files,
			Changelog:  changes.changelog,
		}
		if base != nil {
			s.ID = base.ID + 1
		}
		err = t.snapshots.commit(ctx, s)
		if err == nil {
			t.latest = s
			t.opts.logger.LogCommit(ctx, s.ID, kind, len(changes.added), len(changes.removed), nil)
			return nil
		}
		if !errors.Is(err, ErrCommitConflict) || attempt == maxCommitAttempts {
			t.opts.logger.LogCommit(ctx, s.ID, kind, len(changes.added), len(changes.removed), err)
			return err
		}
	}
}

// Close closes every writer, deleting files that were never committed.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range t.order {
		w := t.writers[key].writer
		g.Go(func() error {
			err := w.Close(gctx)
			w.CompactManager().Wait()
			t.pools.RemoveOwner(w)
			return err
		})
	}
	return g.Wait()
}
