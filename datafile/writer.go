package datafile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/format"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

// DefaultTargetFileSize is the size at which rolling writers start a new
// file.
const DefaultTargetFileSize = 128 << 20

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// KeyValueFileWriter writes KeyValue records into one file of the flat
// record layout and tracks the metadata of that file.
type KeyValueFileWriter struct {
	ctx      context.Context
	store    blobstore.BlobStore
	fileName string
	blobName string
	level    int32
	schemaID int64
	schema   kv.Schema
	rt       row.RowType
	logger   *slog.Logger

	blob blobstore.WritableBlob
	out  *countingWriter
	fw   format.Writer
	ser  *kv.Serializer

	extractor format.StatsExtractor
	keyStats  *format.StatsCollector
	valStats  *format.StatsCollector

	minKey, maxKey row.Row
	minSeq, maxSeq uint64
	count          int64

	closed bool
	result *DataFileMeta
}

func newKeyValueFileWriter(ctx context.Context, f *WriterFactory, fileName string, level int32) (*KeyValueFileWriter, error) {
	blobName := f.paths.ToPath(fileName)
	blob, err := f.store.Create(ctx, blobName)
	if err != nil {
		return nil, fmt.Errorf("datafile: create %s: %w", blobName, err)
	}

	var sink io.Writer = blob
	if f.throttled {
		sink = resource.NewRateLimitedWriter(ctx, blob, f.cfg.Controller)
	}
	out := &countingWriter{w: sink}

	rt := f.cfg.Schema.RecordType()
	fw, err := f.cfg.Format.NewWriter(out, rt)
	if err != nil {
		_ = blob.Abort()
		return nil, err
	}

	w := &KeyValueFileWriter{
		ctx:      ctx,
		store:    f.store,
		fileName: fileName,
		blobName: blobName,
		level:    level,
		schemaID: f.cfg.SchemaID,
		schema:   f.cfg.Schema,
		rt:       rt,
		logger:   f.cfg.Logger,
		blob:     blob,
		out:      out,
		fw:       fw,
		ser:      kv.NewSerializer(f.cfg.Schema),
	}
	if ex, ok := f.cfg.Format.StatsExtractor(rt); ok {
		w.extractor = ex
	} else {
		w.keyStats = format.NewStatsCollector(f.cfg.Schema.Key)
		w.valStats = format.NewStatsCollector(f.cfg.Schema.Value)
	}
	return w, nil
}

// FileName returns the name of the file being written.
func (w *KeyValueFileWriter) FileName() string { return w.fileName }

func (w *KeyValueFileWriter) Write(rec kv.KeyValue) error {
	if err := w.fw.Write(w.ser.ToRow(rec)); err != nil {
		return fmt.Errorf("datafile: write %s: %w", w.fileName, err)
	}
	if w.count == 0 {
		w.minKey = rec.Key.Copy()
		w.minSeq, w.maxSeq = rec.Sequence, rec.Sequence
	}
	w.maxKey = rec.Key
	w.minSeq = min(w.minSeq, rec.Sequence)
	w.maxSeq = max(w.maxSeq, rec.Sequence)
	w.count++
	if w.keyStats != nil {
		w.keyStats.Collect(rec.Key)
		w.valStats.Collect(rec.Value)
	}
	return nil
}

func (w *KeyValueFileWriter) RecordCount() int64 { return w.count }

func (w *KeyValueFileWriter) Length() int64 { return w.fw.Length() }

// Close finishes and publishes the file.
func (w *KeyValueFileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.maxKey = w.maxKey.Copy()
	if err := w.fw.Close(); err != nil {
		_ = w.blob.Abort()
		return fmt.Errorf("datafile: finish %s: %w", w.fileName, err)
	}
	if err := w.blob.Close(); err != nil {
		return fmt.Errorf("datafile: close %s: %w", w.fileName, err)
	}

	keyStats, valStats, err := w.stats()
	if err != nil {
		return err
	}
	w.result = &DataFileMeta{
		FileName:     w.fileName,
		FileSize:     w.out.n,
		RowCount:     w.count,
		MinKey:       w.minKey,
		MaxKey:       w.maxKey,
		KeyStats:     keyStats,
		ValueStats:   valStats,
		MinSequence:  w.minSeq,
		MaxSequence:  w.maxSeq,
		SchemaID:     w.schemaID,
		Level:        w.level,
		CreationTime: time.Now().UTC(),
	}
	return nil
}

func (w *KeyValueFileWriter) stats() (format.Stats, format.Stats, error) {
	if w.extractor == nil {
		return w.keyStats.Result(), w.valStats.Result(), nil
	}
	blob, err := w.store.Open(w.ctx, w.blobName)
	if err != nil {
		return format.Stats{}, format.Stats{}, fmt.Errorf("datafile: open %s for stats: %w", w.fileName, err)
	}
	defer func() { _ = blob.Close() }()
	fs, err := w.extractor.Extract(w.ctx, blob)
	if err != nil {
		return format.Stats{}, format.Stats{}, fmt.Errorf("datafile: extract stats of %s: %w", w.fileName, err)
	}
	keyArity := w.schema.Key.Arity()
	keyIdx := make([]int, keyArity)
	for i := range keyIdx {
		keyIdx[i] = i
	}
	valIdx := make([]int, w.schema.Value.Arity())
	for i := range valIdx {
		valIdx[i] = keyArity + 2 + i
	}
	return projectStats(fs.Fields, w.rt, keyIdx), projectStats(fs.Fields, w.rt, valIdx), nil
}

func projectStats(s format.Stats, rt row.RowType, idx []int) format.Stats {
	out := format.Stats{NullCounts: make([]int64, len(idx))}
	for i, pos := range idx {
		out.NullCounts[i] = s.NullCounts[pos]
	}
	if !s.Min.IsZero() {
		out.Min = row.Project(s.Min, rt, idx)
		out.Max = row.Project(s.Max, rt, idx)
	}
	return out
}

func (w *KeyValueFileWriter) Result() (*DataFileMeta, error) {
	if w.result == nil {
		return nil, fmt.Errorf("datafile: %s not closed", w.fileName)
	}
	return w.result, nil
}

// Abort discards the file whether or not it was closed.
func (w *KeyValueFileWriter) Abort() {
	var err error
	if w.closed {
		err = w.store.Delete(w.ctx, w.blobName)
	} else {
		w.closed = true
		err = w.blob.Abort()
	}
	if err != nil && w.logger != nil {
		w.logger.Warn("abort data file", "file", w.fileName, "error", err)
	}
}

// WriterConfig configures a WriterFactory.
type WriterConfig struct {
	Schema   kv.Schema
	SchemaID int64
	Format   format.Format
	// TargetFileSize defaults to DefaultTargetFileSize.
	TargetFileSize int64
	// Controller throttles writes of a Throttled factory.
	Controller *resource.Controller
	Logger     *slog.Logger
}

// WriterFactory creates rolling data and changelog writers for one bucket.
type WriterFactory struct {
	store     blobstore.BlobStore
	paths     *PathFactory
	cfg       WriterConfig
	throttled bool
}

// NewWriterFactory creates a writer factory.
func NewWriterFactory(store blobstore.BlobStore, paths *PathFactory, cfg WriterConfig) *WriterFactory {
	if cfg.TargetFileSize <= 0 {
		cfg.TargetFileSize = DefaultTargetFileSize
	}
	if cfg.Format == nil {
		cfg.Format = format.NewBlock()
	}
	return &WriterFactory{store: store, paths: paths, cfg: cfg}
}

// Schema returns the key and value types.
func (f *WriterFactory) Schema() kv.Schema { return f.cfg.Schema }

// PathFactory returns the path factory.
func (f *WriterFactory) PathFactory() *PathFactory { return f.paths }

// Throttled returns a factory whose writers go through the IO rate limit.
func (f *WriterFactory) Throttled() *WriterFactory {
	c := *f
	c.throttled = true
	return &c
}

// NewRollingDataWriter creates a rolling writer of data files at level.
func (f *WriterFactory) NewRollingDataWriter(ctx context.Context, level int32) *RollingFileWriter[kv.KeyValue, *DataFileMeta] {
	return NewRollingFileWriter(func() (FileWriter[kv.KeyValue, *DataFileMeta], error) {
		return newKeyValueFileWriter(ctx, f, f.paths.NewDataFileName(), level)
	}, f.cfg.TargetFileSize)
}

// NewRollingChangelogWriter creates a rolling writer of changelog files at
// level.
func (f *WriterFactory) NewRollingChangelogWriter(ctx context.Context, level int32) *RollingFileWriter[kv.KeyValue, *DataFileMeta] {
	return NewRollingFileWriter(func() (FileWriter[kv.KeyValue, *DataFileMeta], error) {
		return newKeyValueFileWriter(ctx, f, f.paths.NewChangelogFileName(), level)
	}, f.cfg.TargetFileSize)
}

// DeleteFile removes a file by name. Missing files are ignored.
func (f *WriterFactory) DeleteFile(ctx context.Context, fileName string) error {
	if err := f.store.Delete(ctx, f.paths.ToPath(fileName)); err != nil {
		return fmt.Errorf("datafile: delete %s: %w", fileName, err)
	}
	return nil
}
