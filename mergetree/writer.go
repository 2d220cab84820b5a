package mergetree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/tablestore/compact"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/internal/sortbuf"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
)

var (
	// ErrBufferTooSmall is returned when a single record does not fit into
	// an empty write buffer.
	ErrBufferTooSmall = errors.New("mergetree: write buffer is too small to hold a single record")
	// ErrClosed is returned by operations on a closed writer.
	ErrClosed = errors.New("mergetree: writer closed")
	// ErrNoMemoryPool is returned when records are written before
	// SetMemoryPool.
	ErrNoMemoryPool = errors.New("mergetree: memory pool not set")
)

// Writer writes the records of one bucket and produces commit increments.
// It must be driven by a single goroutine; compaction runs in the
// background and is only observed through the compact manager.
type Writer struct {
	schema    kv.Schema
	keyCmp    row.Comparator
	mergeFunc mergefunc.MergeFunction
	writers   *datafile.WriterFactory
	manager   *compact.Manager
	opts      options

	buffer WriteBuffer
	seq    uint64

	newFiles          *fileSet
	newFilesChangelog *fileSet
	compactBefore     *namedFiles
	compactAfter      *fileSet
	compactChangelog  *fileSet

	closed bool
}

// NewWriter creates a writer over the files already tracked by manager.
// Sequence numbers continue after the largest one of those files.
func NewWriter(writers *datafile.WriterFactory, manager *compact.Manager, mf mergefunc.Factory, opts ...Option) *Writer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	schema := writers.Schema()
	w := &Writer{
		schema:            schema,
		keyCmp:            row.NewComparator(schema.Key),
		mergeFunc:         mergefunc.RetainDelete(mf()),
		writers:           writers,
		manager:           manager,
		opts:              o,
		newFiles:          newFileSet(),
		newFilesChangelog: newFileSet(),
		compactBefore:     newNamedFiles(),
		compactAfter:      newFileSet(),
		compactChangelog:  newFileSet(),
	}
	if restored := manager.AllFiles(); len(restored) > 0 {
		w.seq = datafile.MaxSequence(restored) + 1
	}
	return w
}

// SetMemoryPool binds the write buffer to pool. It must be called before
// the first Write.
func (w *Writer) SetMemoryPool(pool memory.Pool) {
	w.buffer = NewSortBufferWriteBuffer(pool, sortbuf.Config{
		Schema:    w.schema,
		Spillable: w.opts.spillable,
		MaxFan:    w.opts.sortMaxFan,
		TempDir:   w.opts.tempDir,
		FS:        w.opts.fs,
		Logger:    w.opts.logger,
	})
}

// CompactManager returns the compact manager.
func (w *Writer) CompactManager() *compact.Manager { return w.manager }

// Write buffers rec, assigning the next sequence number when rec carries
// kv.UnknownSequence. A full buffer is flushed and the put retried once.
func (w *Writer) Write(ctx context.Context, rec kv.KeyValue) error {
	if w.closed {
		return ErrClosed
	}
	if w.buffer == nil {
		return ErrNoMemoryPool
	}
	seq := rec.Sequence
	if seq == kv.UnknownSequence {
		seq = w.seq
		w.seq++
	}
	ok, err := w.buffer.Put(seq, rec.Kind, rec.Key, rec.Value)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := w.flushWriteBuffer(ctx, false, false); err != nil {
		return err
	}
	ok, err = w.buffer.Put(seq, rec.Kind, rec.Key, rec.Value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBufferTooSmall
	}
	return nil
}

// Compact flushes the buffer and requests a compaction.
func (w *Writer) Compact(ctx context.Context, full bool) error {
	if w.closed {
		return ErrClosed
	}
	return w.flushWriteBuffer(ctx, true, full)
}

// AddNewFiles registers externally produced level 0 files as compaction
// input.
func (w *Writer) AddNewFiles(files []*datafile.DataFileMeta) {
	for _, f := range files {
		w.manager.AddNewFile(f)
	}
}

// MemoryOccupancy returns the bytes of pooled memory held by the buffer.
func (w *Writer) MemoryOccupancy() int64 {
	if w.buffer == nil {
		return 0
	}
	return w.buffer.MemoryOccupancy()
}

// FlushMemory releases buffer memory, by spilling when possible and by a
// full flush otherwise.
func (w *Writer) FlushMemory() (bool, error) {
	if w.buffer == nil || w.closed {
		return false, nil
	}
	ok, err := w.buffer.FlushMemory()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if err := w.flushWriteBuffer(context.Background(), false, false); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Writer) flushWriteBuffer(ctx context.Context, waitForLatestCompaction, forcedFullCompaction bool) error {
	if w.buffer != nil && w.buffer.Size() > 0 {
		if w.manager.ShouldWaitCompaction() {
			waitForLatestCompaction = true
		}
		if err := w.flush(ctx); err != nil {
			return err
		}
	}
	if err := w.trySyncLatestCompaction(ctx, waitForLatestCompaction); err != nil {
		return err
	}
	return w.manager.TriggerCompaction(forcedFullCompaction)
}

func (w *Writer) flush(ctx context.Context) (err error) {
	start := time.Now()
	rows := w.buffer.Size()
	defer func() {
		w.opts.observer.OnFlush(time.Since(start), rows, err)
	}()

	var changelogWriter *datafile.RollingFileWriter[kv.KeyValue, *datafile.DataFileMeta]
	var changelog func(kv.KeyValue) error
	if w.opts.changelogProducer == ChangelogInput {
		changelogWriter = w.writers.NewRollingChangelogWriter(ctx, 0)
		changelog = changelogWriter.Write
	}
	dataWriter := w.writers.NewRollingDataWriter(ctx, 0)

	err = w.buffer.ForEach(w.keyCmp, w.mergeFunc, changelog, dataWriter.Write)
	if changelogWriter != nil {
		err = errors.Join(err, changelogWriter.Close())
	}
	err = errors.Join(err, dataWriter.Close())
	if err != nil {
		if changelogWriter != nil {
			changelogWriter.Abort()
		}
		dataWriter.Abort()
		return fmt.Errorf("mergetree: flush: %w", err)
	}

	if changelogWriter != nil {
		w.newFilesChangelog.addAll(changelogWriter.Result())
	}
	var bytes int64
	for _, f := range dataWriter.Result() {
		w.newFiles.add(f)
		w.manager.AddNewFile(f)
		bytes += f.FileSize
	}
	w.opts.observer.OnThroughput("flush", bytes)
	if w.opts.logger != nil {
		w.opts.logger.Debug("flushed write buffer", "rows", rows, "files", len(dataWriter.Result()), "bytes", bytes)
	}
	return w.buffer.Clear()
}

// PrepareCommit flushes the buffer, collects the compaction result when
// ready (waiting for it when blocking or when commits force compaction), and
// drains the accumulated increment.
func (w *Writer) PrepareCommit(ctx context.Context, blocking bool) (*CommitIncrement, error) {
	if w.closed {
		return nil, ErrClosed
	}
	if err := w.flushWriteBuffer(ctx, false, false); err != nil {
		return nil, err
	}
	if err := w.trySyncLatestCompaction(ctx, blocking || w.opts.commitForceCompact); err != nil {
		return nil, err
	}
	return w.drainIncrement(), nil
}

// Sync waits for the running compaction and folds in its result.
func (w *Writer) Sync(ctx context.Context) error {
	return w.trySyncLatestCompaction(ctx, true)
}

func (w *Writer) drainIncrement() *CommitIncrement {
	return &CommitIncrement{
		NewFiles:          w.newFiles.drain(),
		NewFilesChangelog: w.newFilesChangelog.drain(),
		CompactBefore:     w.compactBefore.drain(),
		CompactAfter:      w.compactAfter.drain(),
		CompactChangelog:  w.compactChangelog.drain(),
	}
}

func (w *Writer) trySyncLatestCompaction(ctx context.Context, blocking bool) error {
	result, ok, err := w.manager.CompactionResult(ctx, blocking)
	if err != nil {
		return err
	}
	if ok {
		w.updateCompactResult(ctx, result)
	}
	return nil
}

// updateCompactResult folds result into the pending sets. An input that is
// itself an uncommitted compaction output is dropped from the pending after
// set, and deleted unless an upgrade still refers to its file.
func (w *Writer) updateCompactResult(ctx context.Context, result *compact.Result) {
	afterNames := make(map[string]struct{}, len(result.After))
	for _, f := range result.After {
		afterNames[f.FileName] = struct{}{}
	}
	for _, f := range result.Before {
		if w.compactAfter.remove(f) {
			_, upgradedOutput := afterNames[f.FileName]
			if !w.compactBefore.contains(f.FileName) && !upgradedOutput {
				w.deleteFile(ctx, f.FileName)
			}
			continue
		}
		w.compactBefore.put(f)
	}
	w.compactAfter.addAll(result.After)
	w.compactChangelog.addAll(result.Changelog)
}

func (w *Writer) deleteFile(ctx context.Context, name string) {
	if err := w.writers.DeleteFile(ctx, name); err != nil && w.opts.logger != nil {
		w.opts.logger.Warn("delete file", "file", name, "error", err)
	}
}

// Close cancels the running compaction without waiting for it, folds in a
// result that is already available, and deletes every file this writer
// produced that no commit has taken over.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.manager.Cancel()
	err := w.Sync(ctx)

	deletes := w.newFiles.drain()
	for _, f := range w.newFilesChangelog.drain() {
		w.deleteFile(ctx, f.FileName)
	}
	for _, f := range w.compactAfter.drain() {
		// An upgraded file is still referenced by the previous snapshot.
		if !w.compactBefore.contains(f.FileName) {
			deletes = append(deletes, f)
		}
	}
	for _, f := range w.compactChangelog.drain() {
		w.deleteFile(ctx, f.FileName)
	}
	for _, f := range deletes {
		if w.opts.logger != nil {
			w.opts.logger.Debug("delete uncommitted file", "file", f.FileName)
		}
		w.deleteFile(ctx, f.FileName)
	}

	if w.buffer != nil {
		err = errors.Join(err, w.buffer.Clear())
	}
	return err
}
