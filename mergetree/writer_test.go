package mergetree

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/compact"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/internal/memory"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
)

var (
	keyType   = row.NewRowType(row.Field{Name: "k", Type: row.TypeInt32})
	valueType = row.NewRowType(row.Field{Name: "v", Type: row.TypeString})
	schema    = kv.Schema{Key: keyType, Value: valueType}
	keyCmp    = row.NewComparator(keyType)
)

type env struct {
	store   *blobstore.MemoryStore
	writers *datafile.WriterFactory
	readers *datafile.ReaderFactory
	mf      mergefunc.Factory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := blobstore.NewMemoryStore()
	paths := datafile.NewPathFactory("bucket-0", "blk")
	mf, err := mergefunc.NewFactory(mergefunc.Config{Engine: mergefunc.Deduplicate, ValueType: valueType})
	require.NoError(t, err)
	return &env{
		store:   store,
		writers: datafile.NewWriterFactory(store, paths, datafile.WriterConfig{Schema: schema}),
		readers: datafile.NewReaderFactory(store, paths, schema, nil),
		mf:      mf,
	}
}

func (e *env) manager(t *testing.T, restored []*datafile.DataFileMeta, rw compact.Rewriter) *compact.Manager {
	t.Helper()
	if rw == nil {
		rw = compact.NewMergeRewriter(e.readers, e.writers, keyCmp, e.mf)
	}
	m, err := compact.NewManager(restored, compact.Config{
		KeyComparator: keyCmp,
		NumLevels:     3,
		Rewriter:      rw,
		Deleter:       e.writers,
	})
	require.NoError(t, err)
	return m
}

func (e *env) writer(t *testing.T, pool memory.Pool, opts ...Option) *Writer {
	t.Helper()
	w := NewWriter(e.writers, e.manager(t, nil, nil), e.mf, opts...)
	w.SetMemoryPool(pool)
	return w
}

func (e *env) read(t *testing.T, files []*datafile.DataFileMeta) []string {
	t.Helper()
	sections := compact.IntervalPartition(files, keyCmp)
	records, err := kv.Collect(compact.MergeTreeIterator(context.Background(), e.readers, keyCmp, sections, e.mf(), true))
	require.NoError(t, err)
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%d=%s", r.Key.Int32(0), r.Value.String(0)))
	}
	return out
}

func put(k int32, v string) kv.KeyValue {
	return kv.New(row.Of(keyType, k), kv.UnknownSequence, kv.Insert, row.Of(valueType, v))
}

func del(k int32) kv.KeyValue {
	return kv.New(row.Of(keyType, k), kv.UnknownSequence, kv.Delete, row.Of(valueType, nil))
}

// live applies increments in order and returns the resulting file set.
func live(increments ...*CommitIncrement) []*datafile.DataFileMeta {
	files := map[string]*datafile.DataFileMeta{}
	var order []string
	add := func(f *datafile.DataFileMeta) {
		if _, ok := files[f.FileName]; !ok {
			order = append(order, f.FileName)
		}
		files[f.FileName] = f
	}
	for _, inc := range increments {
		for _, f := range inc.NewFiles {
			add(f)
		}
		for _, f := range inc.CompactBefore {
			delete(files, f.FileName)
		}
		for _, f := range inc.CompactAfter {
			add(f)
		}
	}
	var out []*datafile.DataFileMeta
	for _, name := range order {
		if f, ok := files[name]; ok {
			out = append(out, f)
		}
	}
	return out
}

func TestWriter_WriteAndCommit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(4096, 16))

	for _, rec := range []kv.KeyValue{put(3, "c"), put(1, "a"), put(2, "b"), put(1, "a2"), del(2)} {
		require.NoError(t, w.Write(ctx, rec))
	}

	inc, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)
	require.Len(t, inc.NewFiles, 1)
	assert.Empty(t, inc.NewFilesChangelog)

	f := inc.NewFiles[0]
	assert.Equal(t, int32(0), f.Level)
	assert.Equal(t, int64(3), f.RowCount)
	assert.Equal(t, uint64(0), f.MinSequence)
	assert.Equal(t, uint64(4), f.MaxSequence)
	assert.Equal(t, int32(1), f.MinKey.Int32(0))
	assert.Equal(t, int32(3), f.MaxKey.Int32(0))

	assert.Equal(t, []string{"1=a2", "3=c"}, e.read(t, inc.NewFiles))

	again, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)
	assert.True(t, again.IsEmpty(), again.String())

	require.NoError(t, w.Close(ctx))
	w.CompactManager().Wait()
	assert.Equal(t, 1, e.store.Len())
}

func TestWriter_SequenceContinuesAfterRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.writer(t, memory.NewHeapPool(4096, 4))
	for i := range 10 {
		require.NoError(t, first.Write(ctx, put(int32(i), "x")))
	}
	inc, err := first.PrepareCommit(ctx, true)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.Equal(t, uint64(9), datafile.MaxSequence(inc.NewFiles))

	second := NewWriter(e.writers, e.manager(t, inc.NewFiles, nil), e.mf)
	second.SetMemoryPool(memory.NewHeapPool(4096, 4))
	require.NoError(t, second.Write(ctx, put(0, "y")))
	inc2, err := second.PrepareCommit(ctx, true)
	require.NoError(t, err)
	require.Len(t, inc2.NewFiles, 1)
	assert.Equal(t, uint64(10), inc2.NewFiles[0].MinSequence)

	got := e.read(t, live(inc, inc2))
	assert.Equal(t, "0=y", got[0])
	assert.Len(t, got, 10)
	require.NoError(t, second.Close(ctx))
}

func TestWriter_BufferTooSmall(t *testing.T) {
	e := newEnv(t)
	w := e.writer(t, memory.NewHeapPool(64, 4))

	err := w.Write(context.Background(), put(1, strings.Repeat("x", 256)))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	require.NoError(t, w.Close(context.Background()))
}

func TestWriter_NoMemoryPool(t *testing.T) {
	e := newEnv(t)
	w := NewWriter(e.writers, e.manager(t, nil, nil), e.mf)
	assert.ErrorIs(t, w.Write(context.Background(), put(1, "a")), ErrNoMemoryPool)
}

func TestWriter_FullBufferFlushesAndCompacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(256, 2), WithSpillable(false))

	want := map[int32]string{}
	var increments []*CommitIncrement
	for round := range 4 {
		for i := range 50 {
			k := int32((i*7 + round) % 40)
			v := fmt.Sprintf("r%d-%d", round, i)
			require.NoError(t, w.Write(ctx, put(k, v)))
			want[k] = v
		}
		inc, err := w.PrepareCommit(ctx, true)
		require.NoError(t, err)
		increments = append(increments, inc)
	}
	require.NoError(t, w.Compact(ctx, true))
	inc, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)
	increments = append(increments, inc)

	var newFiles int
	for _, inc := range increments[:4] {
		newFiles += len(inc.NewFiles)
	}
	assert.Greater(t, newFiles, 4, "small buffer flushes more than once per commit")

	files := live(increments...)
	require.NotEmpty(t, files)
	for _, f := range files {
		assert.Equal(t, int32(2), f.Level, f.FileName)
	}
	assert.ElementsMatch(t, datafile.FileNames(files), datafile.FileNames(w.CompactManager().AllFiles()))

	var expected []string
	for k := range int32(40) {
		if v, ok := want[k]; ok {
			expected = append(expected, fmt.Sprintf("%d=%s", k, v))
		}
	}
	assert.Equal(t, expected, e.read(t, files))

	require.NoError(t, w.Close(ctx))
	w.CompactManager().Wait()
	assert.Equal(t, expected, e.read(t, files))
}

func TestWriter_CompactDropsDeletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(4096, 4))

	require.NoError(t, w.Write(ctx, put(1, "a")))
	require.NoError(t, w.Write(ctx, put(2, "b")))
	first, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, del(1)))
	require.NoError(t, w.Compact(ctx, true))
	second, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)

	require.Len(t, second.NewFiles, 1)
	assert.ElementsMatch(t,
		append(datafile.FileNames(first.NewFiles), datafile.FileNames(second.NewFiles)...),
		datafile.FileNames(second.CompactBefore))
	require.Len(t, second.CompactAfter, 1)
	assert.Equal(t, int64(1), second.CompactAfter[0].RowCount)
	assert.Equal(t, []string{"2=b"}, e.read(t, live(first, second)))
	require.NoError(t, w.Close(ctx))
}

func TestWriter_CloseDeletesUncommittedFiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(256, 2), WithSpillable(false))

	for i := range 200 {
		require.NoError(t, w.Write(ctx, put(int32(i%30), fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, w.Compact(ctx, false))
	require.Positive(t, e.store.Len())

	require.NoError(t, w.Close(ctx))
	w.CompactManager().Wait()
	assert.Zero(t, e.store.Len())
	assert.ErrorIs(t, w.Write(ctx, put(1, "a")), ErrClosed)
	_, err := w.PrepareCommit(ctx, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriter_InputChangelog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(4096, 4), WithChangelogProducer(ChangelogInput))

	require.NoError(t, w.Write(ctx, put(1, "a")))
	require.NoError(t, w.Write(ctx, put(1, "b")))
	require.NoError(t, w.Write(ctx, del(2)))

	inc, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)
	require.Len(t, inc.NewFilesChangelog, 1)
	require.Len(t, inc.NewFiles, 1)
	assert.Equal(t, int64(3), inc.NewFilesChangelog[0].RowCount)
	assert.Equal(t, int64(2), inc.NewFiles[0].RowCount)
	assert.True(t, strings.HasPrefix(inc.NewFilesChangelog[0].FileName, datafile.ChangelogFilePrefix))

	it, err := e.readers.NewReader(ctx, inc.NewFilesChangelog[0])
	require.NoError(t, err)
	records, err := kv.Collect(it)
	require.NoError(t, err)
	var kinds []string
	for _, r := range records {
		kinds = append(kinds, r.Kind.ShortString())
	}
	assert.Equal(t, []string{"+I", "+I", "-D"}, kinds)
	require.NoError(t, w.Close(ctx))
}

func TestWriter_FlushMemory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w := e.writer(t, memory.NewHeapPool(4096, 4), WithSpillable(false))

	require.NoError(t, w.Write(ctx, put(1, "a")))
	assert.Positive(t, w.MemoryOccupancy())

	ok, err := w.FlushMemory()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, w.MemoryOccupancy())

	inc, err := w.PrepareCommit(ctx, true)
	require.NoError(t, err)
	assert.Len(t, inc.NewFiles, 1)
	require.NoError(t, w.Close(ctx))
}

func TestCommitIncrement(t *testing.T) {
	var inc CommitIncrement
	assert.True(t, inc.IsEmpty())
	inc.CompactChangelog = []*datafile.DataFileMeta{{FileName: "changelog-x-0.blk"}}
	assert.False(t, inc.IsEmpty())
	assert.Contains(t, inc.String(), "compactChangelog: [changelog-x-0.blk]")
}

func TestFileSet(t *testing.T) {
	a := &datafile.DataFileMeta{FileName: "a", Level: 0}
	a1 := a.Upgrade(1)
	b := &datafile.DataFileMeta{FileName: "b"}

	s := newFileSet()
	s.addAll([]*datafile.DataFileMeta{a, b, a1, a})
	assert.Equal(t, 3, s.len())
	assert.True(t, s.remove(a))
	assert.False(t, s.remove(a))
	assert.Equal(t, []string{"b", "a"}, datafile.FileNames(s.drain()))
	assert.Zero(t, s.len())

	n := newNamedFiles()
	n.put(a)
	n.put(a1)
	assert.True(t, n.contains("a"))
	got := n.drain()
	require.Len(t, got, 1)
	assert.Equal(t, int32(1), got[0].Level)
}

func TestParseChangelogProducer(t *testing.T) {
	p, err := ParseChangelogProducer("Full-Compaction")
	require.NoError(t, err)
	assert.Equal(t, ChangelogFullCompaction, p)
	assert.Equal(t, "input", ChangelogInput.String())

	_, err = ParseChangelogProducer("lookup")
	assert.ErrorIs(t, err, ErrUnknownChangelogProducer)
}

// intermediateRewriter writes merged output to a fixed level below the
// requested one, so a later full compaction upgrades it.
type intermediateRewriter struct {
	*compact.MergeRewriter
	level     int32
	rewritten []*datafile.DataFileMeta
	upgraded  []*datafile.DataFileMeta
}

func (r *intermediateRewriter) Rewrite(ctx context.Context, _ int32, dropDelete bool, sections [][]compact.SortedRun) (*compact.Result, error) {
	res, err := r.MergeRewriter.Rewrite(ctx, r.level, dropDelete, sections)
	if err == nil {
		r.rewritten = append(r.rewritten, res.After...)
	}
	return res, err
}

func (r *intermediateRewriter) Upgrade(ctx context.Context, outputLevel int32, file *datafile.DataFileMeta) (*compact.Result, error) {
	res, err := r.MergeRewriter.Upgrade(ctx, outputLevel, file)
	if err == nil {
		r.upgraded = append(r.upgraded, res.After...)
	}
	return res, err
}

func (e *env) committedFile(t *testing.T, seq uint64, records ...kv.KeyValue) *datafile.DataFileMeta {
	t.Helper()
	w := e.writers.NewRollingDataWriter(context.Background(), 0)
	for _, rec := range records {
		rec.Sequence = seq
		seq++
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
	require.Len(t, w.Result(), 1)
	return w.Result()[0]
}

func (e *env) exists(name string) bool {
	_, err := e.store.Open(context.Background(), e.writers.PathFactory().ToPath(name))
	return err == nil
}

func fileNames(files []*datafile.DataFileMeta) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.FileName)
	}
	return names
}

func TestWriter_UpgradedIntermediateOutput(t *testing.T) {
	setup := func(t *testing.T) (*env, *Writer, []*datafile.DataFileMeta, *datafile.DataFileMeta) {
		e := newEnv(t)
		ctx := context.Background()
		committed := []*datafile.DataFileMeta{
			e.committedFile(t, 0, put(1, "a"), put(2, "a"), put(3, "a")),
			e.committedFile(t, 10, put(2, "b"), put(4, "b")),
		}
		rw := &intermediateRewriter{
			MergeRewriter: compact.NewMergeRewriter(e.readers, e.writers, keyCmp, e.mf),
			level:         1,
		}
		w := NewWriter(e.writers, e.manager(t, committed, rw), e.mf)
		w.SetMemoryPool(memory.NewHeapPool(4096, 4))

		// committed files merge into an uncommitted level 1 file
		require.NoError(t, w.Compact(ctx, true))
		require.NoError(t, w.Sync(ctx))
		require.Len(t, rw.rewritten, 1)
		intermediate := rw.rewritten[0]
		require.Equal(t, int32(1), intermediate.Level)

		// the level 1 file moves to the max level under the same name
		require.NoError(t, w.Compact(ctx, true))
		require.NoError(t, w.Sync(ctx))
		require.Len(t, rw.upgraded, 1)
		require.Equal(t, intermediate.FileName, rw.upgraded[0].FileName)
		require.Equal(t, int32(2), rw.upgraded[0].Level)

		assert.True(t, e.exists(intermediate.FileName))
		return e, w, committed, intermediate
	}

	t.Run("commit", func(t *testing.T) {
		e, w, committed, intermediate := setup(t)
		ctx := context.Background()

		inc, err := w.PrepareCommit(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, inc.NewFiles)
		assert.ElementsMatch(t, fileNames(committed), fileNames(inc.CompactBefore))
		require.Len(t, inc.CompactAfter, 1)
		assert.Equal(t, intermediate.FileName, inc.CompactAfter[0].FileName)
		assert.Equal(t, int32(2), inc.CompactAfter[0].Level)

		base := &CommitIncrement{NewFiles: committed}
		assert.Equal(t, []string{"1=a", "2=b", "3=a", "4=b"}, e.read(t, live(base, inc)))

		require.NoError(t, w.Close(ctx))
		w.CompactManager().Wait()
		assert.True(t, e.exists(intermediate.FileName))
		assert.Equal(t, 3, e.store.Len())
	})

	t.Run("close", func(t *testing.T) {
		e, w, committed, intermediate := setup(t)
		ctx := context.Background()

		require.NoError(t, w.Close(ctx))
		w.CompactManager().Wait()
		assert.False(t, e.exists(intermediate.FileName))
		for _, f := range committed {
			assert.True(t, e.exists(f.FileName), f.FileName)
		}
		assert.Equal(t, 2, e.store.Len())
	})
}
