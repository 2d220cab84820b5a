package compact

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/row"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyType   = row.NewRowType(row.Field{Name: "k", Type: row.TypeInt32})
	valueType = row.NewRowType(row.Field{Name: "v", Type: row.TypeString})
	schema    = kv.Schema{Key: keyType, Value: valueType}
	keyCmp    = row.NewComparator(keyType)
)

func key(k int32) row.Row { return row.Of(keyType, k) }

func meta(name string, level int32, minKey, maxKey int32, size int64, seq uint64) *datafile.DataFileMeta {
	return &datafile.DataFileMeta{
		FileName:    name,
		Level:       level,
		MinKey:      key(minKey),
		MaxKey:      key(maxKey),
		FileSize:    size,
		MinSequence: seq,
		MaxSequence: seq,
	}
}

func run(level int32, size int64) LevelSortedRun {
	return LevelSortedRun{Level: level, Run: SortedRunFromSorted([]*datafile.DataFileMeta{
		meta(fmt.Sprintf("f-%d-%d", level, size), level, 0, 1, size, 0),
	})}
}

func TestLevels(t *testing.T) {
	l, err := NewLevels(keyCmp, []*datafile.DataFileMeta{
		meta("a", 0, 0, 10, 1, 1),
		meta("b", 2, 20, 30, 1, 0),
		meta("c", 2, 0, 10, 1, 0),
	}, 3)
	require.NoError(t, err)

	l.AddLevel0File(meta("d", 0, 0, 10, 1, 5))
	assert.Equal(t, []string{"d", "a"}, datafile.FileNames(l.Level0()))
	assert.Equal(t, []string{"c", "b"}, datafile.FileNames(l.RunOfLevel(2).Files()))
	assert.Equal(t, 3, l.NumberOfSortedRuns())
	assert.Equal(t, int32(2), l.NonEmptyHighestLevel())
	assert.Equal(t, []string{"d", "a", "c", "b"}, datafile.FileNames(l.AllFiles()))

	a := l.Level0()[1]
	require.NoError(t, l.Update([]*datafile.DataFileMeta{a}, []*datafile.DataFileMeta{a.Upgrade(1)}))
	assert.Equal(t, []string{"d"}, datafile.FileNames(l.Level0()))
	assert.Equal(t, []string{"a"}, datafile.FileNames(l.RunOfLevel(1).Files()))
	require.NoError(t, l.RunOfLevel(2).Validate(keyCmp))

	assert.Error(t, l.Update(nil, []*datafile.DataFileMeta{meta("x", 7, 0, 1, 1, 0)}))
}

func TestPickFull(t *testing.T) {
	_, ok := PickFull(3, nil)
	assert.False(t, ok)
	_, ok = PickFull(3, []LevelSortedRun{run(2, 10)})
	assert.False(t, ok)

	unit, ok := PickFull(3, []LevelSortedRun{run(0, 1), run(2, 10)})
	require.True(t, ok)
	assert.Equal(t, int32(2), unit.OutputLevel)
	assert.Len(t, unit.Files, 2)
}

func TestUniversal(t *testing.T) {
	t.Run("size amplification", func(t *testing.T) {
		u := &Universal{MaxSizeAmp: 200, SizeRatio: 1, NumRunTrigger: 5}
		unit, ok := u.Pick(3, []LevelSortedRun{run(0, 1), run(0, 1), run(0, 1), run(0, 1), run(2, 1)})
		require.True(t, ok)
		assert.Equal(t, int32(2), unit.OutputLevel)
		assert.Len(t, unit.Files, 5)
	})

	t.Run("size ratio stops below next level", func(t *testing.T) {
		u := &Universal{MaxSizeAmp: 200, SizeRatio: 1, NumRunTrigger: 3}
		unit, ok := u.Pick(4, []LevelSortedRun{run(0, 1), run(0, 1), run(3, 10)})
		require.True(t, ok)
		assert.Equal(t, int32(2), unit.OutputLevel)
		assert.Len(t, unit.Files, 2)
	})

	t.Run("never outputs level zero", func(t *testing.T) {
		u := &Universal{MaxSizeAmp: 200, SizeRatio: 1, NumRunTrigger: 3}
		unit, ok := u.Pick(3, []LevelSortedRun{run(0, 1), run(0, 1), run(0, 10)})
		require.True(t, ok)
		assert.Equal(t, int32(2), unit.OutputLevel)
		assert.Len(t, unit.Files, 3)
	})

	t.Run("below trigger", func(t *testing.T) {
		u := NewUniversal()
		_, ok := u.Pick(3, []LevelSortedRun{run(0, 1), run(0, 1)})
		assert.False(t, ok)
	})

	t.Run("run count forces pick", func(t *testing.T) {
		u := &Universal{MaxSizeAmp: 1 << 20, SizeRatio: 0, NumRunTrigger: 2}
		unit, ok := u.Pick(4, []LevelSortedRun{run(0, 1), run(1, 100), run(2, 10000)})
		require.True(t, ok)
		assert.Equal(t, int32(1), unit.OutputLevel)
		assert.Len(t, unit.Files, 2)
	})
}

func TestLeveled(t *testing.T) {
	p := &Leveled{L0Threshold: 2, LevelRatio: 10, BaseSize: 100}
	unit, ok := p.Pick(4, []LevelSortedRun{run(0, 1), run(0, 1), run(1, 5)})
	require.True(t, ok)
	assert.Equal(t, int32(1), unit.OutputLevel)
	assert.Len(t, unit.Files, 3)

	unit, ok = p.Pick(4, []LevelSortedRun{run(0, 1), run(1, 500), run(2, 5)})
	require.True(t, ok)
	assert.Equal(t, int32(2), unit.OutputLevel)
	assert.Len(t, unit.Files, 2)

	_, ok = p.Pick(4, []LevelSortedRun{run(0, 1), run(1, 50)})
	assert.False(t, ok)
}

func TestIntervalPartition(t *testing.T) {
	sections := IntervalPartition([]*datafile.DataFileMeta{
		meta("e", 0, 20, 30, 1, 0),
		meta("c", 0, 10, 12, 1, 0),
		meta("a", 0, 1, 5, 1, 0),
		meta("b", 0, 3, 8, 1, 0),
		meta("d", 0, 11, 15, 1, 0),
		meta("f", 0, 21, 22, 1, 0),
		meta("g", 0, 25, 26, 1, 0),
		meta("h", 0, 40, 41, 1, 0),
	}, keyCmp)

	require.Len(t, sections, 4)
	assert.Len(t, sections[0], 2)
	assert.Len(t, sections[1], 2)
	require.Len(t, sections[2], 2)
	var runs [][]string
	for _, r := range sections[2] {
		runs = append(runs, datafile.FileNames(r.Files()))
	}
	assert.ElementsMatch(t, [][]string{{"e"}, {"f", "g"}}, runs)
	require.Len(t, sections[3], 1)
	assert.Equal(t, []string{"h"}, datafile.FileNames(sections[3][0].Files()))
}

type recordingRewriter struct {
	rewrites [][]string
	upgrades []string
	err      error
}

func (r *recordingRewriter) Rewrite(_ context.Context, level int32, _ bool, sections [][]SortedRun) (*Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	files := sectionFiles(sections)
	r.rewrites = append(r.rewrites, datafile.FileNames(files))
	return &Result{Before: files, After: []*datafile.DataFileMeta{meta("out", level, 0, 0, 1, 0)}}, nil
}

func (r *recordingRewriter) Upgrade(_ context.Context, level int32, f *datafile.DataFileMeta) (*Result, error) {
	r.upgrades = append(r.upgrades, f.FileName)
	return &Result{Before: []*datafile.DataFileMeta{f}, After: []*datafile.DataFileMeta{f.Upgrade(level)}}, nil
}

func TestTask_UpgradesLargeFiles(t *testing.T) {
	rw := &recordingRewriter{}
	unit := Unit{OutputLevel: 2, Files: []*datafile.DataFileMeta{
		meta("small-a", 0, 0, 5, 10, 0),
		meta("small-b", 0, 3, 7, 10, 0),
		meta("big", 0, 10, 20, 1000, 0),
		meta("tiny", 0, 30, 31, 1, 0),
		meta("done", 2, 40, 50, 1000, 0),
	}}
	result, err := NewTask(keyCmp, 100, rw, unit, true).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rw.rewrites, 1)
	assert.ElementsMatch(t, []string{"small-a", "small-b"}, rw.rewrites[0])
	assert.Equal(t, []string{"big", "tiny"}, rw.upgrades)
	assert.ElementsMatch(t, []string{"small-a", "small-b", "big", "tiny"}, datafile.FileNames(result.Before))
	assert.Len(t, result.After, 3)
}

// storeEnv wires real writers and readers over an in-memory store.
type storeEnv struct {
	store   *blobstore.MemoryStore
	writers *datafile.WriterFactory
	readers *datafile.ReaderFactory
	mf      mergefunc.Factory
}

func newStoreEnv(t *testing.T) *storeEnv {
	t.Helper()
	store := blobstore.NewMemoryStore()
	paths := datafile.NewPathFactory("bucket-0", "blk")
	mf, err := mergefunc.NewFactory(mergefunc.Config{Engine: mergefunc.Deduplicate, ValueType: valueType})
	require.NoError(t, err)
	return &storeEnv{
		store:   store,
		writers: datafile.NewWriterFactory(store, paths, datafile.WriterConfig{Schema: schema}),
		readers: datafile.NewReaderFactory(store, paths, schema, nil),
		mf:      mf,
	}
}

type rec struct {
	k    int32
	v    string
	kind kv.ValueKind
}

func (e *storeEnv) write(t *testing.T, level int32, seq uint64, records ...rec) *datafile.DataFileMeta {
	t.Helper()
	w := e.writers.NewRollingDataWriter(context.Background(), level)
	for _, r := range records {
		require.NoError(t, w.Write(kv.New(key(r.k), seq, r.kind, row.Of(valueType, r.v))))
		seq++
	}
	require.NoError(t, w.Close())
	require.Len(t, w.Result(), 1)
	return w.Result()[0]
}

func (e *storeEnv) read(t *testing.T, files []*datafile.DataFileMeta) []string {
	t.Helper()
	sections := IntervalPartition(files, keyCmp)
	records, err := kv.Collect(MergeTreeIterator(context.Background(), e.readers, keyCmp, sections, e.mf(), true))
	require.NoError(t, err)
	var out []string
	for _, r := range records {
		out = append(out, fmt.Sprintf("%d=%s", r.Key.Int32(0), r.Value.String(0)))
	}
	return out
}

func TestManager_FullCompaction(t *testing.T) {
	env := newStoreEnv(t)
	ctx := context.Background()

	m, err := NewManager(nil, Config{
		KeyComparator: keyCmp,
		NumLevels:     3,
		Rewriter:      NewMergeRewriter(env.readers, env.writers, keyCmp, env.mf),
		Deleter:       env.writers,
	})
	require.NoError(t, err)

	f1 := env.write(t, 0, 1, rec{1, "a", kv.Insert}, rec{2, "b", kv.Insert}, rec{3, "c", kv.Insert})
	f2 := env.write(t, 0, 10, rec{2, "b2", kv.Insert}, rec{3, "", kv.Delete})
	m.AddNewFile(f1)
	m.AddNewFile(f2)

	require.NoError(t, m.TriggerCompaction(true))
	assert.True(t, m.IsCompacting())
	assert.ErrorIs(t, m.TriggerCompaction(true), ErrCompactionRunning)

	result, ok, err := m.CompactionResult(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, m.IsCompacting())
	assert.ElementsMatch(t, []string{f1.FileName, f2.FileName}, datafile.FileNames(result.Before))
	require.Len(t, result.After, 1)
	assert.Equal(t, int32(2), result.After[0].Level)

	assert.Empty(t, m.Levels().Level0())
	assert.Equal(t, []string{"1=a", "2=b2"}, env.read(t, m.AllFiles()))
	assert.Equal(t, int64(2), result.After[0].RowCount)

	// A single run at the max level needs no compaction.
	require.NoError(t, m.TriggerCompaction(true))
	assert.False(t, m.IsCompacting())
}

type blockingRewriter struct {
	started chan struct{}
	env     *storeEnv
	written atomic.Pointer[datafile.DataFileMeta]
}

func (r *blockingRewriter) Rewrite(ctx context.Context, level int32, _ bool, sections [][]SortedRun) (*Result, error) {
	w := r.env.writers.NewRollingDataWriter(context.Background(), level)
	if err := w.Write(kv.New(key(1), 1, kv.Insert, row.Of(valueType, "x"))); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	r.written.Store(w.Result()[0])
	close(r.started)
	<-ctx.Done()
	return &Result{Before: sectionFiles(sections), After: w.Result()}, nil
}

func (r *blockingRewriter) Upgrade(context.Context, int32, *datafile.DataFileMeta) (*Result, error) {
	return nil, errors.New("unexpected upgrade")
}

func TestManager_CancelDiscardsResult(t *testing.T) {
	env := newStoreEnv(t)
	rw := &blockingRewriter{started: make(chan struct{}), env: env}
	m, err := NewManager(nil, Config{KeyComparator: keyCmp, NumLevels: 3, Rewriter: rw, Deleter: env.writers})
	require.NoError(t, err)

	m.AddNewFile(env.write(t, 0, 1, rec{1, "a", kv.Insert}))
	m.AddNewFile(env.write(t, 0, 5, rec{1, "b", kv.Insert}))
	require.NoError(t, m.TriggerCompaction(true))
	<-rw.started
	require.Equal(t, 3, env.store.Len())

	m.Cancel()
	result, ok, err := m.CompactionResult(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)
	m.Wait()

	assert.Equal(t, 2, env.store.Len())
	assert.Len(t, m.Levels().Level0(), 2)
}

func TestManager_FailureSurfacesOnCollect(t *testing.T) {
	env := newStoreEnv(t)
	boom := errors.New("boom")
	m, err := NewManager(nil, Config{KeyComparator: keyCmp, NumLevels: 3, Rewriter: &recordingRewriter{err: boom}})
	require.NoError(t, err)

	m.AddNewFile(env.write(t, 0, 1, rec{1, "a", kv.Insert}))
	m.AddNewFile(env.write(t, 0, 5, rec{1, "b", kv.Insert}))
	require.NoError(t, m.TriggerCompaction(true))

	_, ok, err := m.CompactionResult(context.Background(), true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int32(2), cerr.Unit.OutputLevel)
	assert.Len(t, m.Levels().Level0(), 2)
}

func TestManager_ShouldWait(t *testing.T) {
	m, err := NewManager(nil, Config{KeyComparator: keyCmp, NumLevels: 3, NumSortedRunStopTrigger: 2, Rewriter: &recordingRewriter{}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m.AddNewFile(meta(fmt.Sprintf("f%d", i), 0, 0, 1, 1, uint64(i)))
	}
	assert.True(t, m.ShouldWaitCompaction())
}

func TestFullChangelogRewriter(t *testing.T) {
	env := newStoreEnv(t)
	ctx := context.Background()

	top := env.write(t, 2, 1, rec{1, "a", kv.Insert}, rec{2, "b", kv.Insert}, rec{4, "d", kv.Insert})
	l0 := env.write(t, 0, 10, rec{1, "a2", kv.Insert}, rec{2, "", kv.Delete}, rec{3, "c", kv.Insert}, rec{4, "d", kv.Insert})

	rw := NewFullChangelogRewriter(2, env.readers, env.writers, keyCmp, env.mf)
	result, err := rw.Rewrite(ctx, 2, true, IntervalPartition([]*datafile.DataFileMeta{top, l0}, keyCmp))
	require.NoError(t, err)
	require.Len(t, result.Changelog, 1)

	it, err := env.readers.NewReader(ctx, result.Changelog[0])
	require.NoError(t, err)
	changes, err := kv.Collect(it)
	require.NoError(t, err)
	var got []string
	for _, c := range changes {
		got = append(got, fmt.Sprintf("%s%d=%s", c.Kind.ShortString(), c.Key.Int32(0), c.Value.String(0)))
	}
	assert.Equal(t, []string{"-U1=a", "+U1=a2", "-D2=b", "+I3=c"}, got)
	assert.Equal(t, []string{"1=a2", "3=c", "4=d"}, env.read(t, result.After))

	// Upgrading into the max level rewrites to produce a changelog.
	small := env.write(t, 0, 20, rec{9, "z", kv.Insert})
	up, err := rw.Upgrade(ctx, 2, small)
	require.NoError(t, err)
	require.Len(t, up.Changelog, 1)
	assert.NotEqual(t, small.FileName, up.After[0].FileName)

	up, err = rw.Upgrade(ctx, 1, small)
	require.NoError(t, err)
	assert.Empty(t, up.Changelog)
	assert.Equal(t, small.FileName, up.After[0].FileName)
}
