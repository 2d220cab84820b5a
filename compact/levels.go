package compact

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/row"
)

// SortedRun is a list of files with non-overlapping key ranges ordered by
// key.
type SortedRun struct {
	files     []*datafile.DataFileMeta
	totalSize int64
}

// SortedRunFromSorted wraps files that are already ordered by key.
func SortedRunFromSorted(files []*datafile.DataFileMeta) SortedRun {
	return SortedRun{files: files, totalSize: datafile.TotalSize(files)}
}

// SortedRunFromUnsorted orders files by min key.
func SortedRunFromUnsorted(files []*datafile.DataFileMeta, keyCmp row.Comparator) SortedRun {
	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b *datafile.DataFileMeta) int {
		return keyCmp(a.MinKey, b.MinKey)
	})
	return SortedRunFromSorted(sorted)
}

func (r SortedRun) Files() []*datafile.DataFileMeta { return r.files }

func (r SortedRun) TotalSize() int64 { return r.totalSize }

func (r SortedRun) IsEmpty() bool { return len(r.files) == 0 }

// Validate reports whether consecutive files overlap.
func (r SortedRun) Validate(keyCmp row.Comparator) error {
	for i := 1; i < len(r.files); i++ {
		if keyCmp(r.files[i].MinKey, r.files[i-1].MaxKey) <= 0 {
			return fmt.Errorf("compact: sorted run files %s and %s overlap", r.files[i-1].FileName, r.files[i].FileName)
		}
	}
	return nil
}

// LevelSortedRun is a sorted run tagged with its level.
type LevelSortedRun struct {
	Level int32
	Run   SortedRun
}

func (r LevelSortedRun) String() string {
	return fmt.Sprintf("L%d%v", r.Level, datafile.FileNames(r.Run.files))
}

// Levels tracks the files of one bucket by level. It is owned by a single
// Manager and is not safe for concurrent use.
type Levels struct {
	keyCmp row.Comparator
	level0 []*datafile.DataFileMeta
	levels []SortedRun
}

// NewLevels places restored files into numLevels levels.
func NewLevels(keyCmp row.Comparator, files []*datafile.DataFileMeta, numLevels int) (*Levels, error) {
	restoredMax := int32(-1)
	for _, f := range files {
		restoredMax = max(restoredMax, f.Level)
	}
	if int(restoredMax) >= numLevels {
		numLevels = int(restoredMax) + 1
	}
	if numLevels < 2 {
		return nil, fmt.Errorf("compact: need at least 2 levels, got %d", numLevels)
	}
	l := &Levels{keyCmp: keyCmp, levels: make([]SortedRun, numLevels-1)}
	if err := l.Update(nil, files); err != nil {
		return nil, err
	}
	return l, nil
}

// level0Order sorts newest first: max sequence descending, then min sequence
// ascending, then name.
func level0Order(a, b *datafile.DataFileMeta) int {
	if c := cmp.Compare(b.MaxSequence, a.MaxSequence); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MinSequence, b.MinSequence); c != 0 {
		return c
	}
	return strings.Compare(a.FileName, b.FileName)
}

// AddLevel0File registers a freshly flushed file.
func (l *Levels) AddLevel0File(f *datafile.DataFileMeta) {
	if f.Level != 0 {
		panic(fmt.Sprintf("compact: level 0 file expected, got %s", f))
	}
	i, _ := slices.BinarySearchFunc(l.level0, f, level0Order)
	l.level0 = slices.Insert(l.level0, i, f)
}

func (l *Levels) Level0() []*datafile.DataFileMeta { return l.level0 }

// RunOfLevel returns the sorted run of level >= 1.
func (l *Levels) RunOfLevel(level int32) SortedRun {
	if level <= 0 {
		panic("compact: level 0 has no single sorted run")
	}
	return l.levels[level-1]
}

func (l *Levels) NumberOfLevels() int { return len(l.levels) + 1 }

func (l *Levels) MaxLevel() int32 { return int32(len(l.levels)) }

// NumberOfSortedRuns counts level 0 files plus non-empty higher levels.
func (l *Levels) NumberOfSortedRuns() int {
	n := len(l.level0)
	for _, r := range l.levels {
		if !r.IsEmpty() {
			n++
		}
	}
	return n
}

// NonEmptyHighestLevel returns the highest level holding files, or -1.
func (l *Levels) NonEmptyHighestLevel() int32 {
	for i := len(l.levels) - 1; i >= 0; i-- {
		if !l.levels[i].IsEmpty() {
			return int32(i + 1)
		}
	}
	if len(l.level0) > 0 {
		return 0
	}
	return -1
}

// AllFiles returns every file, level 0 first.
func (l *Levels) AllFiles() []*datafile.DataFileMeta {
	var out []*datafile.DataFileMeta
	for _, r := range l.LevelSortedRuns() {
		out = append(out, r.Run.Files()...)
	}
	return out
}

// LevelSortedRuns lists the sorted runs from newest to oldest.
func (l *Levels) LevelSortedRuns() []LevelSortedRun {
	runs := make([]LevelSortedRun, 0, len(l.level0)+len(l.levels))
	for _, f := range l.level0 {
		runs = append(runs, LevelSortedRun{Level: 0, Run: SortedRunFromSorted([]*datafile.DataFileMeta{f})})
	}
	for i, r := range l.levels {
		if !r.IsEmpty() {
			runs = append(runs, LevelSortedRun{Level: int32(i + 1), Run: r})
		}
	}
	return runs
}

// Update replaces before with after.
func (l *Levels) Update(before, after []*datafile.DataFileMeta) error {
	beforeByLevel := groupByLevel(before)
	afterByLevel := groupByLevel(after)

	for level := int32(0); level < int32(l.NumberOfLevels()); level++ {
		b, a := beforeByLevel[level], afterByLevel[level]
		delete(beforeByLevel, level)
		delete(afterByLevel, level)
		if len(b) == 0 && len(a) == 0 {
			continue
		}
		if level == 0 {
			l.level0 = slices.DeleteFunc(l.level0, func(f *datafile.DataFileMeta) bool {
				return containsID(b, f.ID())
			})
			for _, f := range a {
				l.AddLevel0File(f)
			}
			continue
		}
		files := slices.DeleteFunc(slices.Clone(l.levels[level-1].Files()), func(f *datafile.DataFileMeta) bool {
			return containsID(b, f.ID())
		})
		files = append(files, a...)
		l.levels[level-1] = SortedRunFromUnsorted(files, l.keyCmp)
	}
	if len(beforeByLevel) > 0 || len(afterByLevel) > 0 {
		return fmt.Errorf("compact: update references levels beyond %d", l.MaxLevel())
	}
	return nil
}

func groupByLevel(files []*datafile.DataFileMeta) map[int32][]*datafile.DataFileMeta {
	m := make(map[int32][]*datafile.DataFileMeta)
	for _, f := range files {
		m[f.Level] = append(m[f.Level], f)
	}
	return m
}

func containsID(files []*datafile.DataFileMeta, id datafile.FileID) bool {
	return slices.ContainsFunc(files, func(f *datafile.DataFileMeta) bool { return f.ID() == id })
}
