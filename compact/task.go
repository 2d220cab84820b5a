package compact

import (
	"context"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/row"
)

// Task compacts one unit. Overlapping files are rewritten; a large file
// that overlaps nothing is upgraded to the output level without rewrite.
type Task struct {
	minFileSize int64
	rewriter    Rewriter
	unit        Unit
	partitioned [][]SortedRun
	dropDelete  bool

	upgraded  int
	rewritten int
}

// NewTask prepares the compaction of unit.
func NewTask(keyCmp row.Comparator, minFileSize int64, rewriter Rewriter, unit Unit, dropDelete bool) *Task {
	return &Task{
		minFileSize: minFileSize,
		rewriter:    rewriter,
		unit:        unit,
		partitioned: IntervalPartition(unit.Files, keyCmp),
		dropDelete:  dropDelete,
	}
}

// Unit returns the unit being compacted.
func (t *Task) Unit() Unit { return t.unit }

// DropDelete reports whether retractions are dropped from the output.
func (t *Task) DropDelete() bool { return t.dropDelete }

// Run executes the task. On error the returned result holds the files
// produced before the failure so the caller can remove them.
func (t *Task) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	var candidate [][]SortedRun

	// Adjacent sections are rewritten together; skipping one would break the
	// key order of the output run.
	for _, section := range t.partitioned {
		if len(section) > 1 {
			candidate = append(candidate, section)
			continue
		}
		for _, file := range section[0].Files() {
			if file.FileSize < t.minFileSize {
				candidate = append(candidate, []SortedRun{SortedRunFromSorted([]*datafile.DataFileMeta{file})})
				continue
			}
			if err := t.rewrite(ctx, &candidate, result); err != nil {
				return result, err
			}
			if err := t.upgrade(ctx, file, result); err != nil {
				return result, err
			}
		}
	}
	if err := t.rewrite(ctx, &candidate, result); err != nil {
		return result, err
	}
	return result, nil
}

func (t *Task) upgrade(ctx context.Context, file *datafile.DataFileMeta, result *Result) error {
	if file.Level == t.unit.OutputLevel {
		return nil
	}
	r, err := t.rewriter.Upgrade(ctx, t.unit.OutputLevel, file)
	if err != nil {
		return err
	}
	result.Merge(r)
	t.upgraded++
	return nil
}

func (t *Task) rewrite(ctx context.Context, candidate *[][]SortedRun, result *Result) error {
	sections := *candidate
	*candidate = nil
	if len(sections) == 0 {
		return nil
	}
	if len(sections) == 1 && len(sections[0]) == 1 {
		for _, file := range sections[0][0].Files() {
			if err := t.upgrade(ctx, file, result); err != nil {
				return err
			}
		}
		return nil
	}
	r, err := t.rewriter.Rewrite(ctx, t.unit.OutputLevel, t.dropDelete, sections)
	if err != nil {
		return err
	}
	result.Merge(r)
	t.rewritten += len(r.Before)
	return nil
}
