package compact

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/tablestore/datafile"
)

// ErrCompactionCanceled is returned by a task whose context was canceled.
var ErrCompactionCanceled = errors.New("compact: compaction canceled")

// ErrCompactionRunning is returned when a full compaction is requested
// while a task is still in flight.
var ErrCompactionRunning = errors.New("compact: compaction already running")

// Unit is a set of files to merge into OutputLevel.
type Unit struct {
	OutputLevel int32
	Files       []*datafile.DataFileMeta
}

// UnitFromRuns collects the files of runs.
func UnitFromRuns(outputLevel int32, runs []LevelSortedRun) Unit {
	var files []*datafile.DataFileMeta
	for _, r := range runs {
		files = append(files, r.Run.Files()...)
	}
	return Unit{OutputLevel: outputLevel, Files: files}
}

// Result describes the file-set change of one compaction. A file upgraded
// without rewrite appears in Before at its old level and in After at its new
// level under the same name.
type Result struct {
	Before    []*datafile.DataFileMeta
	After     []*datafile.DataFileMeta
	Changelog []*datafile.DataFileMeta
}

// Merge appends the files of o.
func (r *Result) Merge(o *Result) {
	r.Before = append(r.Before, o.Before...)
	r.After = append(r.After, o.After...)
	r.Changelog = append(r.Changelog, o.Changelog...)
}

// Error wraps a failure of a background compaction.
type Error struct {
	Unit Unit
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compact: %d files into level %d: %v", len(e.Unit.Files), e.Unit.OutputLevel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Observer receives compaction metrics.
type Observer interface {
	OnCompaction(duration time.Duration, inputFiles int, outputFiles int, err error)
}

// NoopObserver discards metrics.
type NoopObserver struct{}

func (NoopObserver) OnCompaction(time.Duration, int, int, error) {}
