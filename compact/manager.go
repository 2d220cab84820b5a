package compact

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/row"
)

// FileDeleter removes files by name.
type FileDeleter interface {
	DeleteFile(ctx context.Context, fileName string) error
}

// Config configures a Manager.
type Config struct {
	KeyComparator row.Comparator
	// NumLevels defaults to 5.
	NumLevels int
	// MinFileSize is the size below which a non-overlapping file is
	// rewritten rather than upgraded.
	MinFileSize int64
	// NumSortedRunStopTrigger is the number of sorted runs above which
	// writers wait for compaction. Defaults to 10.
	NumSortedRunStopTrigger int
	// Strategy defaults to NewUniversal().
	Strategy Strategy
	Rewriter Rewriter
	// Deleter removes outputs of discarded compactions.
	Deleter    FileDeleter
	Controller *resource.Controller
	Observer   Observer
	Logger     *slog.Logger
}

type taskResult struct {
	result *Result
	err    error
}

type runningTask struct {
	task     *Task
	cancel   context.CancelFunc
	done     chan taskResult
	canceled bool
}

// Manager schedules compactions of one bucket. At most one task runs at a
// time on a background goroutine; its result is handed back through a
// channel and applied to the levels when collected. Methods other than Wait
// must be called from a single goroutine.
type Manager struct {
	cfg     Config
	levels  *Levels
	running *runningTask
	wg      sync.WaitGroup
}

// NewManager creates a manager over restored files.
func NewManager(files []*datafile.DataFileMeta, cfg Config) (*Manager, error) {
	if cfg.NumLevels == 0 {
		cfg.NumLevels = 5
	}
	if cfg.NumSortedRunStopTrigger == 0 {
		cfg.NumSortedRunStopTrigger = 10
	}
	if cfg.Strategy == nil {
		cfg.Strategy = NewUniversal()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Rewriter == nil {
		return nil, errors.New("compact: rewriter is required")
	}
	levels, err := NewLevels(cfg.KeyComparator, files, cfg.NumLevels)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, levels: levels}, nil
}

// Levels returns the current file layout.
func (m *Manager) Levels() *Levels { return m.levels }

// AddNewFile registers a flushed level 0 file.
func (m *Manager) AddNewFile(f *datafile.DataFileMeta) {
	m.levels.AddLevel0File(f)
}

// AllFiles returns the files currently tracked.
func (m *Manager) AllFiles() []*datafile.DataFileMeta {
	return m.levels.AllFiles()
}

// ShouldWaitCompaction reports whether there are so many sorted runs that
// writers should wait for the running compaction.
func (m *Manager) ShouldWaitCompaction() bool {
	return m.levels.NumberOfSortedRuns() > m.cfg.NumSortedRunStopTrigger
}

// IsCompacting reports whether a task is in flight.
func (m *Manager) IsCompacting() bool {
	return m.running != nil
}

// TriggerCompaction schedules a compaction when the strategy picks one. It
// is a no-op while a task is running, except that a full compaction then
// fails with ErrCompactionRunning.
func (m *Manager) TriggerCompaction(full bool) error {
	if m.running != nil {
		if full {
			return ErrCompactionRunning
		}
		return nil
	}

	runs := m.levels.LevelSortedRuns()
	numLevels := m.levels.NumberOfLevels()
	var (
		unit Unit
		ok   bool
	)
	if full {
		unit, ok = PickFull(numLevels, runs)
	} else {
		unit, ok = m.cfg.Strategy.Pick(numLevels, runs)
		ok = ok && len(unit.Files) > 0 &&
			(len(unit.Files) > 1 || unit.Files[0].Level != unit.OutputLevel)
	}
	if !ok {
		return nil
	}

	dropDelete := unit.OutputLevel != 0 && unit.OutputLevel >= m.levels.NonEmptyHighestLevel()
	m.submit(NewTask(m.cfg.KeyComparator, m.cfg.MinFileSize, m.cfg.Rewriter, unit, dropDelete))
	return nil
}

func (m *Manager) submit(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{task: task, cancel: cancel, done: make(chan taskResult, 1)}
	m.running = rt

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		result, err := m.run(ctx, task)
		rt.done <- taskResult{result: result, err: err}
	}()
}

func (m *Manager) run(ctx context.Context, task *Task) (*Result, error) {
	start := time.Now()
	unit := task.Unit()
	m.logDebug("compaction started", "files", len(unit.Files), "outputLevel", unit.OutputLevel, "dropDelete", task.DropDelete())

	if err := m.cfg.Controller.AcquireBackground(ctx); err != nil {
		m.cfg.Observer.OnCompaction(time.Since(start), len(unit.Files), 0, err)
		return nil, &Error{Unit: unit, Err: errors.Join(ErrCompactionCanceled, err)}
	}
	defer m.cfg.Controller.ReleaseBackground()

	result, err := task.Run(ctx)
	if err != nil {
		m.discard(result)
		m.cfg.Observer.OnCompaction(time.Since(start), len(unit.Files), 0, err)
		if m.cfg.Logger != nil && !errors.Is(err, ErrCompactionCanceled) {
			m.cfg.Logger.Error("compaction failed", "files", len(unit.Files), "outputLevel", unit.OutputLevel, "error", err)
		}
		return nil, &Error{Unit: unit, Err: err}
	}
	m.cfg.Observer.OnCompaction(time.Since(start), len(unit.Files), len(result.After), nil)
	m.logDebug("compaction finished",
		"before", len(result.Before), "after", len(result.After), "changelog", len(result.Changelog),
		"upgraded", task.upgraded, "duration", time.Since(start))
	return result, nil
}

// discard deletes the new files of a result that will never be applied.
// Upgraded files share their name with an input and are kept.
func (m *Manager) discard(result *Result) {
	if result == nil || m.cfg.Deleter == nil {
		return
	}
	inputs := make(map[string]struct{}, len(result.Before))
	for _, f := range result.Before {
		inputs[f.FileName] = struct{}{}
	}
	ctx := context.Background()
	for _, f := range append(result.After, result.Changelog...) {
		if _, ok := inputs[f.FileName]; ok {
			continue
		}
		if err := m.cfg.Deleter.DeleteFile(ctx, f.FileName); err != nil && m.cfg.Logger != nil {
			m.cfg.Logger.Warn("delete discarded compaction output", "file", f.FileName, "error", err)
		}
	}
}

// CompactionResult collects the result of the running task. Without
// blocking it returns only an already finished result. A task failure is
// returned as *Error. The result of a canceled task is discarded.
func (m *Manager) CompactionResult(ctx context.Context, blocking bool) (*Result, bool, error) {
	rt := m.running
	if rt == nil {
		return nil, false, nil
	}
	if rt.canceled {
		m.running = nil
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if r := <-rt.done; r.err == nil {
				m.discard(r.result)
			}
		}()
		return nil, false, nil
	}

	var r taskResult
	if blocking {
		select {
		case r = <-rt.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	} else {
		select {
		case r = <-rt.done:
		default:
			return nil, false, nil
		}
	}
	m.running = nil
	if r.err != nil {
		return nil, false, r.err
	}
	if err := m.levels.Update(r.result.Before, r.result.After); err != nil {
		return nil, false, err
	}
	return r.result, true, nil
}

// Cancel cancels the running task without waiting for it. A task that has
// already finished is left for collection.
func (m *Manager) Cancel() {
	rt := m.running
	if rt == nil || rt.canceled {
		return
	}
	select {
	case r := <-rt.done:
		rt.done <- r
		return
	default:
	}
	rt.canceled = true
	rt.cancel()
}

// Wait blocks until all background goroutines have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) logDebug(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Debug(msg, args...)
	}
}
