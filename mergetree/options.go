package mergetree

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hupe1980/tablestore/compact"
	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/hupe1980/tablestore/internal/sortbuf"
)

// ErrUnknownChangelogProducer is returned for an unrecognized producer name.
var ErrUnknownChangelogProducer = errors.New("mergetree: unknown changelog producer")

// ChangelogProducer selects how changelog files are produced.
type ChangelogProducer int

const (
	// ChangelogNone produces no changelog.
	ChangelogNone ChangelogProducer = iota
	// ChangelogInput writes every input record to changelog files on flush.
	ChangelogInput
	// ChangelogFullCompaction derives the changelog when merging into the
	// max level.
	ChangelogFullCompaction
)

func (p ChangelogProducer) String() string {
	switch p {
	case ChangelogNone:
		return "none"
	case ChangelogInput:
		return "input"
	case ChangelogFullCompaction:
		return "full-compaction"
	default:
		return fmt.Sprintf("ChangelogProducer(%d)", int(p))
	}
}

// ParseChangelogProducer parses the option value of "changelog-producer".
func ParseChangelogProducer(s string) (ChangelogProducer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ChangelogNone, nil
	case "input":
		return ChangelogInput, nil
	case "full-compaction":
		return ChangelogFullCompaction, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChangelogProducer, s)
	}
}

// MetricsObserver receives writer metrics.
type MetricsObserver interface {
	compact.Observer
	// OnFlush is called when a flush of the write buffer completes.
	OnFlush(duration time.Duration, rows int, err error)
	// OnThroughput reports bytes written.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver discards metrics.
type NoopMetricsObserver struct {
	compact.NoopObserver
}

func (NoopMetricsObserver) OnFlush(time.Duration, int, error) {}

func (NoopMetricsObserver) OnThroughput(string, int64) {}

type options struct {
	commitForceCompact bool
	changelogProducer  ChangelogProducer
	spillable          bool
	sortMaxFan         int
	tempDir            string
	fs                 fs.FileSystem
	logger             *slog.Logger
	observer           MetricsObserver
}

func defaultOptions() options {
	return options{
		spillable:  true,
		sortMaxFan: sortbuf.DefaultMaxFan,
		observer:   NoopMetricsObserver{},
	}
}

// Option configures a Writer.
type Option func(*options)

// WithCommitForceCompact makes every commit wait for the running compaction.
func WithCommitForceCompact(force bool) Option {
	return func(o *options) {
		o.commitForceCompact = force
	}
}

// WithChangelogProducer sets the changelog mode.
func WithChangelogProducer(p ChangelogProducer) Option {
	return func(o *options) {
		o.changelogProducer = p
	}
}

// WithSpillable enables or disables spilling of the write buffer.
func WithSpillable(spillable bool) Option {
	return func(o *options) {
		o.spillable = spillable
	}
}

// WithSortMaxFan bounds the fan-in of the external merge of spill runs.
func WithSortMaxFan(n int) Option {
	return func(o *options) {
		o.sortMaxFan = n
	}
}

// WithTempDir sets the parent directory of spill files.
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.tempDir = dir
	}
}

// WithFileSystem sets the filesystem used for spill files.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(obs MetricsObserver) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}
