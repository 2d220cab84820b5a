package tablestore

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/tablestore/format"
	"github.com/hupe1980/tablestore/internal/sortbuf"
	"github.com/hupe1980/tablestore/mergefunc"
	"github.com/hupe1980/tablestore/mergetree"
)

type options struct {
	buckets            int
	writeBufferSize    int64
	pageSize           int
	targetFileSize     int64
	numLevels          int
	compactionTrigger  int
	stopTrigger        int
	maxSizeAmp         int
	sizeRatio          int
	leveled            bool
	spillable          bool
	sortMaxFan         int
	tempDir            string
	mergeEngine        mergefunc.Engine
	aggregators        map[string]string
	changelogProducer  mergetree.ChangelogProducer
	commitForceCompact bool
	compression        format.Compression
	backgroundWorkers  int64
	ioLimit            int64
	readCacheSize      int64
	logger             *Logger
	observer           mergetree.MetricsObserver
}

// Option configures a Table.
//
// Breaking changes are expected while the table format is pre-release.
type Option func(*options)

// WithBuckets sets the number of buckets per partition.
func WithBuckets(n int) Option {
	return func(o *options) {
		o.buckets = n
	}
}

// WithWriteBufferSize sets the memory shared by the write buffers of all
// buckets.
func WithWriteBufferSize(bytes int64) Option {
	return func(o *options) {
		o.writeBufferSize = bytes
	}
}

// WithPageSize sets the size of a write buffer page. A single record must
// fit into one page.
func WithPageSize(bytes int) Option {
	return func(o *options) {
		o.pageSize = bytes
	}
}

// WithTargetFileSize sets the size at which data files are rolled.
func WithTargetFileSize(bytes int64) Option {
	return func(o *options) {
		o.targetFileSize = bytes
	}
}

// WithNumLevels sets the number of LSM levels. Defaults to the compaction
// trigger plus one.
func WithNumLevels(n int) Option {
	return func(o *options) {
		o.numLevels = n
	}
}

// WithCompactionTrigger sets the number of sorted runs that triggers a
// compaction.
func WithCompactionTrigger(n int) Option {
	return func(o *options) {
		o.compactionTrigger = n
	}
}

// WithStopTrigger sets the number of sorted runs above which writes wait for
// compaction.
func WithStopTrigger(n int) Option {
	return func(o *options) {
		o.stopTrigger = n
	}
}

// WithSizeAmplification sets the tolerated size amplification in percent.
func WithSizeAmplification(percent int) Option {
	return func(o *options) {
		o.maxSizeAmp = percent
	}
}

// WithSizeRatio sets the size ratio in percent used when picking runs.
func WithSizeRatio(percent int) Option {
	return func(o *options) {
		o.sizeRatio = percent
	}
}

// WithLeveledCompaction switches from universal to leveled compaction.
func WithLeveledCompaction() Option {
	return func(o *options) {
		o.leveled = true
	}
}

// WithSpillable enables or disables spilling write buffers to disk.
func WithSpillable(spillable bool) Option {
	return func(o *options) {
		o.spillable = spillable
	}
}

// WithSortMaxFan bounds the number of spill files merged at once.
func WithSortMaxFan(n int) Option {
	return func(o *options) {
		o.sortMaxFan = n
	}
}

// WithTempDir sets the directory for spill files.
func WithTempDir(dir string) Option {
	return func(o *options) {
		o.tempDir = dir
	}
}

// WithMergeEngine selects the merge engine.
func WithMergeEngine(e mergefunc.Engine) Option {
	return func(o *options) {
		o.mergeEngine = e
	}
}

// WithAggregator sets the aggregate function of a value field.
func WithAggregator(field, fn string) Option {
	return func(o *options) {
		if o.aggregators == nil {
			o.aggregators = make(map[string]string)
		}
		o.aggregators[field] = fn
	}
}

// WithChangelogProducer selects how changelog files are produced.
func WithChangelogProducer(p mergetree.ChangelogProducer) Option {
	return func(o *options) {
		o.changelogProducer = p
	}
}

// WithCommitForceCompact makes every commit wait for running compactions.
func WithCommitForceCompact(force bool) Option {
	return func(o *options) {
		o.commitForceCompact = force
	}
}

// WithCompression sets the data file compression.
func WithCompression(c format.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBackgroundWorkers bounds the number of concurrent compactions.
func WithBackgroundWorkers(n int64) Option {
	return func(o *options) {
		o.backgroundWorkers = n
	}
}

// WithIOLimit throttles compaction output to bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithReadCache caches data file reads in a block cache of the given size.
// Zero disables the cache.
func WithReadCache(bytes int64) Option {
	return func(o *options) {
		o.readCacheSize = bytes
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver configures the observer of flushes and compactions.
func WithMetricsObserver(obs mergetree.MetricsObserver) Option {
	return func(o *options) {
		o.observer = obs
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		buckets:           1,
		writeBufferSize:   256 << 20,
		pageSize:          64 << 10,
		targetFileSize:    128 << 20,
		compactionTrigger: 5,
		maxSizeAmp:        200,
		sizeRatio:         1,
		spillable:         true,
		sortMaxFan:        sortbuf.DefaultMaxFan,
		compression:       format.CompressionZstd,
		backgroundWorkers: 1,
		observer:          mergetree.NoopMetricsObserver{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.numLevels == 0 {
		o.numLevels = o.compactionTrigger + 1
	}
	if o.stopTrigger == 0 {
		o.stopTrigger = o.compactionTrigger + 5
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.observer == nil {
		o.observer = mergetree.NoopMetricsObserver{}
	}
	return o
}

func (o options) validate() error {
	switch {
	case o.buckets < 1:
		return fmt.Errorf("%w: bucket must be positive, got %d", ErrInvalidOption, o.buckets)
	case o.pageSize < 1:
		return fmt.Errorf("%w: page-size must be positive, got %d", ErrInvalidOption, o.pageSize)
	case o.writeBufferSize < int64(o.pageSize):
		return fmt.Errorf("%w: write-buffer-size %d is smaller than one page", ErrInvalidOption, o.writeBufferSize)
	case o.numLevels < 2:
		return fmt.Errorf("%w: num-levels must be at least 2, got %d", ErrInvalidOption, o.numLevels)
	case o.readCacheSize < 0:
		return fmt.Errorf("%w: read.cache-size must not be negative, got %d", ErrInvalidOption, o.readCacheSize)
	case o.sortMaxFan < 2:
		return fmt.Errorf("%w: local-sort.max-num-file-handles must be at least 2, got %d", ErrInvalidOption, o.sortMaxFan)
	}
	return nil
}

const aggregatePrefix, aggregateSuffix = "fields.", ".aggregate-function"

// ParseOptions converts string key/value options into Options. Memory sizes
// accept units such as "64 mb" or "1kb".
func ParseOptions(m map[string]string) ([]Option, error) {
	var opts []Option
	for key, value := range m {
		opt, err := parseOption(key, strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func parseOption(key, value string) (Option, error) {
	switch key {
	case "bucket":
		n, err := parseInt(key, value)
		return WithBuckets(n), err
	case "write-buffer-size":
		n, err := parseSize(key, value)
		return WithWriteBufferSize(n), err
	case "page-size":
		n, err := parseSize(key, value)
		return WithPageSize(int(n)), err
	case "target-file-size":
		n, err := parseSize(key, value)
		return WithTargetFileSize(n), err
	case "num-levels":
		n, err := parseInt(key, value)
		return WithNumLevels(n), err
	case "num-sorted-run.compaction-trigger":
		n, err := parseInt(key, value)
		return WithCompactionTrigger(n), err
	case "num-sorted-run.stop-trigger":
		n, err := parseInt(key, value)
		return WithStopTrigger(n), err
	case "compaction.max-size-amplification-percent":
		n, err := parseInt(key, value)
		return WithSizeAmplification(n), err
	case "compaction.size-ratio":
		n, err := parseInt(key, value)
		return WithSizeRatio(n), err
	case "compaction.strategy":
		switch value {
		case "universal":
			return func(o *options) { o.leveled = false }, nil
		case "leveled":
			return WithLeveledCompaction(), nil
		}
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidOption, key, value)
	case "write-buffer-spillable":
		b, err := parseBool(key, value)
		return WithSpillable(b), err
	case "local-sort.max-num-file-handles":
		n, err := parseInt(key, value)
		return WithSortMaxFan(n), err
	case "merge-engine":
		e, err := mergefunc.ParseEngine(value)
		return WithMergeEngine(e), err
	case "changelog-producer":
		p, err := mergetree.ParseChangelogProducer(value)
		return WithChangelogProducer(p), err
	case "commit.force-compact":
		b, err := parseBool(key, value)
		return WithCommitForceCompact(b), err
	case "read.cache-size":
		n, err := parseSize(key, value)
		return WithReadCache(n), err
	case "file.compression":
		c, err := format.ParseCompression(value)
		return WithCompression(c), err
	}
	if strings.HasPrefix(key, aggregatePrefix) && strings.HasSuffix(key, aggregateSuffix) {
		field := strings.TrimSuffix(strings.TrimPrefix(key, aggregatePrefix), aggregateSuffix)
		if field == "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOption, key)
		}
		return WithAggregator(field, value), nil
	}
	return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidOption, key)
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, value, err)
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, value, err)
	}
	return b, nil
}

func parseSize(key, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, value, err)
	}
	return int64(n), nil
}
