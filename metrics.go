package tablestore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tablestore/mergetree"
)

var _ mergetree.MetricsObserver = (*BasicMetricsObserver)(nil)

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	FlushCount        atomic.Int64
	FlushErrors       atomic.Int64
	FlushRows         atomic.Int64
	FlushTotalNanos   atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	CompactionInputs  atomic.Int64
	CompactionOutputs atomic.Int64
	CompactionNanos   atomic.Int64

	mu         sync.Mutex
	throughput map[string]int64
}

// OnFlush implements mergetree.MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(duration time.Duration, rows int, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushRows.Add(int64(rows))
}

// OnCompaction implements compact.Observer.
func (b *BasicMetricsObserver) OnCompaction(duration time.Duration, inputFiles, outputFiles int, err error) {
	b.CompactionCount.Add(1)
	b.CompactionNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactionInputs.Add(int64(inputFiles))
	b.CompactionOutputs.Add(int64(outputFiles))
}

// OnThroughput implements mergetree.MetricsObserver.
func (b *BasicMetricsObserver) OnThroughput(name string, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.throughput == nil {
		b.throughput = make(map[string]int64)
	}
	b.throughput[name] += bytes
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	b.mu.Lock()
	flushBytes := b.throughput["flush"]
	b.mu.Unlock()
	return BasicMetricsStats{
		FlushCount:         b.FlushCount.Load(),
		FlushErrors:        b.FlushErrors.Load(),
		FlushRows:          b.FlushRows.Load(),
		FlushAvgNanos:      avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
		FlushBytes:         flushBytes,
		CompactionCount:    b.CompactionCount.Load(),
		CompactionErrors:   b.CompactionErrors.Load(),
		CompactionInputs:   b.CompactionInputs.Load(),
		CompactionOutputs:  b.CompactionOutputs.Load(),
		CompactionAvgNanos: avg(b.CompactionNanos.Load(), b.CompactionCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	FlushCount         int64
	FlushErrors        int64
	FlushRows          int64
	FlushAvgNanos      int64
	FlushBytes         int64
	CompactionCount    int64
	CompactionErrors   int64
	CompactionInputs   int64
	CompactionOutputs  int64
	CompactionAvgNanos int64
}
