package format

import (
	"github.com/hupe1980/tablestore/row"
)

// Stats holds per-field minimum, maximum and null count. Min and Max are
// rows of the file's row type; a field is null in both when all its values
// are null.
type Stats struct {
	Min        row.Row
	Max        row.Row
	NullCounts []int64
}

// MinValue returns the decoded minimum of field pos or nil.
func (s Stats) MinValue(pos int, t row.Type) any {
	if s.Min.IsZero() {
		return nil
	}
	return s.Min.Get(pos, t)
}

// MaxValue returns the decoded maximum of field pos or nil.
func (s Stats) MaxValue(pos int, t row.Type) any {
	if s.Max.IsZero() {
		return nil
	}
	return s.Max.Get(pos, t)
}

// StatsCollector accumulates Stats over written rows.
type StatsCollector struct {
	rt    row.RowType
	mins  []any
	maxs  []any
	nulls []int64
	rows  int64
}

// NewStatsCollector creates a collector for rows of rt.
func NewStatsCollector(rt row.RowType) *StatsCollector {
	n := rt.Arity()
	return &StatsCollector{rt: rt, mins: make([]any, n), maxs: make([]any, n), nulls: make([]int64, n)}
}

// Collect folds r into the statistics.
func (c *StatsCollector) Collect(r row.Row) {
	c.rows++
	for i, f := range c.rt.Fields {
		v := r.Get(i, f.Type)
		if v == nil {
			c.nulls[i]++
			continue
		}
		if c.mins[i] == nil || row.CompareValues(v, c.mins[i]) < 0 {
			c.mins[i] = v
		}
		if c.maxs[i] == nil || row.CompareValues(v, c.maxs[i]) > 0 {
			c.maxs[i] = v
		}
	}
}

// RowCount returns the number of collected rows.
func (c *StatsCollector) RowCount() int64 { return c.rows }

// Result returns the statistics collected so far.
func (c *StatsCollector) Result() Stats {
	return Stats{
		Min:        row.Of(c.rt, c.mins...),
		Max:        row.Of(c.rt, c.maxs...),
		NullCounts: append([]int64(nil), c.nulls...),
	}
}
