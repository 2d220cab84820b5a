// Package mergefunc resolves the versions of one key into at most one record.
//
// A merge function is fed every version of a key in ascending sequence order
// through Add and then asked for a Result. Versions with equal sequence
// numbers are fed in input order.
package mergefunc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

// ErrUnknownEngine is returned for an unrecognized merge engine name.
var ErrUnknownEngine = errors.New("mergefunc: unknown merge engine")

// MergeFunction merges the versions of a single key.
type MergeFunction interface {
	// Reset clears state before the next key.
	Reset()
	// Add feeds the next version.
	Add(kv kv.KeyValue)
	// Result returns the merged record or false when nothing survives.
	Result() (kv.KeyValue, bool)
}

// Factory creates fresh merge function instances.
type Factory func() MergeFunction

// Engine selects the merge function variant.
type Engine int

const (
	Deduplicate Engine = iota
	PartialUpdate
	Aggregate
)

func (e Engine) String() string {
	switch e {
	case Deduplicate:
		return "deduplicate"
	case PartialUpdate:
		return "partial-update"
	case Aggregate:
		return "aggregation"
	default:
		return fmt.Sprintf("Engine(%d)", int(e))
	}
}

// ParseEngine parses the option value of "merge-engine".
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deduplicate":
		return Deduplicate, nil
	case "partial-update":
		return PartialUpdate, nil
	case "aggregation", "aggregate":
		return Aggregate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEngine, s)
	}
}

// Config binds a merge engine to a value type.
type Config struct {
	Engine    Engine
	ValueType row.RowType
	// Aggregators maps value field names to aggregate function names.
	// Fields not listed use last_value. Only used by Aggregate.
	Aggregators map[string]string
}

// NewFactory validates cfg and returns a factory for its engine.
func NewFactory(cfg Config) (Factory, error) {
	switch cfg.Engine {
	case Deduplicate:
		return func() MergeFunction { return &deduplicate{} }, nil
	case PartialUpdate:
		rt := cfg.ValueType
		return func() MergeFunction { return newPartialUpdate(rt) }, nil
	case Aggregate:
		aggs, err := fieldAggregators(cfg.ValueType, cfg.Aggregators)
		if err != nil {
			return nil, err
		}
		rt := cfg.ValueType
		return func() MergeFunction { return newAggregate(rt, aggs) }, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownEngine, cfg.Engine)
	}
}

// deduplicate keeps the latest version. A trailing retraction yields nothing.
type deduplicate struct {
	latest kv.KeyValue
	seen   bool
}

func (d *deduplicate) Reset() {
	d.latest = kv.KeyValue{}
	d.seen = false
}

func (d *deduplicate) Add(rec kv.KeyValue) {
	d.latest = rec
	d.seen = true
}

func (d *deduplicate) Result() (kv.KeyValue, bool) {
	if !d.seen || d.latest.Kind.IsRetract() {
		return kv.KeyValue{}, false
	}
	return d.latest, true
}

// partialUpdate overwrites fields with later non-null values. DELETE resets
// the accumulated row; UPDATE_BEFORE is ignored.
type partialUpdate struct {
	rowType row.RowType
	types   []row.Type
	// sources[i] is the latest row holding a non-null value for field i.
	sources []row.Row
	latest  kv.KeyValue
	hasRow  bool
}

func newPartialUpdate(rt row.RowType) *partialUpdate {
	return &partialUpdate{
		rowType: rt,
		types:   rt.Types(),
		sources: make([]row.Row, rt.Arity()),
	}
}

func (p *partialUpdate) Reset() {
	clear(p.sources)
	p.latest = kv.KeyValue{}
	p.hasRow = false
}

func (p *partialUpdate) Add(rec kv.KeyValue) {
	p.latest = rec
	switch rec.Kind {
	case kv.Delete:
		clear(p.sources)
		p.hasRow = false
		return
	case kv.UpdateBefore:
		return
	}
	p.hasRow = true
	for i := range p.types {
		if !rec.Value.IsNullAt(i) {
			p.sources[i] = rec.Value
		}
	}
}

func (p *partialUpdate) Result() (kv.KeyValue, bool) {
	if !p.hasRow {
		return kv.KeyValue{}, false
	}
	w := row.NewWriter(len(p.types), 32)
	for i, t := range p.types {
		if p.sources[i].IsZero() {
			w.SetNullAt(i)
			continue
		}
		row.CopyField(w, i, p.sources[i], i, t)
	}
	out := p.latest
	out.Kind = kv.Insert
	out.Value = w.Complete()
	return out, true
}

// aggregate folds each field with its FieldAggregator. Retractions are
// skipped.
type aggregate struct {
	rowType row.RowType
	aggs    []FieldAggregator
	acc     []any
	latest  kv.KeyValue
	hasRow  bool
}

func newAggregate(rt row.RowType, aggs []FieldAggregator) *aggregate {
	return &aggregate{rowType: rt, aggs: aggs, acc: make([]any, rt.Arity())}
}

func (a *aggregate) Reset() {
	clear(a.acc)
	a.latest = kv.KeyValue{}
	a.hasRow = false
}

func (a *aggregate) Add(rec kv.KeyValue) {
	if rec.Kind.IsRetract() {
		return
	}
	a.latest = rec
	a.hasRow = true
	for i, f := range a.rowType.Fields {
		a.acc[i] = aggregateField(a.aggs[i], a.acc[i], rec.Value.Get(i, f.Type))
	}
}

func (a *aggregate) Result() (kv.KeyValue, bool) {
	if !a.hasRow {
		return kv.KeyValue{}, false
	}
	out := a.latest
	out.Kind = kv.Insert
	out.Value = row.Of(a.rowType, a.acc...)
	return out, true
}

// RetainDelete wraps mf so that a key whose merge yields nothing because its
// latest version is a retraction emits that retraction instead. Writers use
// it whenever older data may still exist below the output level.
func RetainDelete(mf MergeFunction) MergeFunction {
	return &retainDelete{inner: mf}
}

type retainDelete struct {
	inner MergeFunction
	last  kv.KeyValue
}

func (r *retainDelete) Reset() {
	r.inner.Reset()
	r.last = kv.KeyValue{}
}

func (r *retainDelete) Add(rec kv.KeyValue) {
	r.inner.Add(rec)
	r.last = rec
}

func (r *retainDelete) Result() (kv.KeyValue, bool) {
	if res, ok := r.inner.Result(); ok {
		return res, true
	}
	if !r.last.Key.IsZero() && r.last.Kind.IsRetract() {
		return r.last, true
	}
	return kv.KeyValue{}, false
}
