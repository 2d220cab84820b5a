package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

const letters = "abcdefghijklmnopqrstuvwxyz0123456789"

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// String returns a random lowercase alphanumeric string of length n.
func (r *RNG) String(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stringLocked(n)
}

func (r *RNG) stringLocked(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.rand.Intn(len(letters))]
	}
	return string(b)
}

// Value returns a random value of type t, or nil with probability nullRate.
func (r *RNG) Value(t row.Type, nullRate float64) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valueLocked(t, nullRate)
}

func (r *RNG) valueLocked(t row.Type, nullRate float64) any {
	if nullRate > 0 && r.rand.Float64() < nullRate {
		return nil
	}
	switch t {
	case row.TypeBool:
		return r.rand.Intn(2) == 1
	case row.TypeInt8:
		return int8(r.rand.Intn(math.MaxUint8) + math.MinInt8)
	case row.TypeInt16:
		return int16(r.rand.Intn(math.MaxUint16) + math.MinInt16)
	case row.TypeInt32:
		return r.rand.Int31() - math.MaxInt32/2
	case row.TypeInt64:
		return r.rand.Int63() - math.MaxInt64/2
	case row.TypeFloat32:
		return r.rand.Float32()*2 - 1
	case row.TypeFloat64:
		return r.rand.NormFloat64()
	case row.TypeString:
		return r.stringLocked(1 + r.rand.Intn(16))
	case row.TypeBytes:
		b := make([]byte, r.rand.Intn(16))
		r.rand.Read(b)
		return b
	default:
		return nil
	}
}

// Row returns a random row of type rt with nulls at the given rate.
func (r *RNG) Row(rt row.RowType, nullRate float64) row.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]any, rt.Arity())
	for i, f := range rt.Fields {
		values[i] = r.valueLocked(f.Type, nullRate)
	}
	return row.Of(rt, values...)
}

// KeyValues returns n records with keys drawn from keys and values of the
// schema's value type. Every deleteRate-th record on average is a DELETE.
// Sequence numbers are ascending from 0.
func (r *RNG) KeyValues(schema kv.Schema, keys []row.Row, n int, deleteRate float64) []kv.KeyValue {
	out := make([]kv.KeyValue, n)
	for i := range out {
		kind := kv.Insert
		if r.Float64() < deleteRate {
			kind = kv.Delete
		}
		key := keys[r.Intn(len(keys))]
		out[i] = kv.New(key, uint64(i), kind, r.Row(schema.Value, 0.1))
	}
	return out
}

// Zipf returns a Zipfian-distributed value in [0, n).
// Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew parameter.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1 // 0-indexed
		}
	}

	return n - 1
}

// ZipfKeys returns n key choices in [0, keySpace) with Zipfian skew, so a
// few hot keys receive most updates.
func (r *RNG) ZipfKeys(n, keySpace int, s float64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, n)
	for i := range out {
		out[i] = r.zipfLocked(keySpace, s)
	}
	return out
}
