// Package testutil provides testing utilities for tablestore.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe RNG and generators for rows and
// key-value records.
//
// # Random Rows
//
//	rng := testutil.NewRNG(seed)
//	r := rng.Row(rowType, 0.1)       // 10% nulls
//	keys := rng.ZipfKeys(1000, 100, 1.2) // skewed key choices
package testutil
