// Package compact reorganizes the data files of a merge tree into levels.
//
// Level 0 holds one sorted run per flushed file; every higher level holds a
// single sorted run. A Strategy picks a Unit of sorted runs to merge into an
// output level; the Manager runs the resulting Task on a background goroutine
// and hands the Result back to the writer, which owns all bookkeeping of
// which files become obsolete.
package compact
