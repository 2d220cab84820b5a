// Package memory provides the fixed-size page pools backing write buffers.
//
// A HeapPool hands out pages from a bounded budget. A PoolFactory shares one
// HeapPool between several owners and, when the budget is exhausted,
// preempts the owner occupying the most memory by asking it to flush.
package memory
