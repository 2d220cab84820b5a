// Package sortbuf implements a paged, spillable sort buffer for KeyValue
// records.
//
// Records are serialized into pages taken from a memory.Pool:
//
//	| keyLen u32 | valueLen u32 | sequence u64 | kind u8 | key bytes | value bytes |
//
// A record never spans two pages. The offsets of all records form an index
// that is itself stored in pool pages, so index memory is charged against the
// same budget. When the pool is exhausted a spillable buffer stable-sorts its
// records by (key, sequence) and writes them as an lz4-compressed run to a
// private temporary directory. Iteration merges the spilled runs and the
// in-memory run with a k-way merge whose fan-in is bounded by MaxFan.
package sortbuf
