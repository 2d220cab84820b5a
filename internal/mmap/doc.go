// Package mmap maps immutable files read-only into memory.
//
// LocalStore serves data file reads from a Mapping, so block reads copy
// straight out of the page cache without a read syscall per block.
//
//	m, err := mmap.Open("bucket-0/data-1.blk")
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.AdviseSequential()
//
// On Unix the mapping uses mmap(2) and madvise(2). On Windows it uses
// CreateFileMapping/MapViewOfFile and AdviseSequential is a no-op.
//
// A Mapping is safe for concurrent reads. Close is idempotent; callers must
// not use slices returned by Bytes after Close.
package mmap
