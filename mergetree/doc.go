// Package mergetree implements the writer of one bucket of a merge tree.
//
// A Writer buffers incoming records in a sort buffer backed by pooled
// memory. When the buffer is full the records are merged per key and
// flushed into level 0 files, and a background compaction may be scheduled.
// PrepareCommit returns a CommitIncrement describing the files created and
// made obsolete since the previous call; an external coordinator turns it
// into a snapshot.
package mergetree
