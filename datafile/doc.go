// Package datafile writes and reads the immutable KeyValue files of a merge
// tree.
//
// A flush or compaction streams sorted records into a RollingFileWriter,
// which closes the current file once it reaches the target size and opens a
// new one. Every finished file is described by a DataFileMeta. Files are
// never edited in place; obsolete files are deleted by name through the
// WriterFactory.
package datafile
