// Package blobstore provides the storage abstraction for data files,
// changelog files and snapshots.
//
// Every produced file has a unique name and is written once. Deletion is by
// name through the same store. Implementations must be safe for concurrent
// use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem, mmap reads, temp-file-and-rename writes
//   - CachingStore: block cache in front of another store
//   - s3.Store: Amazon S3 with range reads and streaming multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
//
// # Conditional writes
//
// Stores implementing ConditionalPutter can create a blob only if it does
// not exist. The snapshot committer uses it to detect concurrent commits.
package blobstore
