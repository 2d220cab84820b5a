// Package fs provides filesystem abstractions for testability and fault injection.
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper injecting open, write, sync and close errors
//
// Write buffer spill files and the local blob store go through a
// [FileSystem], so tests can fail them deterministically:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("spill-", fs.Fault{FailAfterBytes: 1024})
//
// Operations take no context.Context: local file operations are not
// interruptible at the syscall level. Remote storage goes through
// blobstore, which is context-aware.
package fs
