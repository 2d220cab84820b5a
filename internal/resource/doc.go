// Package resource implements shared limits for the writers of one table.
//
//   - Memory: reservations backing write buffer pages (non-blocking, fail-fast)
//   - Background: slots for concurrent compactions
//   - IO: token bucket throttling compaction output
//
// Memory reservations return ErrMemoryLimitExceeded immediately instead of
// blocking, so the write buffer can react by spilling or flushing:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 256 << 20})
//	if err := rc.AcquireMemory(pageSize); err != nil {
//	    // spill or flush
//	}
//	defer rc.ReleaseMemory(pageSize)
//
// Compaction output is wrapped with a RateLimitedWriter:
//
//	w := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// All Controller methods are safe for concurrent use and a nil *Controller
// turns every call into a no-op.
package resource
