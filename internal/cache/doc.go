// Package cache provides LRU caching for immutable blob blocks.
//
// ShardedLRUBlockCache spreads entries over 64 independently locked shards.
// Every shard can charge its bytes against a shared resource.Controller so
// that a process-wide memory limit applies across caches.
package cache
