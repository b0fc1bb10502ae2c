// Package cache owns the persistent url -> file index and the cache directory
// that backs it. The index is the sole writer of entry lifecycle transitions:
// rows are allocated on a miss (with a reserved, still-empty file path), their
// recency is bumped on every lookup, their length/validator are persisted after
// a download, and they are reset on invalidation or removed by eviction.
//
// Two storage engines implement the same Index contract: SQLite (default) and
// BoltDB. Both keep the on-disk file layout identical, so switching backends
// only loses the advisory metadata, never corrupts downloaded content.
package cache
