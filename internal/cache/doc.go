// Package cache defines the disk-backed store responsible for translating
// cache keys into <CachePath>/objects/ab/cd/<key>.body files with a JSON
// metadata sidecar. The store exposes read/write primitives with safe
// semantics (temp file + rename), a size-bounded LRU eviction policy and a
// startup reconciliation pass that restores the in-memory index from disk,
// dropping orphaned metadata and reclaiming orphaned bodies. Proxy handlers
// depend on this package to stream cached responses or trigger upstream
// fetches without duplicating filesystem logic.
package cache
