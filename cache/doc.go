// Package cache provides the normalized in-memory store for query and
// mutation results.
//
// It provides a Store keyed by (endpoint, canonical args), a reverse tag
// index for declarative invalidation, retention timers for eviction after
// the last subscriber leaves, and draft-based optimistic patches with
// automatic inverse capture for rollback.
package cache
