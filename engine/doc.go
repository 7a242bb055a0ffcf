// Package engine ties the endpoint registry, cache store, and request
// executor into the query/mutation synchronization engine.
//
// An Engine is an explicit instance constructed once per process with an
// injected executor; there is no module-level singleton. Queries are
// cached, deduplicated, and refetched when a mutation invalidates their
// tags; mutations may patch cached data optimistically before their
// request is dispatched and roll the patch back on failure.
package engine
