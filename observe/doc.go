// Package observe provides observability primitives for the cache engine.
//
// It is a pure instrumentation library: no caching, no transport, no I/O
// beyond exporter setup. Consumers wire the observer into the engine or
// use the middleware to instrument fetch and mutation execution.
package observe
