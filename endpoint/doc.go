// Package endpoint provides the declarative registry of query and
// mutation descriptors.
//
// A descriptor says how to build a request from arguments, which cache
// tags the endpoint provides or invalidates, and how long its results are
// retained after the last subscriber leaves. Descriptors are immutable
// after registration; the registry is the closed catalog the engine
// resolves endpoint names against.
package endpoint
