// Package transport defines the pluggable request executor contract and
// the error taxonomy the engine classifies responses with.
//
// Any compliant Executor is accepted: the package ships an HTTP
// implementation, and ExecutorFunc adapts plain functions for tests and
// custom transports.
package transport
