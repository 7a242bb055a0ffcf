package engine

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrNilRegistry indicates a nil endpoint registry was provided.
	ErrNilRegistry = errors.New("engine: registry is nil")

	// ErrNilExecutor indicates a nil request executor was provided.
	ErrNilExecutor = errors.New("engine: executor is nil")

	// ErrEngineClosed indicates the engine rejected new work after Close.
	ErrEngineClosed = errors.New("engine: closed")

	// ErrNotQuery indicates a mutation endpoint was used where a query is
	// required.
	ErrNotQuery = errors.New("engine: endpoint is not a query")

	// ErrNotMutation indicates a query endpoint was used where a mutation
	// is required.
	ErrNotMutation = errors.New("engine: endpoint is not a mutation")
)
