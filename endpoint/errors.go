package endpoint

import "errors"

// Sentinel errors for endpoint registration and lookup.
var (
	ErrMissingName       = errors.New("endpoint: name is required")
	ErrNilBuildRequest   = errors.New("endpoint: BuildRequest is required")
	ErrDuplicateEndpoint = errors.New("endpoint: name already registered")
	ErrUnknownEndpoint   = errors.New("endpoint: unknown endpoint")
	ErrKindMismatch      = errors.New("endpoint: descriptor kind does not match registration")
	ErrQueryInvalidates  = errors.New("endpoint: queries must not set InvalidatesTags or Patch")
	ErrMutationProvides  = errors.New("endpoint: mutations must not set ProvidesTags")
)
