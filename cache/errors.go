package cache

import "errors"

// Sentinel errors for store and draft operations.
var (
	// ErrInvalidKey indicates an empty endpoint name or malformed key.
	ErrInvalidKey = errors.New("cache: key is invalid")

	// ErrEntryNotFound indicates the key has no entry in the store.
	ErrEntryNotFound = errors.New("cache: entry not found")

	// ErrNoDraftData indicates a draft was requested for an entry with no
	// settled data to patch.
	ErrNoDraftData = errors.New("cache: entry has no data to draft")

	// ErrPatchConsumed indicates a patch record was already rolled back or
	// discarded. Records are consumed exactly once.
	ErrPatchConsumed = errors.New("cache: patch record already consumed")

	// ErrBadPath indicates a draft path does not resolve to an editable
	// location in the entry data.
	ErrBadPath = errors.New("cache: path does not resolve")
)
