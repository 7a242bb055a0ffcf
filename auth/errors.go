package auth

import "errors"

// Sentinel errors for the reauthentication wrapper.
var (
	// Construction errors
	ErrNilExecutor    = errors.New("auth: executor is nil")
	ErrNilTokenStore  = errors.New("auth: token store is nil")
	ErrNilRefreshFunc = errors.New("auth: refresh func is nil")

	// ErrSessionExpired indicates credentials could not be refreshed: the
	// refresh call failed or no long-lived credential was present. The
	// session-expired signal fires when this is first surfaced.
	ErrSessionExpired = errors.New("auth: session expired")
)
