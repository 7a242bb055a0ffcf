// Package auth provides the reauthentication wrapper around a request
// executor.
//
// On an authorization-expired response it performs a single
// credential-refresh call, updates the host's token store, and retries
// the original request exactly once. Concurrent failures coalesce onto
// one in-flight refresh. Where tokens are persisted is the host's
// decision, behind the TokenStore contract.
package auth
