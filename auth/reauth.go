package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/querysync/endpoint"
	"github.com/jonwraymond/querysync/transport"
)

// State is the wrapper's credential state.
type State int32

const (
	// StateIdle means requests pass through with the current access token.
	StateIdle State = iota

	// StateRefreshing means a credential refresh is in flight; requests
	// failing with authorization-expired wait on it instead of starting
	// their own.
	StateRefreshing

	// StateFailed means refresh failed or no long-lived credential was
	// present; credentials are cleared and the session-expired signal has
	// fired. A host re-login (SetTokens) returns the wrapper to Idle.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RefreshFunc obtains fresh credentials from the long-lived one. It is
// transport-agnostic: hosts typically close over their token endpoint.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// Config configures the reauthentication wrapper.
type Config struct {
	// Next is the executor requests pass through to. Required.
	Next transport.Executor

	// Tokens is the host's credential store. Required.
	Tokens TokenStore

	// Refresh obtains new credentials. Required.
	Refresh RefreshFunc

	// OnSessionExpired fires once when the wrapper enters the failed
	// state, for the host to navigate to an unauthenticated view.
	OnSessionExpired func()

	// OnRefresh fires after every refresh attempt, successful or not.
	// Hosts typically wire it to a metrics counter.
	OnRefresh func()

	// PreemptiveRefresh refreshes before dispatch when the stored access
	// token's exp claim has already passed, instead of waiting for the
	// 401 round-trip. Default off; the reactive single-retry semantics
	// are unchanged either way.
	PreemptiveRefresh bool

	// ExpiryLeeway is how close to expiry a token counts as expired in
	// preemptive mode. Default: 10 seconds.
	ExpiryLeeway time.Duration

	// HeaderName is the header carrying the access token.
	// Default: "Authorization"
	HeaderName string

	// TokenPrefix is the prefix before the token in the header.
	// Default: "Bearer "
	TokenPrefix string
}

// Reauth is a transport.Executor decorator that transparently recovers
// from authorization expiry: one refresh call, one retry of the original
// request, never more.
type Reauth struct {
	config Config

	mu    sync.Mutex
	state State

	// sfGroup coalesces concurrent refreshes. Uncoordinated refresh calls
	// can invalidate each other's issued credentials, so this is a
	// correctness requirement, not an optimization.
	sfGroup singleflight.Group
}

// NewReauth creates the wrapper.
func NewReauth(config Config) (*Reauth, error) {
	if config.Next == nil {
		return nil, ErrNilExecutor
	}
	if config.Tokens == nil {
		return nil, ErrNilTokenStore
	}
	if config.Refresh == nil {
		return nil, ErrNilRefreshFunc
	}
	// Apply defaults
	if config.ExpiryLeeway == 0 {
		config.ExpiryLeeway = 10 * time.Second
	}
	if config.HeaderName == "" {
		config.HeaderName = "Authorization"
	}
	if config.TokenPrefix == "" {
		config.TokenPrefix = "Bearer "
	}

	return &Reauth{config: config}, nil
}

// State returns the wrapper's current credential state.
func (r *Reauth) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Execute attaches the access token and passes the request through. On an
// authorization-expired failure it joins the (possibly shared) refresh
// and retries the original request once. A second authorization-expired
// failure on the retry is surfaced as-is.
func (r *Reauth) Execute(ctx context.Context, req endpoint.Request) (*transport.Response, error) {
	r.recoverIfLoggedIn()

	if r.config.PreemptiveRefresh &&
		r.config.Tokens.RefreshToken() != "" &&
		TokenExpired(r.config.Tokens.AccessToken(), r.config.ExpiryLeeway) {
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := r.config.Next.Execute(ctx, r.withToken(req))
	if err == nil || !errors.Is(err, transport.ErrAuthExpired) {
		return resp, err
	}

	if rerr := r.refresh(ctx); rerr != nil {
		return nil, rerr
	}

	// At most one refresh attempt per originating request: whatever the
	// retry returns is final.
	return r.config.Next.Execute(ctx, r.withToken(req))
}

// withToken returns a copy of req with the access token header attached.
// The caller's header map is never mutated.
func (r *Reauth) withToken(req endpoint.Request) endpoint.Request {
	token := r.config.Tokens.AccessToken()
	if token == "" {
		return req
	}
	header := make(map[string]string, len(req.Header)+1)
	for k, v := range req.Header {
		header[k] = v
	}
	header[r.config.HeaderName] = r.config.TokenPrefix + token
	req.Header = header
	return req
}

// refresh performs (or joins) the single in-flight credential refresh.
func (r *Reauth) refresh(ctx context.Context) error {
	_, err, _ := r.sfGroup.Do("refresh", func() (any, error) {
		refreshToken := r.config.Tokens.RefreshToken()
		if refreshToken == "" {
			r.fail()
			return nil, ErrSessionExpired
		}

		r.setState(StateRefreshing)
		access, refresh, err := r.config.Refresh(ctx, refreshToken)
		if r.config.OnRefresh != nil {
			r.config.OnRefresh()
		}
		if err != nil {
			r.fail()
			return nil, fmt.Errorf("auth: credential refresh: %w", errors.Join(ErrSessionExpired, err))
		}

		r.config.Tokens.SetTokens(access, refresh)
		r.setState(StateIdle)
		return nil, nil
	})
	return err
}

// fail transitions to the failed state, clearing credentials and firing
// the session-expired signal exactly once per episode.
func (r *Reauth) fail() {
	r.mu.Lock()
	alreadyFailed := r.state == StateFailed
	r.state = StateFailed
	r.mu.Unlock()

	if alreadyFailed {
		return
	}
	r.config.Tokens.Clear()
	if r.config.OnSessionExpired != nil {
		r.config.OnSessionExpired()
	}
}

// recoverIfLoggedIn returns the wrapper to Idle after a host re-login
// restored credentials behind its back.
func (r *Reauth) recoverIfLoggedIn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFailed && r.config.Tokens.AccessToken() != "" {
		r.state = StateIdle
	}
}

func (r *Reauth) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Ensure Reauth implements transport.Executor
var _ transport.Executor = (*Reauth)(nil)
