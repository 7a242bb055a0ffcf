package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/querysync/cache"
	"github.com/jonwraymond/querysync/endpoint"
)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	skip         bool
	pollInterval time.Duration
}

// WithSkip suppresses the fetch-on-subscribe: the subscription observes
// cache transitions but never triggers a fetch itself.
func WithSkip() SubscribeOption {
	return func(o *subscribeOptions) {
		o.skip = true
	}
}

// WithPollInterval forces a refetch every interval while subscribed.
func WithPollInterval(interval time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		o.pollInterval = interval
	}
}

// Subscription is one consumer's attachment to a cached query. Its
// onChange callback fires synchronously with every entry transition, but
// never re-entrantly during Subscribe itself.
type Subscription struct {
	id        string
	key       cache.Key
	desc      endpoint.Descriptor
	args      any
	engine    *Engine
	onChange  func(cache.Snapshot)
	keepAlive time.Duration

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// Subscribe attaches a consumer to a query. The first subscriber for an
// entry with no data, or stale data, triggers a background fetch; later
// subscribers attach to the in-flight result.
func (e *Engine) Subscribe(name string, args any, onChange func(cache.Snapshot), opts ...SubscribeOption) (*Subscription, error) {
	desc, key, err := e.queryKey(name, args)
	if err != nil {
		return nil, err
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		key:       key,
		desc:      desc,
		args:      args,
		engine:    e,
		onChange:  onChange,
		keepAlive: e.policy.KeepAlive(desc),
		stop:      make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	byKey, ok := e.subs[key]
	if !ok {
		byKey = make(map[string]*Subscription)
		e.subs[key] = byKey
	}
	byKey[sub.id] = sub
	// The poll loop's WaitGroup slot is claimed under the same lock as
	// the closed check, so Close cannot Wait between them.
	if o.pollInterval > 0 {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	// Re-subscription before retention expiry cancels the eviction timer
	// and serves the cached data without a new fetch.
	e.store.Retain(key)

	snap := e.store.GetOrCreate(key)
	needsFetch := !o.skip &&
		snap.Status != cache.StatusPending &&
		(!snap.HasData() || snap.Stale)
	if needsFetch {
		e.refetchAsync(key)
	}

	if o.pollInterval > 0 {
		go sub.pollLoop(o.pollInterval)
	}

	return sub, nil
}

// Snapshot returns the entry's current state.
func (s *Subscription) Snapshot() cache.Snapshot {
	return s.engine.store.GetOrCreate(s.key)
}

// Refetch forces a fetch regardless of freshness, deduplicated with any
// concurrent fetch for the same key.
func (s *Subscription) Refetch(ctx context.Context) error {
	_, err := s.engine.fetch(ctx, s.desc, s.key, s.args)
	return err
}

// Close detaches the consumer. The last subscriber leaving arms the
// endpoint's keep-alive retention timer. Close is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	e := s.engine
	e.mu.Lock()
	if byKey, ok := e.subs[s.key]; ok {
		delete(byKey, s.id)
		if len(byKey) == 0 {
			delete(e.subs, s.key)
		}
	}
	e.mu.Unlock()

	e.store.Release(s.key, s.keepAlive)
}

// notify delivers a snapshot to the consumer unless the subscription has
// closed.
func (s *Subscription) notify(snap cache.Snapshot) {
	s.mu.Lock()
	if s.closed || s.onChange == nil {
		s.mu.Unlock()
		return
	}
	fn := s.onChange
	s.mu.Unlock()

	fn(snap)
}

// pollLoop forces periodic refetches while the subscription is open.
func (s *Subscription) pollLoop(interval time.Duration) {
	e := s.engine
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-e.done:
			return
		case <-ticker.C:
			_, _ = e.fetch(context.Background(), s.desc, s.key, s.args)
		}
	}
}
