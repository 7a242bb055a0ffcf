package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/querysync/cache"
	"github.com/jonwraymond/querysync/endpoint"
	"github.com/jonwraymond/querysync/observe"
	"github.com/jonwraymond/querysync/transport"
)

// Engine is the client-side query/mutation cache and synchronization
// engine. One instance is shared per application; consumers reach it by
// reference.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: Query, Prefetch, and Mutation.Trigger honor cancellation; a
//   cancelled fetch never poisons the cache entry.
// - Errors: only authorization expiry is retried (inside the injected
//   executor's reauth wrapper); every other failure is surfaced verbatim.
type Engine struct {
	registry *endpoint.Registry
	executor transport.Executor
	store    *cache.Store
	policy   Policy

	logger  observe.Logger
	tracer  observe.Tracer
	metrics observe.Metrics

	// fetchGroup collapses concurrent identical fetches into one executor
	// call; every waiter receives the identical snapshot.
	fetchGroup singleflight.Group
	inFlight   atomic.Int64

	mu      sync.Mutex
	subs    map[cache.Key]map[string]*Subscription
	sources map[cache.Key]fetchSource
	closed  bool
	done    chan struct{}

	wg sync.WaitGroup
}

// fetchSource remembers how to rebuild the request for a cached key, so
// invalidation-triggered refetches can run without the original caller.
type fetchSource struct {
	desc endpoint.Descriptor
	args any
}

// New creates an engine over the given registry and executor.
func New(registry *endpoint.Registry, executor transport.Executor, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if executor == nil {
		return nil, ErrNilExecutor
	}

	s := settings{policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.observer != nil {
		if s.logger == nil {
			s.logger = s.observer.Logger()
		}
		if s.tracer == nil {
			s.tracer = observe.NewTracer(s.observer.Tracer())
		}
		if s.metrics == nil {
			metrics, err := observe.NewMetrics(s.observer.Meter())
			if err != nil {
				return nil, fmt.Errorf("engine: build metrics: %w", err)
			}
			s.metrics = metrics
		}
	}
	if s.logger == nil {
		s.logger = observe.NewNoopLogger()
	}
	if s.tracer == nil {
		s.tracer = observe.NewNoopTracer()
	}
	if s.metrics == nil {
		s.metrics = observe.NewNoopMetrics()
	}

	e := &Engine{
		registry: registry,
		executor: executor,
		policy:   s.policy.withDefaults(),
		logger:   s.logger,
		tracer:   s.tracer,
		metrics:  s.metrics,
		subs:     make(map[cache.Key]map[string]*Subscription),
		sources:  make(map[cache.Key]fetchSource),
		done:     make(chan struct{}),
	}

	e.store = cache.NewStore(cache.Config{
		OnChange: e.fanOut,
		OnEvict:  e.entryEvicted,
	})
	return e, nil
}

// Store exposes the underlying cache store for host introspection.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Query serves a fresh cached result or fetches one, deduplicating
// concurrent identical calls. An entry fetched without a subscription is
// subject to keep-alive eviction immediately.
func (e *Engine) Query(ctx context.Context, name string, args any) (cache.Snapshot, error) {
	desc, key, err := e.queryKey(name, args)
	if err != nil {
		return cache.Snapshot{}, err
	}

	meta := observe.OpMeta{Endpoint: name, Kind: observe.KindQuery}
	if snap, ok := e.store.Get(key); ok && snap.Status == cache.StatusFulfilled && !snap.Stale {
		e.metrics.RecordCacheHit(ctx, meta)
		return snap, nil
	}
	e.metrics.RecordCacheMiss(ctx, meta)

	snap, err := e.fetch(ctx, desc, key, args)
	// Arm retention whether the fetch settled or failed: a rejected
	// entry with zero subscribers must age out the same way.
	e.store.ScheduleEviction(key, e.policy.KeepAlive(desc))
	if err != nil {
		return cache.Snapshot{}, err
	}
	return snap, nil
}

// Prefetch warms the cache for a query without a subscription. The entry
// is subject to keep-alive eviction immediately. Fresh cached data makes
// it a no-op.
func (e *Engine) Prefetch(ctx context.Context, name string, args any) error {
	desc, key, err := e.queryKey(name, args)
	if err != nil {
		return err
	}

	if snap, ok := e.store.Get(key); ok && snap.Status == cache.StatusFulfilled && !snap.Stale {
		return nil
	}
	if _, err := e.fetch(ctx, desc, key, args); err != nil {
		return err
	}
	e.store.ScheduleEviction(key, e.policy.KeepAlive(desc))
	return nil
}

// InvalidateTags force-invalidates every entry matching the tags, e.g.
// after an out-of-band change. Subscribed entries refetch in the
// background through the same path as mutation-driven invalidation.
func (e *Engine) InvalidateTags(tags ...endpoint.Tag) {
	e.invalidate(context.Background(), tags)
}

// Reset evicts every cache entry and cancels all retention timers.
// Intended for logout/teardown; active subscriptions should be closed
// first.
func (e *Engine) Reset() {
	e.store.Reset()
}

// Stats is a point-in-time view of engine state for host monitoring.
type Stats struct {
	// Entries is the number of cache entries.
	Entries int

	// InFlight is the number of fetches currently awaiting the executor.
	InFlight int

	// Subscriptions is the number of active subscriptions.
	Subscriptions int
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := 0
	for _, byKey := range e.subs {
		n += len(byKey)
	}
	e.mu.Unlock()

	return Stats{
		Entries:       e.store.Len(),
		InFlight:      int(e.inFlight.Load()),
		Subscriptions: n,
	}
}

// Close stops pollers, waits for in-flight background refetches, and
// clears the cache. The engine rejects new work afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	var open []*Subscription
	for _, byKey := range e.subs {
		for _, sub := range byKey {
			open = append(open, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range open {
		sub.Close()
	}
	e.wg.Wait()
	e.store.Reset()
	return nil
}

// --- internals ---------------------------------------------------------

// queryKey resolves a query endpoint, derives the cache key, and records
// the fetch source for later refetches.
func (e *Engine) queryKey(name string, args any) (endpoint.Descriptor, cache.Key, error) {
	desc, err := e.registry.Lookup(name)
	if err != nil {
		return endpoint.Descriptor{}, cache.Key{}, err
	}
	if desc.Kind != endpoint.KindQuery {
		return endpoint.Descriptor{}, cache.Key{}, fmt.Errorf("%w: %s", ErrNotQuery, name)
	}
	key, err := cache.NewKey(name, args)
	if err != nil {
		return endpoint.Descriptor{}, cache.Key{}, err
	}

	e.mu.Lock()
	e.sources[key] = fetchSource{desc: desc, args: args}
	e.mu.Unlock()
	return desc, key, nil
}

// fetch executes the query through the deduplication group. All waiters
// of a shared fetch receive the identical snapshot.
func (e *Engine) fetch(ctx context.Context, desc endpoint.Descriptor, key cache.Key, args any) (cache.Snapshot, error) {
	if e.isClosed() {
		return cache.Snapshot{}, ErrEngineClosed
	}

	v, err, _ := e.fetchGroup.Do(key.String(), func() (any, error) {
		e.inFlight.Add(1)
		defer e.inFlight.Add(-1)

		e.store.BeginFetch(key)

		meta := observe.OpMeta{Endpoint: desc.Name, Kind: observe.KindQuery}
		ctx, span := e.tracer.StartSpan(ctx, meta)
		start := time.Now()
		result, err := e.execute(ctx, desc, args)
		e.tracer.EndSpan(span, err)
		e.metrics.RecordFetch(ctx, meta, time.Since(start), err)

		if err != nil {
			if transport.IsCancelled(err) {
				// Aborted fetches revert to the prior state instead of
				// poisoning the entry.
				e.store.AbortFetch(key)
			} else {
				e.store.Fail(key, err)
			}
			e.logger.WithOp(meta).Error(ctx, "query fetch failed",
				observe.Field{Key: "key", Value: key.String()},
				observe.Field{Key: "error", Value: err.Error()},
			)
			return nil, err
		}

		e.store.Commit(key, result, e.providedTags(ctx, desc, result, args))
		e.logger.WithOp(meta).Debug(ctx, "query fetched",
			observe.Field{Key: "key", Value: key.String()},
		)
		snap, _ := e.store.Get(key)
		return snap, nil
	})
	if err != nil {
		return cache.Snapshot{}, err
	}
	return v.(cache.Snapshot), nil
}

// execute builds and dispatches one request, decoding the JSON response.
func (e *Engine) execute(ctx context.Context, desc endpoint.Descriptor, args any) (any, error) {
	req, err := desc.BuildRequest(args)
	if err != nil {
		return nil, fmt.Errorf("engine: build request for %s: %w", desc.Name, err)
	}
	resp, err := e.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	var result any
	if err := resp.DecodeJSON(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// providedTags filters a query's provided tags to declared tag types.
// A registry with no declared types accepts everything.
func (e *Engine) providedTags(ctx context.Context, desc endpoint.Descriptor, result, args any) []endpoint.Tag {
	if desc.ProvidesTags == nil {
		return nil
	}
	tags := desc.ProvidesTags(result, args)
	return e.knownTags(ctx, desc.Name, tags)
}

func (e *Engine) knownTags(ctx context.Context, name string, tags []endpoint.Tag) []endpoint.Tag {
	if e.registry.TagTypeCount() == 0 {
		return tags
	}
	out := make([]endpoint.Tag, 0, len(tags))
	for _, tag := range tags {
		if e.registry.KnownTagType(tag.Type) {
			out = append(out, tag)
			continue
		}
		e.logger.Warn(ctx, "dropping tag with undeclared type",
			observe.Field{Key: "endpoint", Value: name},
			observe.Field{Key: "tag", Value: tag.String()},
		)
	}
	return out
}

// invalidate marks matching entries stale and kicks background refetches
// for those with active subscribers. Refetch completion is not awaited:
// callers of the triggering mutation must not assume dependent queries
// have already refreshed.
func (e *Engine) invalidate(ctx context.Context, tags []endpoint.Tag) []cache.Key {
	if len(tags) == 0 {
		return nil
	}
	keys := e.store.Invalidate(tags)
	e.metrics.RecordInvalidations(ctx, int64(len(keys)))
	for _, key := range keys {
		if e.hasSubscribers(key) {
			e.refetchAsync(key)
		}
	}
	return keys
}

// refetchAsync refetches a key in the background. The fetch is not tied
// to any caller's context: once started it runs to completion and updates
// the cache even if every subscriber vanishes mid-flight.
func (e *Engine) refetchAsync(key cache.Key) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	src, ok := e.sources[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		_, _ = e.fetch(context.Background(), src.desc, key, src.args)
	}()
}

func (e *Engine) hasSubscribers(key cache.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[key]) > 0
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fanOut delivers an entry transition to its subscribers, synchronously
// with the triggering operation but outside all locks.
func (e *Engine) fanOut(key cache.Key, snap cache.Snapshot) {
	e.mu.Lock()
	byKey := e.subs[key]
	targets := make([]*Subscription, 0, len(byKey))
	for _, sub := range byKey {
		targets = append(targets, sub)
	}
	e.mu.Unlock()

	for _, sub := range targets {
		sub.notify(snap)
	}
}

// entryEvicted cleans up per-key bookkeeping after retention expiry.
func (e *Engine) entryEvicted(key cache.Key) {
	e.mu.Lock()
	delete(e.sources, key)
	e.mu.Unlock()
	e.metrics.RecordEviction(context.Background())
}
