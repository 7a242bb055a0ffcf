package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/querysync/cache"
	"github.com/jonwraymond/querysync/endpoint"
	"github.com/jonwraymond/querysync/observe"
)

// Mutation is a handle for executing one mutation endpoint. Each Trigger
// gets its own execution id; the handle exposes the latest execution's
// state. The result entry is retained per the mutation keep-alive default
// after the handle closes, so late readers still see it.
type Mutation struct {
	engine *Engine
	desc   endpoint.Descriptor

	mu       sync.Mutex
	key      cache.Key
	retained bool
	closed   bool
}

// Mutation returns a handle for the named mutation endpoint.
func (e *Engine) Mutation(name string) (*Mutation, error) {
	desc, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if desc.Kind != endpoint.KindMutation {
		return nil, fmt.Errorf("%w: %s", ErrNotMutation, name)
	}
	return &Mutation{engine: e, desc: desc}, nil
}

// Trigger executes the mutation. The optimistic patch, if declared, is
// visible to all subscribers of the affected entries before the request
// is dispatched; on failure its inverses run last-applied-first and the
// original error is returned. On success the patch is discarded, the
// server response becomes the entry's data, and the mutation's
// invalidated tags mark matching entries stale with background refetches
// kicked for subscribed ones. Trigger does not await those refetches.
func (m *Mutation) Trigger(ctx context.Context, args any) (any, error) {
	e := m.engine
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	id := uuid.NewString()
	key, err := cache.NewKey(m.desc.Name, id)
	if err != nil {
		return nil, err
	}
	m.swapKey(key)
	e.store.Retain(key)

	// The patch precedes the pending transition so no subscriber ever
	// observes "request in flight" with unpatched data.
	var record *cache.PatchRecord
	if m.desc.Patch != nil {
		record, err = e.store.ApplyPatch(id, func(drafts *cache.DraftSet) error {
			return m.desc.Patch(args, drafts)
		})
		if err != nil {
			err = fmt.Errorf("engine: optimistic patch for %s: %w", m.desc.Name, err)
			e.store.Fail(key, err)
			return nil, err
		}
	}

	e.store.BeginFetch(key)

	meta := observe.OpMeta{Endpoint: m.desc.Name, Kind: observe.KindMutation}
	ctx, span := e.tracer.StartSpan(ctx, meta)
	start := time.Now()
	result, err := e.execute(ctx, m.desc, args)
	e.tracer.EndSpan(span, err)
	e.metrics.RecordMutation(ctx, meta, time.Since(start), err)

	if err != nil {
		if record != nil {
			_ = e.store.Rollback(record)
		}
		e.store.Fail(key, err)
		e.logger.WithOp(meta).Error(ctx, "mutation failed",
			observe.Field{Key: "mutation_id", Value: id},
			observe.Field{Key: "error", Value: err.Error()},
		)
		return nil, err
	}

	if record != nil {
		_ = e.store.Discard(record)
	}
	e.store.Commit(key, result, nil)
	e.logger.WithOp(meta).Debug(ctx, "mutation committed",
		observe.Field{Key: "mutation_id", Value: id},
	)

	if m.desc.InvalidatesTags != nil {
		tags := e.knownTags(ctx, m.desc.Name, m.desc.InvalidatesTags(args, result))
		e.invalidate(ctx, tags)
	}

	return result, nil
}

// Snapshot returns the latest execution's entry state, reporting false
// before the first Trigger.
func (m *Mutation) Snapshot() (cache.Snapshot, bool) {
	m.mu.Lock()
	key := m.key
	m.mu.Unlock()

	if key.IsZero() {
		return cache.Snapshot{}, false
	}
	return m.engine.store.Get(key)
}

// Status returns the latest execution's status.
func (m *Mutation) Status() cache.Status {
	snap, ok := m.Snapshot()
	if !ok {
		return cache.StatusUninitialized
	}
	return snap.Status
}

// Close releases the handle's hold on its latest result, starting the
// mutation keep-alive retention. Idempotent.
func (m *Mutation) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	key := m.key
	retained := m.retained
	m.retained = false
	m.mu.Unlock()

	if retained {
		m.engine.store.Release(key, m.engine.policy.KeepAlive(m.desc))
	}
}

// swapKey points the handle at a new execution, releasing the previous
// result into its retention window.
func (m *Mutation) swapKey(key cache.Key) {
	m.mu.Lock()
	prev := m.key
	prevRetained := m.retained
	m.key = key
	m.retained = true
	m.closed = false
	m.mu.Unlock()

	if prevRetained {
		m.engine.store.Release(prev, m.engine.policy.KeepAlive(m.desc))
	}
}
