package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/querysync/cache"
	"github.com/jonwraymond/querysync/endpoint"
	"github.com/jonwraymond/querysync/transport"
)

// testBackend is an in-memory document service. Every endpoint routes
// through it so tests can count executor calls and stage failures.
type testBackend struct {
	mu    sync.Mutex
	docs  map[string]map[string]any
	calls map[string]int
	fail  map[string]error
	gate  chan struct{} // if set, requests block until it closes
}

func newTestBackend() *testBackend {
	return &testBackend{
		docs: map[string]map[string]any{
			"1": {"id": "1", "status": "pending", "title": "quarterly report"},
			"2": {"id": "2", "status": "approved", "title": "travel policy"},
		},
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (b *testBackend) Execute(ctx context.Context, req endpoint.Request) (*transport.Response, error) {
	b.mu.Lock()
	b.calls[req.Path]++
	gate := b.gate
	failErr := b.fail[req.Path]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case req.Method == http.MethodGet && req.Path == "/documents":
		items := make([]any, 0, len(b.docs))
		for _, id := range []string{"1", "2"} {
			if doc, ok := b.docs[id]; ok {
				items = append(items, copyDoc(doc))
			}
		}
		return jsonResponse(map[string]any{"items": items})
	case req.Method == http.MethodGet:
		id := req.Path[len("/documents/"):]
		doc, ok := b.docs[id]
		if !ok {
			return nil, &transport.APIError{Status: http.StatusNotFound}
		}
		return jsonResponse(copyDoc(doc))
	case req.Method == http.MethodPatch:
		id := req.Path[len("/documents/"):]
		doc, ok := b.docs[id]
		if !ok {
			return nil, &transport.APIError{Status: http.StatusNotFound}
		}
		body := req.Body.(map[string]any)
		for k, v := range body {
			doc[k] = v
		}
		return jsonResponse(copyDoc(doc))
	default:
		return nil, &transport.APIError{Status: http.StatusMethodNotAllowed}
	}
}

func (b *testBackend) callCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *testBackend) failWith(path string, err error) {
	b.mu.Lock()
	b.fail[path] = err
	b.mu.Unlock()
}

func (b *testBackend) setGate(gate chan struct{}) {
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func jsonResponse(v any) (*transport.Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &transport.Response{Status: http.StatusOK, Body: raw}, nil
}

// newTestRegistry declares the document endpoints used across the engine
// tests.
func newTestRegistry(t testing.TB) *endpoint.Registry {
	t.Helper()
	r := endpoint.NewRegistry()
	r.DeclareTagTypes("Document")

	err := r.DefineQuery(endpoint.Descriptor{
		Name: "getDocument",
		BuildRequest: func(args any) (endpoint.Request, error) {
			id := args.(map[string]any)["id"].(string)
			return endpoint.Request{Method: http.MethodGet, Path: "/documents/" + id}, nil
		},
		TagTypes: []endpoint.TagType{"Document"},
		ProvidesTags: func(result, args any) []endpoint.Tag {
			id := args.(map[string]any)["id"].(string)
			return []endpoint.Tag{{Type: "Document", ID: id}}
		},
	})
	if err != nil {
		t.Fatalf("define getDocument: %v", err)
	}

	err = r.DefineQuery(endpoint.Descriptor{
		Name: "getDocuments",
		BuildRequest: func(args any) (endpoint.Request, error) {
			return endpoint.Request{Method: http.MethodGet, Path: "/documents"}, nil
		},
		TagTypes: []endpoint.TagType{"Document"},
		ProvidesTags: func(result, args any) []endpoint.Tag {
			tags := []endpoint.Tag{{Type: "Document", ID: endpoint.WildcardID}}
			if m, ok := result.(map[string]any); ok {
				if items, ok := m["items"].([]any); ok {
					for _, item := range items {
						if doc, ok := item.(map[string]any); ok {
							tags = append(tags, endpoint.Tag{Type: "Document", ID: doc["id"].(string)})
						}
					}
				}
			}
			return tags
		},
	})
	if err != nil {
		t.Fatalf("define getDocuments: %v", err)
	}

	err = r.DefineMutation(endpoint.Descriptor{
		Name: "updateDocument",
		BuildRequest: func(args any) (endpoint.Request, error) {
			m := args.(map[string]any)
			id := m["id"].(string)
			body := make(map[string]any, len(m))
			for k, v := range m {
				if k != "id" {
					body[k] = v
				}
			}
			return endpoint.Request{Method: http.MethodPatch, Path: "/documents/" + id, Body: body}, nil
		},
		InvalidatesTags: func(args, result any) []endpoint.Tag {
			id := args.(map[string]any)["id"].(string)
			return []endpoint.Tag{{Type: "Document", ID: id}}
		},
	})
	if err != nil {
		t.Fatalf("define updateDocument: %v", err)
	}
	return r
}

func newTestEngine(t *testing.T, backend *testBackend, opts ...Option) *Engine {
	t.Helper()
	e, err := New(newTestRegistry(t), backend, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func docArgs(id string) map[string]any {
	return map[string]any{"id": id}
}

// TestNew_Validation covers the constructor's required arguments.
func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, newTestBackend()); !errors.Is(err, ErrNilRegistry) {
		t.Errorf("expected ErrNilRegistry, got %v", err)
	}
	if _, err := New(endpoint.NewRegistry(), nil); !errors.Is(err, ErrNilExecutor) {
		t.Errorf("expected ErrNilExecutor, got %v", err)
	}
}

// TestEngine_QueryCachesResult verifies the second identical query is a
// cache hit with no executor call.
func TestEngine_QueryCachesResult(t *testing.T) {
	backend := newTestBackend()
	e := newTestEngine(t, backend)

	snap, err := e.Query(context.Background(), "getDocument", docArgs("1"))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if snap.Status != cache.StatusFulfilled {
		t.Errorf("expected fulfilled, got %v", snap.Status)
	}
	doc := snap.Data.(map[string]any)
	if doc["title"] != "quarterly report" {
		t.Errorf("unexpected data: %v", snap.Data)
	}

	again, err := e.Query(context.Background(), "getDocument", docArgs("1"))
	if err != nil {
		t.Fatalf("second Query failed: %v", err)
	}
	if again.Data.(map[string]any)["title"] != "quarterly report" {
		t.Errorf("unexpected cached data: %v", again.Data)
	}
	if got := backend.callCount("/documents/1"); got != 1 {
		t.Errorf("expected 1 executor call, got %d", got)
	}
}

// TestEngine_DistinctArgsDistinctEntries verifies different argument
// values get independent cache entries.
func TestEngine_DistinctArgsDistinctEntries(t *testing.T) {
	backend := newTestBackend()
	e := newTestEngine(t, backend)

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if _, err := e.Query(context.Background(), "getDocument", docArgs("2")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if got := e.Stats().Entries; got != 2 {
		t.Errorf("expected 2 entries, got %d", got)
	}
	if backend.callCount("/documents/1") != 1 || backend.callCount("/documents/2") != 1 {
		t.Error("each argument value should fetch once")
	}
}

// TestEngine_QueryDeduplicatesConcurrent verifies concurrent identical
// queries share one executor call and receive the same result.
func TestEngine_QueryDeduplicatesConcurrent(t *testing.T) {
	backend := newTestBackend()
	gate := make(chan struct{})
	backend.setGate(gate)
	e := newTestEngine(t, backend)

	const n = 4
	var wg sync.WaitGroup
	snaps := make([]cache.Snapshot, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = e.Query(context.Background(), "getDocument", docArgs("1"))
		}(i)
	}

	waitFor(t, func() bool { return backend.callCount("/documents/1") >= 1 }, "fetch to start")
	time.Sleep(10 * time.Millisecond) // let the rest pile onto the in-flight fetch
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("query %d failed: %v", i, errs[i])
		}
		if snaps[i].Data.(map[string]any)["id"] != "1" {
			t.Errorf("query %d got unexpected data: %v", i, snaps[i].Data)
		}
	}
	if got := backend.callCount("/documents/1"); got != 1 {
		t.Errorf("expected 1 deduplicated executor call, got %d", got)
	}
}

// TestEngine_QueryErrorSurfaced verifies fetch failures reject the entry
// and surface the executor's error untouched.
func TestEngine_QueryErrorSurfaced(t *testing.T) {
	backend := newTestBackend()
	backend.failWith("/documents/1", &transport.APIError{Status: http.StatusInternalServerError})
	e := newTestEngine(t, backend)

	_, err := e.Query(context.Background(), "getDocument", docArgs("1"))
	if !transport.IsServerError(err) {
		t.Fatalf("expected server error surfaced, got %v", err)
	}

	snap, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("1")))
	if !ok || snap.Status != cache.StatusRejected {
		t.Errorf("expected rejected entry, got %v ok=%v", snap.Status, ok)
	}
}

// TestEngine_QueryCancellationDoesNotPoison verifies a caller-cancelled
// fetch reverts the entry and a later query succeeds.
func TestEngine_QueryCancellationDoesNotPoison(t *testing.T) {
	backend := newTestBackend()
	gate := make(chan struct{})
	backend.setGate(gate)
	e := newTestEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Query(ctx, "getDocument", docArgs("1"))
		done <- err
	}()

	waitFor(t, func() bool { return backend.callCount("/documents/1") >= 1 }, "fetch to start")
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	key := mustEngineKey(t, "getDocument", docArgs("1"))
	snap, _ := e.Store().Get(key)
	if snap.Status == cache.StatusRejected {
		t.Error("cancellation must not reject the entry")
	}

	backend.setGate(nil)
	close(gate)
	snap, err := e.Query(context.Background(), "getDocument", docArgs("1"))
	if err != nil {
		t.Fatalf("query after cancellation failed: %v", err)
	}
	if snap.Status != cache.StatusFulfilled {
		t.Errorf("expected fulfilled, got %v", snap.Status)
	}
}

// TestEngine_QueryKindChecked verifies mutations cannot be queried.
func TestEngine_QueryKindChecked(t *testing.T) {
	e := newTestEngine(t, newTestBackend())

	_, err := e.Query(context.Background(), "updateDocument", docArgs("1"))
	if !errors.Is(err, ErrNotQuery) {
		t.Errorf("expected ErrNotQuery, got %v", err)
	}
	_, err = e.Query(context.Background(), "nope", nil)
	if !errors.Is(err, endpoint.ErrUnknownEndpoint) {
		t.Errorf("expected ErrUnknownEndpoint, got %v", err)
	}
}

// TestEngine_Prefetch verifies prefetch warms the cache and the warmed
// entry expires on its own.
func TestEngine_Prefetch(t *testing.T) {
	backend := newTestBackend()
	e, err := New(newTestRegistry(t), backend, WithPolicy(Policy{QueryKeepAlive: 40 * time.Millisecond}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = e.Close() }()

	if err := e.Prefetch(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Prefetch failed: %v", err)
	}

	snap, qerr := e.Query(context.Background(), "getDocument", docArgs("1"))
	if qerr != nil {
		t.Fatalf("Query failed: %v", qerr)
	}
	if snap.Data.(map[string]any)["id"] != "1" {
		t.Errorf("unexpected data: %v", snap.Data)
	}
	if got := backend.callCount("/documents/1"); got != 1 {
		t.Errorf("query after prefetch should hit the cache, got %d calls", got)
	}

	// Warmed entry has no subscribers: keep-alive expiry evicts it.
	waitFor(t, func() bool {
		_, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("1")))
		return !ok
	}, "prefetched entry to expire")
}

// TestEngine_QueryEntryEvictedAfterKeepAlive verifies a one-shot query
// without a subscription arms the keep-alive timer, for fulfilled and
// rejected entries alike.
func TestEngine_QueryEntryEvictedAfterKeepAlive(t *testing.T) {
	backend := newTestBackend()
	backend.failWith("/documents/2", &transport.APIError{Status: http.StatusInternalServerError})
	e, err := New(newTestRegistry(t), backend, WithPolicy(Policy{QueryKeepAlive: 50 * time.Millisecond}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = e.Close() }()

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if _, err := e.Query(context.Background(), "getDocument", docArgs("2")); !transport.IsServerError(err) {
		t.Fatalf("expected server error, got %v", err)
	}

	if _, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("1"))); !ok {
		t.Fatal("fulfilled entry should be present right after the query")
	}
	if _, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("2"))); !ok {
		t.Fatal("rejected entry should be present right after the query")
	}

	waitFor(t, func() bool {
		_, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("1")))
		return !ok
	}, "fulfilled one-shot entry to expire")
	waitFor(t, func() bool {
		_, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("2")))
		return !ok
	}, "rejected one-shot entry to expire")
}

// TestEngine_QueryDoesNotEvictSubscribedEntry verifies the one-shot
// retention path leaves subscribed entries alone, even when the query
// itself triggered the fetch.
func TestEngine_QueryDoesNotEvictSubscribedEntry(t *testing.T) {
	backend := newTestBackend()
	e, err := New(newTestRegistry(t), backend, WithPolicy(Policy{QueryKeepAlive: 40 * time.Millisecond}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = e.Close() }()

	// A skip subscription holds the entry without fetching, so the query
	// below takes the fetch path and reaches the retention scheduling,
	// which must no-op while a subscriber is attached.
	sub, err := e.Subscribe("getDocument", docArgs("1"), nil, WithSkip())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := e.Store().Get(mustEngineKey(t, "getDocument", docArgs("1"))); !ok {
		t.Fatal("subscribed entry must not be evicted by a one-shot query")
	}
}

// TestEngine_InvalidateTags verifies out-of-band invalidation: stale
// unsubscribed entries refetch lazily on the next query.
func TestEngine_InvalidateTags(t *testing.T) {
	backend := newTestBackend()
	e := newTestEngine(t, backend)

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	e.InvalidateTags(endpoint.Tag{Type: "Document", ID: "1"})

	key := mustEngineKey(t, "getDocument", docArgs("1"))
	snap, _ := e.Store().Get(key)
	if !snap.Stale {
		t.Fatal("expected entry stale after InvalidateTags")
	}
	if got := backend.callCount("/documents/1"); got != 1 {
		t.Errorf("unsubscribed entry must not refetch eagerly, got %d calls", got)
	}

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got := backend.callCount("/documents/1"); got != 2 {
		t.Errorf("stale entry should refetch on query, got %d calls", got)
	}
}

// TestEngine_Stats covers the monitoring counters.
func TestEngine_Stats(t *testing.T) {
	backend := newTestBackend()
	e := newTestEngine(t, backend)

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	sub, err := e.Subscribe("getDocument", docArgs("1"), nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	stats := e.Stats()
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Subscriptions != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.Subscriptions)
	}
	if stats.InFlight != 0 {
		t.Errorf("expected no in-flight fetches, got %d", stats.InFlight)
	}
}

// TestEngine_Reset verifies logout semantics: everything evicted.
func TestEngine_Reset(t *testing.T) {
	backend := newTestBackend()
	e := newTestEngine(t, backend)

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	e.Reset()
	if got := e.Stats().Entries; got != 0 {
		t.Errorf("expected empty cache after reset, got %d entries", got)
	}

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query after reset failed: %v", err)
	}
	if got := backend.callCount("/documents/1"); got != 2 {
		t.Errorf("reset should force a refetch, got %d calls", got)
	}
}

// TestEngine_CloseRejectsNewWork verifies Close is terminal and
// idempotent.
func TestEngine_CloseRejectsNewWork(t *testing.T) {
	backend := newTestBackend()
	e, err := New(newTestRegistry(t), backend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := e.Query(context.Background(), "getDocument", docArgs("1")); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed from Query, got %v", err)
	}
	if _, err := e.Subscribe("getDocument", docArgs("1"), nil); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed from Subscribe, got %v", err)
	}
}

func mustEngineKey(t *testing.T, name string, args any) cache.Key {
	t.Helper()
	key, err := cache.NewKey(name, args)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	return key
}
