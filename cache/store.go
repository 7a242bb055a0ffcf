package cache

import (
	"sync"
	"time"
)

// Config configures a Store.
type Config struct {
	// OnChange, if set, is called after every observable entry transition
	// (fetch start, commit, failure, invalidation, patch, rollback) with
	// the entry's new snapshot. It is invoked outside the store's lock,
	// synchronously with the triggering operation.
	OnChange func(key Key, snap Snapshot)

	// OnEvict, if set, is called after an entry is removed by retention
	// expiry or Reset. It is invoked outside the store's lock.
	OnEvict func(key Key)
}

// Store is the normalized in-memory table of cache entries plus the
// reverse tag index used for invalidation.
//
// Contract:
// - Concurrency: safe for concurrent use; all operations are synchronous.
// - Ownership: the Store is the single owner of entry state. Consumers
//   only ever see Snapshots; all mutation goes through Commit, Fail,
//   Invalidate, and the patch API.
// - Errors: read methods never error; they return (Snapshot, false) on miss.
type Store struct {
	cfg Config

	mu        sync.Mutex
	entries   map[Key]*entry
	tagIndex  map[Tag]map[Key]struct{}
	typeIndex map[TagType]map[Key]struct{}
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:       cfg,
		entries:   make(map[Key]*entry),
		tagIndex:  make(map[Tag]map[Key]struct{}),
		typeIndex: make(map[TagType]map[Key]struct{}),
	}
}

// Get returns the snapshot for key, reporting whether an entry exists.
func (s *Store) Get(key Key) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(key), true
}

// GetOrCreate returns the snapshot for key, creating an uninitialized
// entry if none exists.
func (s *Store) GetOrCreate(key Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(key).snapshot(key)
}

// BeginFetch marks the entry pending and reports whether this caller
// started the fetch. A false return means a fetch is already in flight
// and the caller should attach to its result instead of issuing a second
// network call.
func (s *Store) BeginFetch(key Key) bool {
	s.mu.Lock()
	e := s.ensure(key)
	if e.inFlight {
		s.mu.Unlock()
		return false
	}
	e.inFlight = true
	e.prevStatus = e.status
	e.status = StatusPending
	snap := e.snapshot(key)
	s.mu.Unlock()

	s.changed(key, snap)
	return true
}

// AbortFetch reverts a pending entry to its prior status without
// recording a failure. Used for caller-initiated cancellation: an aborted
// fetch never poisons the entry.
func (s *Store) AbortFetch(key Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || !e.inFlight {
		s.mu.Unlock()
		return
	}
	e.inFlight = false
	e.status = e.prevStatus
	snap := e.snapshot(key)
	s.mu.Unlock()

	s.changed(key, snap)
}

// Commit stores a fulfilled result and registers the tags the entry
// provides, replacing any prior tag set with index diffing. The stale
// flag is cleared.
func (s *Store) Commit(key Key, data any, tags []Tag) {
	s.mu.Lock()
	e := s.ensure(key)
	e.inFlight = false
	e.status = StatusFulfilled
	e.data = data
	e.hasData = true
	e.err = nil
	e.stale = false
	e.fetchedAt = time.Now()
	s.retag(key, e, dedupeTags(tags))
	snap := e.snapshot(key)
	s.mu.Unlock()

	s.changed(key, snap)
}

// Fail stores a rejected result. Prior data, if any, is retained so
// subscribers can keep displaying it alongside the error.
func (s *Store) Fail(key Key, err error) {
	s.mu.Lock()
	e := s.ensure(key)
	e.inFlight = false
	e.status = StatusRejected
	e.err = err
	snap := e.snapshot(key)
	s.mu.Unlock()

	s.changed(key, snap)
}

// Invalidate marks stale every entry matching the given tags and returns
// the affected keys. Resolution is an idempotent union: an entry matched
// by several tags is marked once.
//
// A tag with a specific id matches entries providing that exact (type, id)
// pair plus entries providing the type's collection tag. A tag with the
// wildcard id matches every entry providing any tag of the type.
func (s *Store) Invalidate(tags []Tag) []Key {
	s.mu.Lock()
	affected := make(map[Key]struct{})
	for _, tag := range tags {
		if tag.IsList() {
			for key := range s.typeIndex[tag.Type] {
				affected[key] = struct{}{}
			}
			continue
		}
		for key := range s.tagIndex[tag] {
			affected[key] = struct{}{}
		}
		for key := range s.tagIndex[Tag{Type: tag.Type, ID: WildcardID}] {
			affected[key] = struct{}{}
		}
	}

	keys := make([]Key, 0, len(affected))
	snaps := make([]Snapshot, 0, len(affected))
	for key := range affected {
		e, ok := s.entries[key]
		if !ok {
			continue
		}
		e.stale = true
		keys = append(keys, key)
		snaps = append(snaps, e.snapshot(key))
	}
	s.mu.Unlock()

	for i, key := range keys {
		s.changed(key, snaps[i])
	}
	return keys
}

// Retain increments the subscriber count for key, cancelling any pending
// retention timer so a re-subscriber is served the cached data.
func (s *Store) Retain(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensure(key)
	e.subscribers++
	e.lastSubscribedAt = time.Now()
	e.retainGen++
	if e.retain != nil {
		e.retain.Stop()
		e.retain = nil
	}
}

// Release decrements the subscriber count for key. When the last
// subscriber leaves, a retention timer of keepAlive is armed; on expiry
// with zero subscribers the entry and its tag index references are
// evicted. keepAlive <= 0 evicts immediately.
func (s *Store) Release(key Key, keepAlive time.Duration) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.subscribers > 0 {
		e.subscribers--
	}
	if e.subscribers > 0 {
		s.mu.Unlock()
		return
	}
	s.armRetention(key, e, keepAlive)
}

// ScheduleEviction arms the retention timer for an entry with zero
// subscribers, e.g. one warmed by a prefetch. No-op if the entry is
// missing or has subscribers.
func (s *Store) ScheduleEviction(key Key, keepAlive time.Duration) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.subscribers > 0 {
		s.mu.Unlock()
		return
	}
	s.armRetention(key, e, keepAlive)
}

// armRetention must be called with s.mu held; it unlocks before any
// eviction callback fires.
func (s *Store) armRetention(key Key, e *entry, keepAlive time.Duration) {
	e.retainGen++
	if e.retain != nil {
		e.retain.Stop()
		e.retain = nil
	}

	if keepAlive <= 0 {
		s.removeLocked(key, e)
		s.mu.Unlock()
		s.evicted(key)
		return
	}

	gen := e.retainGen
	e.retain = time.AfterFunc(keepAlive, func() {
		s.expire(key, gen)
	})
	s.mu.Unlock()
}

// expire evicts key if its retention timer generation is still current
// and it has no subscribers. A timer superseded by a re-subscription or a
// later Release is a no-op.
func (s *Store) expire(key Key, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.retainGen != gen || e.subscribers > 0 {
		s.mu.Unlock()
		return
	}
	s.removeLocked(key, e)
	s.mu.Unlock()

	s.evicted(key)
}

// Reset evicts every entry and cancels all retention timers. Intended for
// teardown and logout; active subscriptions should be closed first.
func (s *Store) Reset() {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.entries))
	for key, e := range s.entries {
		if e.retain != nil {
			e.retain.Stop()
		}
		keys = append(keys, key)
	}
	s.entries = make(map[Key]*entry)
	s.tagIndex = make(map[Tag]map[Key]struct{})
	s.typeIndex = make(map[TagType]map[Key]struct{})
	s.mu.Unlock()

	for _, key := range keys {
		s.evicted(key)
	}
}

// Len returns the number of entries currently in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the keys of all current entries, in no particular order.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// PendingCount returns the number of entries with a fetch in flight.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.inFlight {
			n++
		}
	}
	return n
}

// SubscriberCount returns the subscriber count for key, or 0 if absent.
func (s *Store) SubscriberCount(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		return e.subscribers
	}
	return 0
}

// ensure must be called with s.mu held.
func (s *Store) ensure(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{status: StatusUninitialized}
		s.entries[key] = e
	}
	return e
}

// retag replaces the entry's provided tag set, diffing old vs. new so the
// reverse index stays consistent. Must be called with s.mu held.
func (s *Store) retag(key Key, e *entry, tags []Tag) {
	for _, old := range e.tags {
		s.unindex(key, old)
	}
	e.tags = tags
	for _, tag := range tags {
		byTag, ok := s.tagIndex[tag]
		if !ok {
			byTag = make(map[Key]struct{})
			s.tagIndex[tag] = byTag
		}
		byTag[key] = struct{}{}

		byType, ok := s.typeIndex[tag.Type]
		if !ok {
			byType = make(map[Key]struct{})
			s.typeIndex[tag.Type] = byType
		}
		byType[key] = struct{}{}
	}
}

// unindex must be called with s.mu held.
func (s *Store) unindex(key Key, tag Tag) {
	if byTag, ok := s.tagIndex[tag]; ok {
		delete(byTag, key)
		if len(byTag) == 0 {
			delete(s.tagIndex, tag)
		}
	}
	// The type index entry survives while any other tag of the type
	// still references the key.
	stillTyped := false
	for other, byTag := range s.tagIndex {
		if other.Type != tag.Type {
			continue
		}
		if _, ok := byTag[key]; ok {
			stillTyped = true
			break
		}
	}
	if !stillTyped {
		if byType, ok := s.typeIndex[tag.Type]; ok {
			delete(byType, key)
			if len(byType) == 0 {
				delete(s.typeIndex, tag.Type)
			}
		}
	}
}

// removeLocked evicts the entry and its index references.
// Must be called with s.mu held.
func (s *Store) removeLocked(key Key, e *entry) {
	for _, tag := range e.tags {
		s.unindex(key, tag)
	}
	if e.retain != nil {
		e.retain.Stop()
		e.retain = nil
	}
	delete(s.entries, key)
}

func (s *Store) changed(key Key, snap Snapshot) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(key, snap)
	}
}

func (s *Store) evicted(key Key) {
	if s.cfg.OnEvict != nil {
		s.cfg.OnEvict(key)
	}
}

func dedupeTags(tags []Tag) []Tag {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[Tag]struct{}, len(tags))
	out := tags[:0]
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
