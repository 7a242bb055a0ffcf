package cache

import "time"

// Status is the lifecycle state of a cache entry.
type Status int

const (
	// StatusUninitialized means the entry exists but no fetch has started.
	StatusUninitialized Status = iota

	// StatusPending means a fetch is in flight and no result has settled yet.
	StatusPending

	// StatusFulfilled means the last fetch succeeded.
	StatusFulfilled

	// StatusRejected means the last fetch failed. Prior data, if any, is
	// retained for stale-while-error display.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Snapshot is the immutable consumer view of a cache entry.
//
// Data follows copy-on-write semantics: once a Snapshot has been returned,
// its Data is never mutated by later store operations. Optimistic patches
// and rollbacks install fresh copies instead of editing shared state.
type Snapshot struct {
	Key       Key
	Status    Status
	Data      any
	Err       error
	Stale     bool
	FetchedAt time.Time

	hasData bool
}

// HasData reports whether the snapshot carries a settled result value.
// It stays true through staleness and later fetch failures, which is what
// lets consumers keep displaying last-known data.
func (s Snapshot) HasData() bool {
	return s.hasData
}

// entry is the store-owned state for one cache key. It is never handed
// out; consumers only see Snapshots.
type entry struct {
	status     Status
	prevStatus Status
	data       any
	hasData    bool
	err        error
	stale      bool
	tags       []Tag
	fetchedAt  time.Time
	inFlight   bool

	subscribers      int
	lastSubscribedAt time.Time
	retain           *time.Timer
	retainGen        uint64
}

func (e *entry) snapshot(key Key) Snapshot {
	return Snapshot{
		Key:       key,
		Status:    e.status,
		Data:      e.data,
		Err:       e.err,
		Stale:     e.stale,
		FetchedAt: e.fetchedAt,
		hasData:   e.hasData,
	}
}
