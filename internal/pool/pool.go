/*
Package pool implements the triple-queue event store at the heart of every
mesh node.

A Pool is an ordered mapping from an event's origin timestamp to its
EventMetadata wrapper, bounded by max_size, with a pluggable overflow policy
and optional age-based eviction:

	┌───────────────────── POOL ─────────────────────┐
	│                                                  │
	│   index: map[time.Time]*event.Metadata  (O(1))  │
	│   order: []time.Time, kept sorted ascending     │
	│                                                  │
	│   Append ──► collision? bump +1us ──► overflow? │
	│                                         │        │
	│                              drop_oldest│reject  │
	│                              drop_newest│        │
	│                                                  │
	│   PopBatch(n) ──► ascending drain, FIFO          │
	│   PopByTimestamp(ts) ──► O(1) via index          │
	└──────────────────────────────────────────────────┘

The three specializations (incoming, processing, sending) wrap this core
with their own size/age/retry defaults; they add no locking of their own.
*/
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/nodemesh/meshnode/internal/event"
)

// OverflowPolicy decides what happens when Append is called on a full pool.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
	Reject     OverflowPolicy = "reject"
)

// Stats is the snapshot returned by Pool.Stats. GET /state reports only its
// size, max_size and total_* fields.
type Stats struct {
	Size         int            `json:"size"`
	MaxSize      int            `json:"max_size"`
	Policy       OverflowPolicy `json:"policy"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	Newest       *time.Time     `json:"newest,omitempty"`
	AvgAge       time.Duration  `json:"avg_age"`
	TotalAdded   uint64         `json:"total_added"`
	TotalRemoved uint64         `json:"total_removed"`
	TotalDropped uint64         `json:"total_dropped"`
}

// Pool is the bounded, timestamp-keyed event store. The zero value is not
// usable; construct with New. A single mutex guards every mutating
// operation; it is never held across a caller-supplied callback (see
// PopBatch), so a callback that reenters the pool (e.g. Reply appending to
// another pool) never deadlocks.
type Pool struct {
	mu sync.Mutex

	name    string
	maxSize int
	policy  OverflowPolicy
	maxAge  time.Duration // 0 disables age-based eviction

	index map[time.Time]*event.Metadata
	order []time.Time // kept sorted ascending

	totalAdded   uint64
	totalRemoved uint64
	totalDropped uint64
}

// New constructs a Pool. maxAge of 0 disables age-based cleanup (used by the
// processing pool, which is unbounded and timeout-driven instead).
func New(name string, maxSize int, policy OverflowPolicy, maxAge time.Duration) *Pool {
	return &Pool{
		name:    name,
		maxSize: maxSize,
		policy:  policy,
		maxAge:  maxAge,
		index:   make(map[time.Time]*event.Metadata),
	}
}

// Name returns the pool's label, used for metrics and logging.
func (p *Pool) Name() string {
	return p.name
}

// Append inserts a freshly observed event with retry_count 0 and added_at
// set to now. It reports whether the event ended up in the pool (false
// means dropped under drop_newest or rejected).
func (p *Pool) Append(e *event.Event) bool {
	return p.AppendWithRetry(e, 0)
}

// AppendWithRetry inserts e seeding EventMetadata.retry_count, with added_at
// set to now (a fresh admission attempt, e.g. a send-loop retry).
func (p *Pool) AppendWithRetry(e *event.Event, retryCount int) bool {
	meta := &event.Metadata{Event: e, AddedAt: time.Now(), RetryCount: retryCount}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(meta, e.Timestamp)
}

// Reinsert re-admits a metadata entry that was already drained from this (or
// an equivalent) pool, preserving its added_at and retry_count. Used by the
// analyze loop when an FSM filter rejects an event, and by snapshot
// rehydration. The key used is the event's own timestamp, bumped on
// collision exactly as a fresh Append would be.
func (p *Pool) Reinsert(meta *event.Metadata) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(meta, meta.Event.Timestamp)
}

// insertLocked performs the collision probe, overflow policy, and counter
// bookkeeping. Caller must hold p.mu.
func (p *Pool) insertLocked(meta *event.Metadata, key time.Time) bool {
	for {
		if _, exists := p.index[key]; !exists {
			break
		}
		key = key.Add(time.Microsecond)
	}
	meta.Event.Timestamp = key

	if p.maxSize > 0 && len(p.index) >= p.maxSize {
		switch p.policy {
		case DropNewest:
			p.totalDropped++
			return false
		case Reject:
			return false
		case DropOldest:
			fallthrough
		default:
			p.evictOldestLocked()
		}
	}

	p.index[key] = meta
	p.insertOrderedLocked(key)
	p.totalAdded++
	p.cleanupExpiredLocked()
	return true
}

// insertOrderedLocked inserts key into the sorted order slice.
func (p *Pool) insertOrderedLocked(key time.Time) {
	i := sort.Search(len(p.order), func(i int) bool { return p.order[i].After(key) || p.order[i].Equal(key) })
	p.order = append(p.order, time.Time{})
	copy(p.order[i+1:], p.order[i:])
	p.order[i] = key
}

// removeOrderedLocked removes the first occurrence of key from order.
func (p *Pool) removeOrderedLocked(key time.Time) {
	i := sort.Search(len(p.order), func(i int) bool { return !p.order[i].Before(key) })
	if i < len(p.order) && p.order[i].Equal(key) {
		p.order = append(p.order[:i], p.order[i+1:]...)
	}
}

// evictOldestLocked drops the oldest entry under drop_oldest overflow.
func (p *Pool) evictOldestLocked() {
	if len(p.order) == 0 {
		return
	}
	key := p.order[0]
	p.order = p.order[1:]
	delete(p.index, key)
	p.totalDropped++
}

// cleanupExpiredLocked removes entries whose added_at predates maxAge. A
// no-op when maxAge is 0 (processing pool).
func (p *Pool) cleanupExpiredLocked() {
	if p.maxAge <= 0 || len(p.order) == 0 {
		return
	}
	cutoff := time.Now().Add(-p.maxAge)
	kept := p.order[:0:0]
	for _, key := range p.order {
		meta := p.index[key]
		if meta.AddedAt.Before(cutoff) {
			delete(p.index, key)
			p.totalDropped++
			continue
		}
		kept = append(kept, key)
	}
	p.order = kept
}

// RecordDropped increments total_dropped by n without touching the pool's
// contents. Used when a caller drops entries it has already removed itself
// (retry exhaustion, analyzer retry-budget exhaustion, forced shutdown
// drain) so the counter stays authoritative even though the removal did not
// go through PopBatch/PopByTimestamp.
func (p *Pool) RecordDropped(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalDropped += uint64(n)
}

// Tick runs the opportunistic age cleanup outside of Append/PopBatch, for
// callers that want eviction to happen even during an idle period.
func (p *Pool) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupExpiredLocked()
}

// PopBatch removes up to batchSize entries in ascending timestamp (FIFO)
// order. It never blocks and returns an empty slice if the pool is empty.
func (p *Pool) PopBatch(batchSize int) []*event.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupExpiredLocked()

	if batchSize > len(p.order) {
		batchSize = len(p.order)
	}
	if batchSize <= 0 {
		return nil
	}

	out := make([]*event.Metadata, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		key := p.order[i]
		out = append(out, p.index[key])
		delete(p.index, key)
	}
	p.order = p.order[batchSize:]
	p.totalRemoved += uint64(len(out))
	return out
}

// PopByTimestamp removes and returns the entry keyed by ts, or nil if
// absent. Absence is not an error: a reply may race a retry decomposition
// that already removed the original.
func (p *Pool) PopByTimestamp(ts time.Time) *event.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, ok := p.index[ts]
	if !ok {
		return nil
	}
	delete(p.index, ts)
	p.removeOrderedLocked(ts)
	p.totalRemoved++
	return meta
}

// Len reports the current number of entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Snapshot returns a copy of every entry in ascending timestamp order,
// without holding the pool lock while the caller processes them.
func (p *Pool) Snapshot() []*event.Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*event.Metadata, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.index[key])
	}
	return out
}

// Stats computes the current counters and size summary.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:         len(p.order),
		MaxSize:      p.maxSize,
		Policy:       p.policy,
		TotalAdded:   p.totalAdded,
		TotalRemoved: p.totalRemoved,
		TotalDropped: p.totalDropped,
	}
	if len(p.order) == 0 {
		return s
	}

	oldest := p.order[0]
	newest := p.order[len(p.order)-1]
	s.Oldest = &oldest
	s.Newest = &newest

	var totalAge time.Duration
	now := time.Now()
	for _, key := range p.order {
		totalAge += now.Sub(p.index[key].AddedAt)
	}
	s.AvgAge = totalAge / time.Duration(len(p.order))
	return s
}
