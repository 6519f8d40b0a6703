// ============================================================================
// flightcore State Buffer - Versioned Vehicle-State Exchange
// ============================================================================
//
// Package: internal/statebuf
// File: statebuf.go
// Purpose: Single-writer/multi-reader exchange of vehicle state between the
// estimator (producer) and the control loop (consumers)
//
// Design:
//   Latest-wins, never queue. The producer installs each complete snapshot
//   with one atomic pointer swap, so a reader either sees the previous
//   snapshot in full or the new one in full. Readers never block the
//   producer and the producer never waits on readers; the control loop's
//   read latency stays bounded regardless of subscriber backlog.
//
//   - latest slot: atomic.Pointer swap, gap-free for LatestState callers
//   - history ring: fixed capacity, FIFO eviction, timestamp-aligned lookup
//   - waiters: closed-channel broadcast, woken on every update
//   - subscribers: bounded channels, oldest event dropped when full
//     (subscribers tolerate missed intermediate versions)
//
// Versioning:
//   Version starts at 0 meaning "no data yet" and increases by exactly 1 per
//   UpdateState call. A version is never reused until Reset().
//
// ============================================================================

package statebuf

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeroframe/flightcore/pkg/types"
)

// DefaultCapacity is the history ring size used when the caller passes a
// non-positive capacity.
const DefaultCapacity = 64

// StateSnapshot is an immutable, versioned record of vehicle state. Once
// installed it is never mutated; readers receive deep copies of the payload.
type StateSnapshot struct {
	State     types.VehicleState
	Version   uint64
	Timestamp time.Time
	Source    string
}

// clone returns a copy safe to hand across the ownership boundary.
func (s StateSnapshot) clone() StateSnapshot {
	out := s
	out.State = s.State.Clone()
	return out
}

// Subscription is a bounded delivery queue registered with Subscribe. The
// channel carries every update the subscriber keeps up with; when it falls
// behind, the oldest unread snapshot is dropped.
type Subscription struct {
	ch     chan StateSnapshot
	buf    *Buffer
	closed bool
}

// C returns the receive side of the subscription queue. The channel is
// closed by Unsubscribe.
func (s *Subscription) C() <-chan StateSnapshot { return s.ch }

// BufferStats is a point-in-time view of buffer counters.
type BufferStats struct {
	Updates uint64
	Reads   uint64
	Version uint64
	Drops   uint64 // subscriber events discarded by the drop-oldest policy
}

// Buffer is the versioned state exchange. Construct with NewBuffer; the zero
// value is not usable.
type Buffer struct {
	latest atomic.Pointer[StateSnapshot]

	// mu guards the producer-side structures only: history ring, subscriber
	// set, and the broadcast channel rotation. Readers of the latest slot
	// never take it.
	mu       sync.Mutex
	history  []StateSnapshot
	head     int
	count    int
	capacity int
	subs     map[*Subscription]struct{}
	notify   chan struct{}

	updates atomic.Uint64
	reads   atomic.Uint64
	drops   atomic.Uint64
}

// NewBuffer creates a buffer whose history ring holds capacity evicted
// snapshots (the latest lives outside the ring).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		history:  make([]StateSnapshot, capacity),
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
		notify:   make(chan struct{}),
	}
}

// UpdateState builds a snapshot with the next version, installs it as latest
// with a single pointer swap, pushes the previous latest into the history
// ring, and wakes all waiters and subscribers. Never blocks on readers.
// Returns the assigned version.
func (b *Buffer) UpdateState(state types.VehicleState, source string) uint64 {
	b.mu.Lock()

	var version uint64 = 1
	prev := b.latest.Load()
	if prev != nil {
		version = prev.Version + 1
	}

	snap := &StateSnapshot{
		State:     state.Clone(),
		Version:   version,
		Timestamp: time.Now(),
		Source:    source,
	}
	b.latest.Store(snap)

	if prev != nil {
		b.pushHistory(*prev)
	}

	// Broadcast: everyone blocked on the old notify channel wakes up.
	close(b.notify)
	b.notify = make(chan struct{})

	for sub := range b.subs {
		b.deliver(sub, snap)
	}

	b.mu.Unlock()

	b.updates.Add(1)
	return version
}

// pushHistory appends to the FIFO ring, evicting the oldest entry on
// overflow. Caller holds mu.
func (b *Buffer) pushHistory(s StateSnapshot) {
	if b.count < b.capacity {
		b.history[(b.head+b.count)%b.capacity] = s
		b.count++
		return
	}
	b.history[b.head] = s
	b.head = (b.head + 1) % b.capacity
}

// deliver sends to one subscriber, dropping its oldest unread event when the
// queue is full. Caller holds mu.
func (b *Buffer) deliver(sub *Subscription, snap *StateSnapshot) {
	c := snap.clone()
	select {
	case sub.ch <- c:
		return
	default:
	}
	// Queue full: discard the oldest unread event and retry once. A racing
	// consumer may have drained in between, so the retry can still fail
	// without blocking the producer.
	select {
	case <-sub.ch:
		b.drops.Add(1)
	default:
	}
	select {
	case sub.ch <- c:
	default:
		b.drops.Add(1)
	}
}

// LatestState returns a copy of the most recently installed snapshot. The
// second return is false only if no update has ever occurred.
func (b *Buffer) LatestState() (StateSnapshot, bool) {
	p := b.latest.Load()
	if p == nil {
		return StateSnapshot{}, false
	}
	b.reads.Add(1)
	return p.clone(), true
}

// Version returns the current version without counting as a read.
func (b *Buffer) Version() uint64 {
	if p := b.latest.Load(); p != nil {
		return p.Version
	}
	return 0
}

// StateAtTime scans the history ring and the latest slot for the snapshot
// whose timestamp is closest to target. Returns false when no snapshot
// exists or the closest candidate is further than maxAge from target, so
// timestamp-aligned fusion never silently runs on stale data.
func (b *Buffer) StateAtTime(target time.Time, maxAge time.Duration) (StateSnapshot, bool) {
	b.mu.Lock()
	var best *StateSnapshot
	var bestDiff time.Duration
	for i := 0; i < b.count; i++ {
		s := &b.history[(b.head+i)%b.capacity]
		d := absDuration(target.Sub(s.Timestamp))
		if best == nil || d < bestDiff {
			best, bestDiff = s, d
		}
	}
	var found StateSnapshot
	ok := false
	if best != nil {
		found, ok = best.clone(), true
	}
	b.mu.Unlock()

	if p := b.latest.Load(); p != nil {
		if d := absDuration(target.Sub(p.Timestamp)); !ok || d < bestDiff {
			found, bestDiff, ok = p.clone(), d, true
		}
	}
	if !ok || bestDiff > maxAge {
		return StateSnapshot{}, false
	}
	b.reads.Add(1)
	return found, true
}

// WaitForUpdate blocks until a newer snapshot than the one current at call
// time is installed, or timeout elapses. Returns false on timeout rather
// than hanging.
func (b *Buffer) WaitForUpdate(timeout time.Duration) (StateSnapshot, bool) {
	b.mu.Lock()
	ch := b.notify
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return b.LatestState()
	case <-timer.C:
		return StateSnapshot{}, false
	}
}

// WaitForUpdateCtx is the cancellation-driven equivalent of WaitForUpdate
// for callers embedded in a context-scoped loop.
func (b *Buffer) WaitForUpdateCtx(ctx context.Context) (StateSnapshot, bool) {
	b.mu.Lock()
	ch := b.notify
	b.mu.Unlock()

	select {
	case <-ch:
		return b.LatestState()
	case <-ctx.Done():
		return StateSnapshot{}, false
	}
}

// Subscribe registers a bounded queue receiving every subsequent update the
// consumer keeps pace with. capacity is clamped to at least 1.
func (b *Buffer) Subscribe(capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	sub := &Subscription{ch: make(chan StateSnapshot, capacity), buf: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe stops delivery and closes the subscription channel.
// Idempotent.
func (b *Buffer) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.buf != b {
		return
	}
	b.mu.Lock()
	if !sub.closed {
		delete(b.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Reset clears the latest slot, history, and counters back to the
// never-updated state. Subscriptions stay registered.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.latest.Store(nil)
	b.head = 0
	b.count = 0
	b.updates.Store(0)
	b.reads.Store(0)
	b.drops.Store(0)
	// Wake waiters so nobody sleeps across a reset; they will observe the
	// empty buffer and report no data.
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Statistics returns a snapshot of the buffer counters.
func (b *Buffer) Statistics() BufferStats {
	return BufferStats{
		Updates: b.updates.Load(),
		Reads:   b.reads.Load(),
		Version: b.Version(),
		Drops:   b.drops.Load(),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
