// Package canio implements the transmission-side transport core: a
// priority-ordered, deadline-aware TX queue per interface and an IO manager
// multiplexing non-blocking send/receive across up to three redundant CAN
// interfaces.
package canio

import (
	"math"
	"time"

	"github.com/kstaniek/go-canio/internal/avl"
	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/clock"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/pool"
)

// QoS tags a queued frame for the eviction policy under memory pressure.
type QoS uint8

const (
	// Volatile frames may be dropped to make room for persistent ones.
	Volatile QoS = iota
	// Persistent frames are preserved if at all possible.
	Persistent
)

// Entry wraps a frame queued for transmission. Entries are owned exclusively
// by their queue from Push until Remove or expiry; each live entry holds one
// pool block (plus one for its tree node).
type Entry struct {
	Frame    can.Frame
	Deadline time.Duration
	QoS      QoS
	Flags    can.IOFlags
}

// Expired reports whether the entry's TX deadline has passed at now.
func (e *Entry) Expired(now time.Duration) bool { return now > e.Deadline }

// TxQueue orders pending frames of one interface by CAN arbitration
// priority. Expired entries are pruned lazily, when a lookup stumbles over
// them. All failures are absorbed into the rejected-frames counter; a
// real-time transmitter keeps making progress on the frames it can send.
type TxQueue struct {
	tree     *avl.Tree[*Entry]
	alloc    *pool.Limited
	clk      clock.Clock
	iface    int
	rejected uint32
}

func compareEntries(a, b *Entry) int { return a.Frame.ComparePriority(b.Frame) }

// NewTxQueue creates a queue for the given interface index, drawing entry
// and node blocks from alloc. Equal-priority frames chain in FIFO order
// rather than being rejected.
func NewTxQueue(alloc *pool.Limited, clk clock.Clock, iface int) *TxQueue {
	return &TxQueue{
		tree:  avl.New[*Entry](alloc, compareEntries, avl.DuplicateChain),
		alloc: alloc,
		clk:   clk,
		iface: iface,
	}
}

func (q *TxQueue) Len() int    { return q.tree.Len() }
func (q *TxQueue) Empty() bool { return q.tree.Empty() }
func (q *TxQueue) Iface() int  { return q.iface }

// RejectedFrames is a saturating count of frames this queue refused:
// expired on push, or dropped for lack of pool blocks.
func (q *TxQueue) RejectedFrames() uint32 { return q.rejected }

func (q *TxQueue) reject() {
	if q.rejected < math.MaxUint32 {
		q.rejected++
	}
	metrics.IncRejected(q.iface)
}

// Push queues a frame for transmission before deadline. A frame already past
// its deadline is rejected outright. On pool exhaustion a Persistent push
// evicts the lowest-priority Volatile entry ranking below the frame and
// retries once; a Volatile push is simply rejected.
func (q *TxQueue) Push(frame can.Frame, deadline time.Duration, qos QoS, flags can.IOFlags) {
	if q.clk.Monotonic() >= deadline {
		q.reject()
		return
	}

	entry := q.newEntry(frame, deadline, qos, flags)
	if entry == nil && qos == Persistent && q.evictVolatileBelow(frame) {
		entry = q.newEntry(frame, deadline, qos, flags)
	}
	if entry == nil {
		q.reject()
		return
	}

	if q.tree.Insert(entry) {
		metrics.IncQueued(q.iface)
		return
	}
	// Entry block was granted but the tree node was not.
	if qos == Persistent && q.evictVolatileBelow(frame) && q.tree.Insert(entry) {
		metrics.IncQueued(q.iface)
		return
	}
	q.alloc.Release()
	q.reject()
}

// newEntry charges one pool block for the entry itself; the tree charges a
// second one for the node on insert.
func (q *TxQueue) newEntry(frame can.Frame, deadline time.Duration, qos QoS, flags can.IOFlags) *Entry {
	if !q.alloc.TryAcquire() {
		return nil
	}
	return &Entry{Frame: frame, Deadline: deadline, QoS: qos, Flags: flags}
}

// evictVolatileBelow drops the lowest-priority Volatile entry that would
// lose arbitration against frame, freeing two blocks. Reports whether an
// entry was evicted.
func (q *TxQueue) evictVolatileBelow(frame can.Frame) bool {
	var victim *Entry
	q.tree.Walk(func(e *Entry) {
		if victim == nil && e.QoS == Volatile && frame.PriorityHigherThan(e.Frame) {
			victim = e
		}
	})
	if victim == nil {
		return false
	}
	q.tree.Remove(victim)
	q.alloc.Release()
	metrics.IncEvicted(q.iface)
	return true
}

// Peek returns the highest-priority entry that has not expired, or nil when
// the queue has nothing transmittable. Expired entries discovered at the top
// are removed and freed before retrying; nothing is waiting on an expired
// frame anyway.
func (q *TxQueue) Peek() *Entry {
	for {
		e, ok := q.tree.Max()
		if !ok {
			return nil
		}
		if !e.Expired(q.clk.Monotonic()) {
			return e
		}
		q.dropExpired(e)
	}
}

func (q *TxQueue) dropExpired(e *Entry) {
	q.tree.Remove(e)
	q.alloc.Release()
	metrics.IncExpired(q.iface)
}

// Remove deletes a known-owned entry, typically after its frame went out on
// the wire. Removing an entry that is not queued is a no-op and does not
// disturb pool accounting.
func (q *TxQueue) Remove(e *Entry) {
	if e == nil {
		return
	}
	before := q.tree.Len()
	q.tree.Remove(e)
	if q.tree.Len() < before {
		q.alloc.Release()
	}
}

// Contains reports whether an entry holding an identical frame is queued.
// The descent is by priority, so the match may be a different entry with an
// equal-priority frame; expired entries discovered at the matching position
// are pruned and not reported.
func (q *TxQueue) Contains(frame can.Frame) bool {
	now := q.clk.Monotonic()
	var found bool
	var stale []*Entry
	q.tree.LookupEach(
		func(e *Entry) int { return frame.ComparePriority(e.Frame) },
		func(e *Entry) bool {
			if e.Expired(now) {
				stale = append(stale, e)
				return true
			}
			if e.Frame == frame {
				found = true
				return false
			}
			return true
		})
	for _, e := range stale {
		q.dropExpired(e)
	}
	return found
}

// TopPriorityHigherOrEqual reports whether the current queue head would win
// or tie arbitration against frame. An empty queue reports false.
func (q *TxQueue) TopPriorityHigherOrEqual(frame can.Frame) bool {
	e := q.Peek()
	if e == nil {
		return false
	}
	return !frame.PriorityHigherThan(e.Frame)
}

// Clear drops every queued entry and returns all blocks to the pool.
// Children are released before parents so teardown never rebalances.
func (q *TxQueue) Clear() {
	q.tree.WalkPostOrder(func(e *Entry) {
		q.alloc.Release() // entry block; node blocks follow in tree.Clear
	})
	q.tree.Clear()
}
