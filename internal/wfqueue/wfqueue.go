// ════════════════════════════════════════════════════════════════════════════════════════════════
// WAIT-FREE MPSC CALLBACK QUEUE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Deferred-Reclamation Engine — Queue Layer
//
// Description:
//   Multi-producer/single-consumer FIFO of callback nodes, implemented as an unbounded intrusive
//   linked list rather than a fixed-capacity ring: the engine cannot bound the number of in-flight
//   callbacks (self-spawning callbacks are explicitly tolerated), so a ring is not an option here.
//
// Algorithm:
//   - Enqueue is a single atomic swap plus a single store: wait-free, no CAS retry loop.
//   - Drain is single-consumer: it snapshots every node currently reachable, then walks the
//     snapshot invoking fn on each, skipping the anchor node that started the walk.
//   - A fresh anchor node is installed at the end of every Drain rather than reusing one
//     permanent dummy across batches (see doc comment on Drain for why).
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package wfqueue

import (
	"sync/atomic"
	"time"
)

// Node is one entry in the queue. The zero value is not ready for use except
// as the target of NewNode; callers embed or reference a Node through the
// value they enqueue.
type Node struct {
	next  atomic.Pointer[Node]
	value any
}

// NewNode wraps value in a queue node. value is typically a pointer to the
// caller's own record (e.g. a reclamation callback) recovered later via Value.
func NewNode(value any) *Node {
	return &Node{value: value}
}

// Value returns the payload stored at construction time.
func (n *Node) Value() any {
	return n.value
}

// Queue is a wait-free multi-producer/single-consumer FIFO. The zero value is
// not usable; construct with New.
//
// Head and tail cursors are kept on separate cache lines so producer writes
// to tail never invalidate the consumer's cache line for head, and vice versa.
type Queue struct {
	_ [64]byte
	// head is the anchor node for the next Drain call: either the permanent
	// dummy (before the first Drain) or the fresh anchor installed by the
	// previous Drain.
	head atomic.Pointer[Node]

	_ [56]byte
	// tail always points at the most recently enqueued node, or at the
	// current anchor if nothing has been enqueued since the last Drain.
	tail atomic.Pointer[Node]

	_ [56]byte
	// dummy is the permanent sentinel used only until the first Drain call.
	dummy Node

	// SpinPollInterval is the sleep duration used while waiting on a
	// transiently-nil next link. Unexported fields above are hot path;
	// this one is cold-path configuration, exposed so callers (and tests)
	// are not stuck with a hardcoded 1ms, per the open question about
	// making poll constants configurable.
	SpinPollInterval time.Duration
}

// DefaultSpinPollInterval is the poll period used when SpinPollInterval is
// left at its zero value.
const DefaultSpinPollInterval = time.Millisecond

// New returns an empty queue ready for concurrent enqueues and single-consumer drains.
func New() *Queue {
	q := &Queue{SpinPollInterval: DefaultSpinPollInterval}
	q.head.Store(&q.dummy)
	q.tail.Store(&q.dummy)
	return q
}

func (q *Queue) pollInterval() time.Duration {
	if q.SpinPollInterval <= 0 {
		return DefaultSpinPollInterval
	}
	return q.SpinPollInterval
}

// Enqueue links n onto the tail of the queue. Wait-free: exactly one atomic
// swap and one atomic store, no retry loop, safe for any number of concurrent
// callers racing against each other and against a single concurrent Drain.
func (q *Queue) Enqueue(n *Node) {
	n.next.Store(nil)
	prev := q.tail.Swap(n)
	// Between the swap above and this store, a concurrent Drain walking the
	// list may observe prev.next == nil even though prev is not the last
	// node of its batch; that is the documented transient-nil window a
	// consumer must spin-poll through.
	prev.next.Store(n)
}

// Empty reports whether the queue currently holds nothing to drain. Valid
// from the single consumer goroutine only (a producer's own Enqueue races
// with this read by design and is not meant to observe its result).
func (q *Queue) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Drain takes a snapshot of everything enqueued so far and invokes fn on each
// node in FIFO order, returning the count invoked. Single-consumer only.
//
// Snapshot protocol: load the current anchor (head), install a brand-new
// anchor node, and atomically swap it into tail — the value swapped out is
// the last real node of this batch. Then walk from the old anchor to that
// last node, spin-polling on a transiently-nil next link (bounded by the
// last-node marker so the wait always terminates), skipping the anchor
// itself (always the first node visited).
//
// The reference algorithm this is adapted from (liburcu's cds_wfq) reuses a
// single permanent dummy node across every batch by resetting tail to the
// address of the head field itself — a pointer-to-field indirection with no
// direct Go equivalent. Reusing one dummy *node* instead (rather than a
// field address) would let a producer racing the end of one Drain collide
// with the producer of the next batch on the same node's next pointer; using
// a freshly allocated anchor per Drain avoids that collision while
// preserving the same wait-free-enqueue, bounded-spin-dequeue contract.
func (q *Queue) Drain(fn func(*Node)) int {
	if q.Empty() {
		return 0
	}

	first := q.head.Load()
	for first == nil {
		time.Sleep(q.pollInterval())
		first = q.head.Load()
	}
	q.head.Store(nil)

	anchor := &Node{}
	last := q.tail.Swap(anchor)

	n := 0
	cur := first
	skip := true // first is always the anchor that started this walk
	for {
		for cur.next.Load() == nil && cur != last {
			time.Sleep(q.pollInterval())
		}
		nxt := cur.next.Load()
		if !skip {
			fn(cur)
			n++
		}
		skip = false
		if cur == last {
			break
		}
		cur = nxt
	}

	q.head.Store(anchor)
	return n
}

// SpliceFrom detaches everything currently enqueued on src and attaches the
// whole chain onto q's tail as a single logical enqueue, returning the
// number of nodes moved. src is left empty. Same single-consumer-on-src,
// concurrent-producers-on-q constraints as Drain/Enqueue respectively.
//
// This backs the orphan-migration protocol: when a worker is torn down with
// callbacks still queued, its batch is spliced onto another worker's queue
// in O(1) rather than replayed one Enqueue at a time, preserving the
// original producer order within the moved batch.
func (q *Queue) SpliceFrom(src *Queue) int {
	if src.Empty() {
		return 0
	}

	first := src.head.Load()
	for first == nil {
		time.Sleep(src.pollInterval())
		first = src.head.Load()
	}
	src.head.Store(nil)

	anchor := &Node{}
	last := src.tail.Swap(anchor)

	n := 0
	cur := first
	skip := true
	var headReal *Node
	for {
		for cur.next.Load() == nil && cur != last {
			time.Sleep(src.pollInterval())
		}
		nxt := cur.next.Load()
		if !skip {
			n++
			if headReal == nil {
				headReal = cur
			}
		}
		skip = false
		if cur == last {
			break
		}
		cur = nxt
	}
	src.head.Store(anchor)

	if headReal == nil {
		return 0
	}
	prev := q.tail.Swap(last)
	prev.next.Store(headReal)
	return n
}
