package gp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lfring/callrcu/internal/goid"
)

// QSBRDomain is a minimal quiescent-state-based reclamation domain, grounded
// on the generation-counter and online/offline bookkeeping in
// original_source/urcu/static/urcu-qsbr.h. It is the default Domain this
// engine runs with when none is configured explicitly.
//
// Unlike liburcu-qsbr, which keys reader state off a pthread TLS pointer,
// QSBRDomain keys it off the calling goroutine's id (internal/goid) — the
// closest stand-in Go offers for "which execution context is this". A
// goroutine that migrates is fine, since goid.Current is read fresh on every
// call; what it cannot tolerate is two live readers that happen to share a
// goroutine id simultaneously, which never happens by construction.
type QSBRDomain struct {
	mu      sync.Mutex
	readers map[uint64]*readerState
	gen     atomic.Uint64
}

type readerState struct {
	online atomic.Bool
	seen   atomic.Uint64
	depth  int32 // ReadLock/ReadUnlock nesting, protected by QSBRDomain.mu
}

// NewQSBRDomain returns a ready-to-use domain with no registered readers.
func NewQSBRDomain() *QSBRDomain {
	return &QSBRDomain{readers: make(map[uint64]*readerState)}
}

func (d *QSBRDomain) self() *readerState {
	id := goid.Current()
	d.mu.Lock()
	rs := d.readers[id]
	d.mu.Unlock()
	return rs
}

// RegisterReader enrolls the calling goroutine. It starts online and caught
// up to the current generation, so a grace period already in progress does
// not wait on it; one that begins afterward does, until it next passes
// through a quiescent point.
func (d *QSBRDomain) RegisterReader() {
	id := goid.Current()
	rs := &readerState{}
	rs.online.Store(true)
	rs.seen.Store(d.gen.Load())
	d.mu.Lock()
	d.readers[id] = rs
	d.mu.Unlock()
}

// UnregisterReader removes the calling goroutine's bookkeeping. Any grace
// period in progress simply stops waiting on it.
func (d *QSBRDomain) UnregisterReader() {
	id := goid.Current()
	d.mu.Lock()
	delete(d.readers, id)
	d.mu.Unlock()
}

// ReaderOffline marks the calling goroutine as holding no references, the
// same way a worker does immediately before it blocks on its futex gate.
// A grace period waiter never waits on an offline reader.
func (d *QSBRDomain) ReaderOffline() {
	if rs := d.self(); rs != nil {
		rs.online.Store(false)
	}
}

// ReaderOnline marks the calling goroutine as live again and advances its
// observed generation to the current one — it has, by definition, passed
// through a quiescent point to get here.
func (d *QSBRDomain) ReaderOnline() {
	gen := d.gen.Load()
	if rs := d.self(); rs != nil {
		rs.seen.Store(gen)
		rs.online.Store(true)
	}
}

// ReadLock brackets a brief critical section. Nested calls from the same
// goroutine are supported because the dispatcher's own call path may itself
// be invoked from within a longer-lived read section; only the outermost
// pair affects quiescence bookkeeping.
func (d *QSBRDomain) ReadLock() {
	if rs := d.self(); rs != nil {
		d.mu.Lock()
		rs.depth++
		d.mu.Unlock()
	}
}

// ReadUnlock closes a ReadLock span. Leaving the outermost section counts as
// passing through a quiescent point, identical to ReaderOnline's effect.
func (d *QSBRDomain) ReadUnlock() {
	rs := d.self()
	if rs == nil {
		return
	}
	gen := d.gen.Load()
	d.mu.Lock()
	rs.depth--
	quiescent := rs.depth == 0
	d.mu.Unlock()
	if quiescent {
		rs.seen.Store(gen)
	}
}

// Quiescent records that the calling goroutine currently holds no
// references, without going fully offline. Long-lived readers that never
// call ReaderOffline (because they are not blocking, just looping) are
// expected to call this periodically at safe points — the same role
// rcu_quiescent_state() plays in liburcu-qsbr.
func (d *QSBRDomain) Quiescent() {
	gen := d.gen.Load()
	if rs := d.self(); rs != nil {
		rs.seen.Store(gen)
	}
}

// WaitForGracePeriod bumps the generation counter and blocks until every
// reader that is currently online has observed a generation at least as new
// as the one just issued, either by calling Quiescent, ReaderOnline, or
// ReadUnlock, or by being offline entirely. The poll loop below is the one
// place this implementation diverges sharply from liburcu-qsbr, which parks
// the waiter and wakes it from each reader's quiescent-state call instead of
// polling; a wake-on-quiescence handshake was not worth the complexity for
// an engine whose grace periods are expected to be short and infrequent
// relative to callback batch sizes.
func (d *QSBRDomain) WaitForGracePeriod() {
	target := d.gen.Add(1)
	for {
		d.mu.Lock()
		done := true
		for _, rs := range d.readers {
			if rs.online.Load() && rs.seen.Load() < target {
				done = false
				break
			}
		}
		d.mu.Unlock()
		if done {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

var _ Domain = (*QSBRDomain)(nil)
