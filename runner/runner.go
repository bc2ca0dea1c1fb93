// ════════════════════════════════════════════════════════════════════════════════════════════════
// CALLBACK RUNNER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Deferred-Reclamation Engine — Worker
//
// Description:
//   One goroutine, locked to its own OS thread, that owns a wait-free queue and a futex-style
//   sleep gate and runs the drain → grace-period → invoke loop. State machine:
//
//       CREATED -> RUNNING -> (PAUSED <-> RUNNING)* -> STOPPING -> STOPPED -> FREED
//
//   A flag word coordinates a producer-facing control surface with the dedicated consumer
//   goroutine: PAUSE/STOP are requested by setting bits and waking the gate, and acknowledged by
//   the PAUSED bit (which the requester polls for) and the STOPPED bit (set as the loop exits,
//   which Stop waits for).
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package runner

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lfring/callrcu/gp"
	"github.com/lfring/callrcu/internal/affinity"
	"github.com/lfring/callrcu/internal/futexgate"
	"github.com/lfring/callrcu/internal/goid"
	"github.com/lfring/callrcu/internal/rlog"
	"github.com/lfring/callrcu/internal/wfqueue"
)

// Flag bits packed into CallbackRunner.flags.
const (
	FlagRT      uint32 = 1 << iota // realtime: skip futex sleep, poll RTPollInterval instead
	FlagStop                       // termination requested
	FlagStopped                    // termination acknowledged, thread has exited the loop
	FlagPause                      // quiescence requested (fork, typically)
	FlagPaused                     // quiescence acknowledged
)

// DefaultPollInterval is the poll period for the PAUSE handshake (the paused
// worker's wait, AwaitPaused, AwaitResumed), left unjustified in the
// reference algorithm and made configurable here per that open question.
// The queue's transient-nil-link spins use wfqueue.Queue.SpinPollInterval
// instead, and Stop blocks on the loop's exit rather than polling.
const DefaultPollInterval = time.Millisecond

// DefaultRTPollInterval is the constant sleep between drain attempts for a
// realtime runner, which never uses the futex gate.
const DefaultRTPollInterval = 10 * time.Millisecond

// atomicOr32 and atomicAnd32 mirror sync/atomic.Uint32's Or/And methods
// (added in Go 1.23) via a CAS loop, for compatibility with older toolchains.
func atomicOr32(x *atomic.Uint32, mask uint32) {
	for {
		old := x.Load()
		if x.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func atomicAnd32(x *atomic.Uint32, mask uint32) {
	for {
		old := x.Load()
		if x.CompareAndSwap(old, old&mask) {
			return
		}
	}
}

// Stats is a point-in-time snapshot of a runner's counters. Purely
// observational — nothing in the engine makes a correctness decision off of
// these, only the qlen/flags/futex words a runner already maintains do.
type Stats struct {
	Enqueued    int64
	Invoked     int64
	DrainCycles int64
	PauseCycles int64
}

// CallbackRunner is one deferred-reclamation worker. The zero value is not
// usable; construct with New.
type CallbackRunner struct {
	queue *wfqueue.Queue
	gate  *futexgate.Gate
	flags atomic.Uint32
	qlen  atomic.Int64

	goroutineID atomic.Uint64
	cpuAffinity int
	domain      gp.Domain

	enqueued    atomic.Int64
	invoked     atomic.Int64
	drainCycles atomic.Int64
	pauseCycles atomic.Int64

	PollInterval   time.Duration
	RTPollInterval time.Duration

	// Pin overrides the affinity call the loop makes on startup, defaulting
	// to affinity.Pin. Tests that simulate a CPU count wider than the host
	// actually has can set this to a stub so CREATED-state setup does not
	// issue a real sched_setaffinity against a nonexistent CPU.
	Pin func(cpu int) error

	started chan struct{} // closed once the loop goroutine has registered itself
	stopped chan struct{} // closed once the loop goroutine has exited
}

// New constructs a runner bound to domain. It does not spawn the worker
// goroutine; call Start for that. cpu < 0 means unpinned. rt selects the
// realtime poll-only mode over the futex gate.
func New(domain gp.Domain, cpu int, rt bool) *CallbackRunner {
	r := &CallbackRunner{
		queue:          wfqueue.New(),
		gate:           futexgate.New(),
		cpuAffinity:    cpu,
		domain:         domain,
		PollInterval:   DefaultPollInterval,
		RTPollInterval: DefaultRTPollInterval,
		started:        make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	if rt {
		r.flags.Store(FlagRT)
	}
	return r
}

func (r *CallbackRunner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return r.PollInterval
}

func (r *CallbackRunner) rtPollInterval() time.Duration {
	if r.RTPollInterval <= 0 {
		return DefaultRTPollInterval
	}
	return r.RTPollInterval
}

func (r *CallbackRunner) pin(cpu int) error {
	if r.Pin != nil {
		return r.Pin(cpu)
	}
	return affinity.Pin(cpu)
}

// IsRT reports whether this runner was created in realtime mode.
func (r *CallbackRunner) IsRT() bool {
	return r.flags.Load()&FlagRT != 0
}

// CPU returns the CPU this runner is pinned to, or a negative value if
// unpinned.
func (r *CallbackRunner) CPU() int {
	return r.cpuAffinity
}

// QLen returns the current queue-length counter: enqueued minus invoked,
// debug-only per its documented contract, not a synchronization point.
func (r *CallbackRunner) QLen() int64 {
	return r.qlen.Load()
}

// GoroutineID returns the id of the goroutine running this worker's loop,
// or 0 if Start has not yet been called or the loop has not registered.
func (r *CallbackRunner) GoroutineID() uint64 {
	return r.goroutineID.Load()
}

// Stats returns a snapshot of this runner's observational counters.
func (r *CallbackRunner) Stats() Stats {
	return Stats{
		Enqueued:    r.enqueued.Load(),
		Invoked:     r.invoked.Load(),
		DrainCycles: r.drainCycles.Load(),
		PauseCycles: r.pauseCycles.Load(),
	}
}

// IsStopped reports whether the worker has fully exited its loop.
func (r *CallbackRunner) IsStopped() bool {
	return r.flags.Load()&FlagStopped != 0
}

// IsPaused reports whether the worker has acknowledged a pause request.
func (r *CallbackRunner) IsPaused() bool {
	return r.flags.Load()&FlagPaused != 0
}

// Enqueue links n onto this worker's queue, bumps qlen, and — unless this is
// a realtime runner, which never sleeps on the futex gate — wakes the
// worker if it was asleep. Safe for any number of concurrent callers.
func (r *CallbackRunner) Enqueue(n *wfqueue.Node) {
	r.queue.Enqueue(n)
	r.qlen.Add(1)
	r.enqueued.Add(1)
	if r.flags.Load()&FlagRT == 0 {
		r.gate.Wake()
	}
}

// SpliceFrom moves every callback currently queued on src onto r as a
// single logical enqueue, transfers src's outstanding qlen onto r, zeroes
// src's, and wakes r if it was asleep. Used by the registry's destroy path
// to migrate an evicted worker's stragglers onto the default worker.
func (r *CallbackRunner) SpliceFrom(src *CallbackRunner) int {
	n := r.queue.SpliceFrom(src.queue)
	if n == 0 {
		return 0
	}
	moved := src.qlen.Swap(0)
	r.qlen.Add(moved)
	r.enqueued.Add(src.enqueued.Load())
	if r.flags.Load()&FlagRT == 0 {
		r.gate.Wake()
	}
	return n
}

// Start spawns the worker goroutine and blocks until it has finished its
// CREATED-state setup (affinity pin, reader registration, recording its
// goroutine id) and entered RUNNING. The worker goroutine does not set a
// per-goroutine runner override for itself. Returns the error the setup phase hit, if
// any — affinity failures are the only realistic one, and the caller
// (registry) is expected to treat a non-nil return as fatal per the
// error taxonomy.
func (r *CallbackRunner) Start() error {
	errc := make(chan error, 1)
	go r.loop(errc)
	err := <-errc
	<-r.started
	return err
}

func (r *CallbackRunner) loop(errc chan error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := r.pin(r.cpuAffinity); err != nil {
		errc <- err
		close(r.started)
		close(r.stopped)
		return
	}
	errc <- nil

	r.domain.RegisterReader()
	r.goroutineID.Store(goid.Current())
	close(r.started)

	for {
		if r.flags.Load()&FlagPause != 0 {
			r.domain.UnregisterReader()
			atomicOr32(&r.flags, FlagPaused)
			for r.flags.Load()&(FlagPause|FlagStop) == FlagPause {
				time.Sleep(r.pollInterval())
			}
			if r.flags.Load()&FlagStop != 0 {
				// Stopped while paused: exit without draining, leaving any
				// queued callbacks for the destroy path to splice away.
				atomicOr32(&r.flags, FlagStopped)
				close(r.stopped)
				return
			}
			atomicAnd32(&r.flags, ^FlagPaused)
			r.domain.RegisterReader()
			r.pauseCycles.Add(1)
		}

		r.drainAndInvoke()

		if r.flags.Load()&FlagStop != 0 {
			break
		}

		r.domain.ReaderOffline()
		if r.flags.Load()&FlagRT != 0 {
			time.Sleep(r.rtPollInterval())
		} else {
			r.gate.ArmSleep()
			// Re-check after committing to sleep: work enqueued before
			// ArmSleep (whose Wake found the gate unarmed) and a STOP or
			// PAUSE request set before it are caught here; a producer or
			// requester that comes after ArmSleep observes the armed gate
			// and issues the wake.
			if !r.queue.Empty() || r.flags.Load()&(FlagStop|FlagPause) != 0 {
				r.gate.Disarm()
			} else {
				r.gate.Sleep()
			}
		}
		r.domain.ReaderOnline()
	}

	r.gate.Disarm()
	atomicOr32(&r.flags, FlagStopped)
	r.domain.UnregisterReader()
	close(r.stopped)
}

// drainAndInvoke runs one snapshot-drain, grace-period-wait, invoke cycle.
// The ordering here — snapshot, then grace period, then invoke — is load
// bearing: the grace period must follow the snapshot so that any reader
// holding a pre-unlink reference finishes before a callback runs, and it
// must precede invocation so the callback can safely free memory.
func (r *CallbackRunner) drainAndInvoke() int {
	if r.queue.Empty() {
		return 0
	}

	type batchEntry struct {
		node *wfqueue.Node
		fn   func(*wfqueue.Node)
	}
	var batch []batchEntry

	n := r.queue.Drain(func(node *wfqueue.Node) {
		entry, ok := node.Value().(nodeHandler)
		if !ok {
			rlog.Warn("drained node missing its handler", zap.Uint64("goroutine", r.GoroutineID()))
			return
		}
		batch = append(batch, batchEntry{node: node, fn: entry.Invoke})
	})
	if n == 0 {
		return 0
	}

	// The worker holds no references here; it goes offline for its own wait
	// so the grace period does not wait on the waiter itself.
	r.domain.ReaderOffline()
	r.domain.WaitForGracePeriod()
	r.domain.ReaderOnline()

	for _, e := range batch {
		e.fn(e.node)
	}

	r.qlen.Add(-int64(n))
	r.invoked.Add(int64(n))
	r.drainCycles.Add(1)
	return n
}

// nodeHandler is the minimal shape a wfqueue.Node's payload must satisfy for
// drainAndInvoke to run it. The callrcu package's ReclaimNode implements
// this (an exported Invoke method, so structural typing is enough — no
// import of callrcu's concrete type is needed here, avoiding a
// runner -> callrcu -> runner import cycle: callrcu depends on runner to
// build the default engine, not the other way around).
type nodeHandler interface {
	Invoke(n *wfqueue.Node)
}

// Stop requests termination and blocks until the worker has fully exited
// its loop.
func (r *CallbackRunner) Stop() {
	atomicOr32(&r.flags, FlagStop)
	r.gate.Wake()
	<-r.stopped
}

// ForceStopped marks the worker STOPPED without running the stop handshake
// above. This exists for exactly one caller: after-fork-child, where the
// worker's goroutine does not exist in the new process image and waiting
// for it to exit would block forever. Calling this on a worker whose loop
// is actually still running is a caller error — nothing here detects it.
func (r *CallbackRunner) ForceStopped() {
	atomicOr32(&r.flags, FlagStop|FlagStopped)
}

// RequestPause asks the worker to quiesce without blocking for the
// acknowledgment. Split out from Pause so a caller quiescing many workers
// (the fork coordinator) can issue every request before polling any of
// them, rather than quiescing workers one at a time.
func (r *CallbackRunner) RequestPause() {
	atomicOr32(&r.flags, FlagPause)
	r.gate.Wake()
}

// AwaitPaused blocks until the worker has acknowledged a pause request by
// unregistering as a reader and setting PAUSED.
func (r *CallbackRunner) AwaitPaused() {
	for r.flags.Load()&FlagPaused == 0 {
		time.Sleep(r.pollInterval())
	}
}

// Pause is RequestPause followed by AwaitPaused, for callers quiescing a
// single worker in isolation.
func (r *CallbackRunner) Pause() {
	r.RequestPause()
	r.AwaitPaused()
}

// ClearPause clears a pause request without waiting for the worker to
// resume, matching the after-fork-parent protocol which does not block on
// resumption before releasing the registry mutex.
func (r *CallbackRunner) ClearPause() {
	atomicAnd32(&r.flags, ^FlagPause)
}

// AwaitResumed blocks until the worker has cleared PAUSED. The worker
// registers as a reader again right after clearing it, so that registration
// may still be in progress when this returns.
func (r *CallbackRunner) AwaitResumed() {
	for r.flags.Load()&FlagPaused != 0 {
		time.Sleep(r.pollInterval())
	}
}

// Resume is ClearPause followed by AwaitResumed, for callers resuming a
// single worker in isolation.
func (r *CallbackRunner) Resume() {
	r.ClearPause()
	r.AwaitResumed()
}
