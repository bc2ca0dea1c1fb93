// ════════════════════════════════════════════════════════════════════════════════════════════════
// WORKER REGISTRY & DISPATCHER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Deferred-Reclamation Engine — Registry
//
// Description:
//   Process-wide collection of workers, a lazily-created default worker that is never freed, an
//   RCU-published per-CPU array of worker pointers, and a goroutine-keyed thread-override map.
//   Selection order for a given caller: thread override -> per-CPU slot -> default worker.
//
// The worker list is an intrusive doubly-linked list (container/list). The per-CPU array follows
// the userspace-RCU publish discipline: readers dereference the published slice without taking
// the registry mutex, and any change to a slot swaps in a whole new slice (copy-on-write) rather
// than mutating a slot in place under a reader.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package registry

import (
	"container/list"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lfring/callrcu/gp"
	"github.com/lfring/callrcu/internal/goid"
	"github.com/lfring/callrcu/internal/rlog"
	"github.com/lfring/callrcu/runner"
)

// Error values returned by the per-CPU accessors, re-exported by the root
// callrcu package as its own error taxonomy.
var (
	ErrInvalid  = errors.New("registry: cpu index out of range")
	ErrNoMemory = errors.New("registry: per-cpu array unavailable")
	ErrExists   = errors.New("registry: cpu slot already assigned")
)

// Registry is the process-wide collection of workers. The zero value is not
// usable; construct with New.
type Registry struct {
	mu       sync.Mutex
	list     *list.List
	elements map[*runner.CallbackRunner]*list.Element

	defaultRunner atomic.Pointer[runner.CallbackRunner]

	perCPU  atomic.Pointer[[]*runner.CallbackRunner]
	maxCPUs int

	overrides sync.Map // goroutine id (uint64) -> *runner.CallbackRunner

	domain gp.Domain

	// NumCPU returns the host's CPU count; overridable so tests can
	// simulate an N-CPU host without requiring one.
	NumCPU func() int

	// FailNextAlloc, when true, makes the next per-CPU array allocation
	// fail with ErrNoMemory and resets itself to false. A real allocation
	// essentially never fails on a modern host; this is a deliberate test
	// seam so the NO_MEMORY path is exercisable at all.
	FailNextAlloc bool

	// Pin, when set, is passed through to every worker spawned by this
	// registry in place of the real affinity syscall, so a NumCPU override
	// simulating a wider host than actually exists doesn't drive a pin
	// attempt against a CPU index that doesn't exist.
	Pin func(cpu int) error
}

// New constructs an empty registry bound to domain. No workers exist until
// GetDefaultRunner, CreateRunner, or CreateAllCPURunners is called.
func New(domain gp.Domain) *Registry {
	return &Registry{
		list:     list.New(),
		elements: make(map[*runner.CallbackRunner]*list.Element),
		domain:   domain,
		NumCPU:   runtime.NumCPU,
	}
}

func (reg *Registry) numCPU() int {
	if reg.NumCPU != nil {
		return reg.NumCPU()
	}
	return runtime.NumCPU()
}

func (reg *Registry) insertLocked(r *runner.CallbackRunner) {
	el := reg.list.PushBack(r)
	reg.elements[r] = el
}

func (reg *Registry) removeLocked(r *runner.CallbackRunner) {
	if el, ok := reg.elements[r]; ok {
		reg.list.Remove(el)
		delete(reg.elements, r)
	}
}

// spawn constructs, registers, and starts a new worker. A Start failure is
// an affinity/thread-spawn failure, which per the error taxonomy is fatal.
func (reg *Registry) spawn(rt bool, cpu int) *runner.CallbackRunner {
	r := runner.New(reg.domain, cpu, rt)
	if reg.Pin != nil {
		r.Pin = reg.Pin
	}
	if err := r.Start(); err != nil {
		rlog.Fatal("worker failed to start", zap.Int("cpu", cpu), zap.Error(err))
	}
	reg.mu.Lock()
	reg.insertLocked(r)
	reg.mu.Unlock()
	return r
}

// GetDefaultRunner lazily creates the default worker on first call and
// returns it thereafter. The default worker is never destroyed by
// DestroyRunner; it is the sink every orphan-migration path targets.
func (reg *Registry) GetDefaultRunner() *runner.CallbackRunner {
	if d := reg.defaultRunner.Load(); d != nil {
		return d
	}
	reg.mu.Lock()
	if d := reg.defaultRunner.Load(); d != nil {
		reg.mu.Unlock()
		return d
	}
	reg.mu.Unlock()

	r := reg.spawn(false, -1)
	if !reg.defaultRunner.CompareAndSwap(nil, r) {
		// Another goroutine won the race; the loser's runner was already
		// started and registered, so unwind it rather than leak a live
		// worker nobody will ever reference.
		reg.DestroyRunner(r)
		return reg.defaultRunner.Load()
	}
	return r
}

// CreateRunner creates, starts, and registers a new worker. cpu < 0 means
// unpinned.
func (reg *Registry) CreateRunner(rt bool, cpu int) *runner.CallbackRunner {
	return reg.spawn(rt, cpu)
}

// DestroyRunner implements the full teardown protocol: if r is nil or the
// default worker, this is a silent no-op. Otherwise it stops the worker
// (blocking until STOPPED), splices any remaining callbacks onto the
// default worker, and unlinks r from the registry.
func (reg *Registry) DestroyRunner(r *runner.CallbackRunner) {
	if r == nil || r == reg.defaultRunner.Load() {
		return
	}
	reg.finishDestroy(r)
}

// finishDestroy runs the stop/splice/unlink sequence for a worker already
// known not to be the default. Safe to call whether or not the worker has
// already been force-stopped (the fork-child path does this before
// calling in).
//
// The splice target is obtained through GetDefaultRunner, not a bare load
// of reg.defaultRunner, so a worker torn down before any default worker has
// ever been created still gets one lazily created for it — otherwise its
// still-queued callbacks would be silently discarded on unlink instead of
// migrated, per the orphan-migration contract.
func (reg *Registry) finishDestroy(r *runner.CallbackRunner) {
	if !r.IsStopped() {
		r.Stop()
	}
	if def := reg.GetDefaultRunner(); def != r {
		def.SpliceFrom(r)
	}
	reg.mu.Lock()
	reg.removeLocked(r)
	reg.mu.Unlock()
}

// GetCPURunner returns the worker published at cpu, or nil if unassigned.
// Lock-free: reads the RCU-published slice directly.
func (reg *Registry) GetCPURunner(cpu int) (*runner.CallbackRunner, error) {
	reg.domain.ReadLock()
	defer reg.domain.ReadUnlock()

	arr := reg.perCPU.Load()
	if arr == nil {
		return nil, nil
	}
	if cpu < 0 || cpu >= len(*arr) {
		return nil, ErrInvalid
	}
	return (*arr)[cpu], nil
}

// allocArrayLocked returns a per-CPU array sized to reg.maxCPUs, allocating
// and publishing one if none exists yet. Must be called with reg.mu held.
func (reg *Registry) allocArrayLocked() (*[]*runner.CallbackRunner, error) {
	if arr := reg.perCPU.Load(); arr != nil {
		return arr, nil
	}
	if reg.FailNextAlloc {
		reg.FailNextAlloc = false
		return nil, ErrNoMemory
	}
	if reg.maxCPUs <= 0 {
		reg.maxCPUs = reg.numCPU()
	}
	fresh := make([]*runner.CallbackRunner, reg.maxCPUs)
	reg.perCPU.Store(&fresh)
	return &fresh, nil
}

// SetCPURunner publishes r at cpu. The range check happens after the array
// is allocated and before the publish, per the "allocate, then check, then
// publish" ordering this engine settled on (the reference algorithm had two
// inconsistent orderings across source variants).
func (reg *Registry) SetCPURunner(cpu int, r *runner.CallbackRunner) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	arr, err := reg.allocArrayLocked()
	if err != nil {
		return err
	}
	if cpu < 0 || cpu >= len(*arr) {
		return ErrInvalid
	}
	if (*arr)[cpu] != nil && r != nil {
		return ErrExists
	}

	next := make([]*runner.CallbackRunner, len(*arr))
	copy(next, *arr)
	next[cpu] = r
	reg.perCPU.Store(&next)
	return nil
}

// CreateAllCPURunners populates one worker per CPU, tolerating the EXISTS
// race on slots some other caller already populated.
func (reg *Registry) CreateAllCPURunners(rt bool) error {
	n := reg.numCPU()
	for cpu := 0; cpu < n; cpu++ {
		r := reg.CreateRunner(rt, cpu)
		if err := reg.SetCPURunner(cpu, r); err != nil {
			if errors.Is(err, ErrExists) {
				reg.DestroyRunner(r)
				continue
			}
			reg.DestroyRunner(r)
			return err
		}
	}
	return nil
}

// FreeAllCPURunners nulls every slot, waits one grace period so no
// in-flight dispatch can still observe an evicted worker, then destroys
// every evicted worker.
func (reg *Registry) FreeAllCPURunners() error {
	reg.mu.Lock()
	arr := reg.perCPU.Load()
	if arr == nil {
		reg.mu.Unlock()
		return nil
	}
	evicted := make([]*runner.CallbackRunner, len(*arr))
	copy(evicted, *arr)
	empty := make([]*runner.CallbackRunner, len(*arr))
	reg.perCPU.Store(&empty)
	reg.mu.Unlock()

	reg.domain.WaitForGracePeriod()

	for _, r := range evicted {
		reg.DestroyRunner(r)
	}
	return nil
}

// GetThreadRunner returns the calling goroutine's override worker, or nil
// if none is set.
func (reg *Registry) GetThreadRunner() *runner.CallbackRunner {
	v, ok := reg.overrides.Load(goid.Current())
	if !ok {
		return nil
	}
	return v.(*runner.CallbackRunner)
}

// SetThreadRunner sets (or, if r is nil, clears) the calling goroutine's
// override worker.
func (reg *Registry) SetThreadRunner(r *runner.CallbackRunner) {
	id := goid.Current()
	if r == nil {
		reg.overrides.Delete(id)
		return
	}
	reg.overrides.Store(id, r)
}

// GetCurrentRunner applies the full selection rule for the calling
// goroutine: thread override, else per-CPU slot, else the default worker.
// Go has no portable equivalent of sched_getcpu(), so the per-CPU slot is
// chosen by a deterministic shard derived from the calling goroutine's id,
// used only when a per-CPU array is published.
func (reg *Registry) GetCurrentRunner() *runner.CallbackRunner {
	if r := reg.GetThreadRunner(); r != nil {
		return r
	}

	reg.domain.ReadLock()
	arr := reg.perCPU.Load()
	if arr != nil && len(*arr) > 0 {
		shard := int(goid.Current() % uint64(len(*arr)))
		if r := (*arr)[shard]; r != nil {
			reg.domain.ReadUnlock()
			return r
		}
	}
	reg.domain.ReadUnlock()

	return reg.GetDefaultRunner()
}

// BeforeFork quiesces every registered worker into the PAUSED state. It
// issues every pause request before polling any of them, so workers are
// quiesced in parallel rather than one at a time.
//
// The reference protocol holds the registry mutex from before_fork through
// the matching after_fork_parent/after_fork_child call, relying on fork(2)
// duplicating that locked state into the child. Go's sync.Mutex offers no
// safe way to hold a lock across separate exported calls (nothing stops a
// caller from never releasing it), and this engine has no real fork(2) to
// rely on for the duplication anyway — see the design notes on fork
// handling. The contract is instead: no other Registry method may be
// called between BeforeFork and its matching AfterForkParent/AfterForkChild
// call; callers bracketing an actual checkpoint/restart boundary already
// have every producer and worker quiesced for other reasons at that point.
func (reg *Registry) BeforeFork() {
	reg.mu.Lock()
	workers := make([]*runner.CallbackRunner, 0, reg.list.Len())
	for e := reg.list.Front(); e != nil; e = e.Next() {
		workers = append(workers, e.Value.(*runner.CallbackRunner))
	}
	reg.mu.Unlock()

	for _, w := range workers {
		w.RequestPause()
	}
	for _, w := range workers {
		w.AwaitPaused()
	}
}

// AfterForkParent clears the pause request on every worker without waiting
// for them to resume, matching the original's non-blocking parent-side
// resume.
func (reg *Registry) AfterForkParent() {
	reg.mu.Lock()
	workers := make([]*runner.CallbackRunner, 0, reg.list.Len())
	for e := reg.list.Front(); e != nil; e = e.Next() {
		workers = append(workers, e.Value.(*runner.CallbackRunner))
	}
	reg.mu.Unlock()

	for _, w := range workers {
		w.ClearPause()
	}
}

// AfterForkChild rebuilds the registry from scratch for a checkpoint/
// restart boundary where the calling process's prior worker goroutines no
// longer exist (see the fork-handling design note). If the registry is
// empty this is a no-op. Otherwise: a fresh default worker is created; the
// per-CPU array, override map, and old default pointer are cleared; and
// every previously-registered worker (including the stale default) is
// force-marked STOPPED and destroyed, splicing any leftover callbacks onto
// the fresh default.
func (reg *Registry) AfterForkChild() {
	reg.mu.Lock()
	stale := make([]*runner.CallbackRunner, 0, reg.list.Len())
	for e := reg.list.Front(); e != nil; e = e.Next() {
		stale = append(stale, e.Value.(*runner.CallbackRunner))
	}
	reg.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	reg.defaultRunner.Store(nil)
	reg.perCPU.Store(nil)
	reg.mu.Lock()
	reg.maxCPUs = 0
	reg.mu.Unlock()
	reg.overrides.Range(func(key, _ any) bool {
		reg.overrides.Delete(key)
		return true
	})

	fresh := reg.spawn(false, -1)
	reg.defaultRunner.Store(fresh)

	for _, w := range stale {
		if w == fresh {
			continue
		}
		w.ForceStopped()
		reg.finishDestroy(w)
	}
}
