// ════════════════════════════════════════════════════════════════════════════════════════════════
// DEFERRED-RECLAMATION ENGINE — PUBLIC SURFACE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Deferred-Reclamation Engine — call_rcu equivalent
//
// Description:
//   Package callrcu is the thin public surface wrapping the registry and grace-period collaborator
//   into the operations external callers use: DeferReclaim, runner lifecycle management, per-CPU
//   and per-goroutine overrides, and the fork-coordination bracket.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package callrcu

import (
	"github.com/lfring/callrcu/gp"
	"github.com/lfring/callrcu/internal/wfqueue"
	"github.com/lfring/callrcu/registry"
	"github.com/lfring/callrcu/runner"
)

// Error values surfaced by the per-CPU accessors. These are the registry
// package's own sentinels, re-exported here so a caller never needs to
// import the registry package directly just to compare against them.
var (
	ErrInvalid  = registry.ErrInvalid
	ErrNoMemory = registry.ErrNoMemory
	ErrExists   = registry.ErrExists
)

// Runner is one deferred-reclamation worker. Exposed as a type alias to
// runner.CallbackRunner so a caller who obtains one from CreateRunner can
// call its Stats/QLen/CPU methods directly without a wrapper hop.
type Runner = runner.CallbackRunner

// ReclaimNode is a deferred-reclamation callback record. The caller embeds
// (or references) the object to be reclaimed in Payload, or closes over it
// in Fn directly; either is fine, Payload exists only to save an extra
// closure allocation on the common "give me my object back" path. The
// engine owns a node from DeferReclaim until Fn returns; Fn is expected to
// release whatever Payload refers to.
type ReclaimNode struct {
	queueNode *wfqueue.Node
	Fn        func(*ReclaimNode)
	Payload   any
}

// NewReclaimNode constructs a node ready for DeferReclaim.
func NewReclaimNode(fn func(*ReclaimNode), payload any) *ReclaimNode {
	n := &ReclaimNode{Fn: fn, Payload: payload}
	n.queueNode = wfqueue.NewNode(n)
	return n
}

// Invoke satisfies runner's internal nodeHandler interface. Not meant to be
// called directly by users; the worker loop calls it after a grace period.
func (n *ReclaimNode) Invoke(*wfqueue.Node) {
	n.Fn(n)
}

// engine bundles a registry with the grace-period domain it was built
// against, so Configure can atomically swap both together.
type engine struct {
	reg    *registry.Registry
	domain gp.Domain
}

func newEngine(domain gp.Domain) *engine {
	return &engine{reg: registry.New(domain), domain: domain}
}

var current = newEngine(gp.NewQSBRDomain())

// Configure replaces the package-level engine with one built against a
// caller-supplied grace-period domain, so a production deployment can
// substitute a real RCU binding for the bundled QSBR default. Must be
// called before any other operation in this package; it does not migrate
// workers or pending callbacks from whatever engine was previously active.
func Configure(domain gp.Domain) {
	current = newEngine(domain)
}

// DeferReclaim enqueues fn against the worker selected for the calling
// goroutine (thread override, else per-CPU slot, else the default worker),
// bumping that worker's qlen and waking it if it was asleep. The caller is
// expected to already be a registered RCU reader on the configured domain.
func DeferReclaim(n *ReclaimNode) {
	current.domain.ReadLock()
	r := current.reg.GetCurrentRunner()
	r.Enqueue(n.queueNode)
	current.domain.ReadUnlock()
}

// CreateRunner creates, starts, and registers a new worker. cpu < 0 means
// unpinned. A spawn failure (affinity or thread-start) is fatal per the
// error taxonomy and aborts the process rather than returning an error.
func CreateRunner(rt bool, cpu int) *Runner {
	return current.reg.CreateRunner(rt, cpu)
}

// DestroyRunner stops r, splices any remaining callbacks onto the default
// worker, and unlinks it from the registry. Silent no-op if r is nil or is
// the default worker.
func DestroyRunner(r *Runner) {
	current.reg.DestroyRunner(r)
}

// GetDefaultRunner lazily creates and returns the default worker. Never
// destroyed.
func GetDefaultRunner() *Runner {
	return current.reg.GetDefaultRunner()
}

// GetCPURunner returns the worker published for cpu, or nil if unassigned.
func GetCPURunner(cpu int) (*Runner, error) {
	return current.reg.GetCPURunner(cpu)
}

// SetCPURunner publishes r at cpu. Fails with ErrInvalid if cpu is out of
// range, ErrNoMemory if the per-CPU array could not be allocated, ErrExists
// if the slot is already assigned and r is non-nil.
func SetCPURunner(cpu int, r *Runner) error {
	return current.reg.SetCPURunner(cpu, r)
}

// CreateAllCPURunners populates one worker per CPU, tolerating the EXISTS
// race on slots another caller already populated.
func CreateAllCPURunners(rt bool) error {
	return current.reg.CreateAllCPURunners(rt)
}

// FreeAllCPURunners nulls every per-CPU slot, waits one grace period, and
// destroys every evicted worker.
func FreeAllCPURunners() error {
	return current.reg.FreeAllCPURunners()
}

// GetThreadRunner returns the calling goroutine's override worker, or nil.
func GetThreadRunner() *Runner {
	return current.reg.GetThreadRunner()
}

// SetThreadRunner sets (nil clears) the calling goroutine's override
// worker.
func SetThreadRunner(r *Runner) {
	current.reg.SetThreadRunner(r)
}

// GetCurrentRunner applies the full selection rule for the calling
// goroutine without enqueuing anything: thread override, else per-CPU
// slot, else the default worker.
func GetCurrentRunner() *Runner {
	return current.reg.GetCurrentRunner()
}

// BeforeFork quiesces every worker into the PAUSED state. See
// registry.Registry.BeforeFork for the locking contract this establishes
// with its matching AfterForkParent/AfterForkChild call.
func BeforeFork() {
	current.reg.BeforeFork()
}

// AfterForkParent clears the pause request on every worker.
func AfterForkParent() {
	current.reg.AfterForkParent()
}

// AfterForkChild rebuilds the registry for a process image in which the
// prior worker goroutines no longer exist.
func AfterForkChild() {
	current.reg.AfterForkChild()
}
