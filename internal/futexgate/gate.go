// ════════════════════════════════════════════════════════════════════════════════════════════════
// FUTEX SLEEP GATE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Deferred-Reclamation Engine — Idle Worker Suspension
//
// Description:
//   A per-worker 32-bit counter plus a kernel wait/wake primitive so an idle worker blocks
//   instead of spinning. Implements the classic lost-wakeup-safe handshake: a worker commits to
//   sleep by decrementing its counter from 0 to -1, then re-checks its queue; a producer wakes by
//   checking for -1 and, only then, resetting to 0 and issuing a wake.
//
// A reclamation worker is expected to spend most of its life idle, so it blocks on a kernel
// primitive rather than busy-polling a flag the way a pinned, CPU-dedicated consumer might.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package futexgate

import "sync/atomic"

// Gate is a sleep/wake coordination point for one worker goroutine. The zero
// value is not ready for use; construct with New.
type Gate struct {
	// state holds 0 (running, or unknown), or -1 once the owning worker has
	// committed to sleep. Any other value a producer might observe is
	// treated as a no-op, per the documented contract.
	state int32

	// wakeCh backs the non-Linux fallback gate; always allocated so the
	// platform-specific sleep/wake methods need no extra construction step.
	wakeCh chan struct{}
}

// New returns a gate in the running state.
func New() *Gate {
	return &Gate{wakeCh: make(chan struct{}, 1)}
}

// ArmSleep transitions the gate from running to committed-to-sleep. The
// caller must re-check whatever condition it is waiting on (typically "is my
// queue still empty") after calling this and before calling Sleep — that
// re-check, together with the atomicity of the state transition here, is
// what makes the protocol safe against a wake that lands in the gap.
func (g *Gate) ArmSleep() {
	atomic.AddInt32(&g.state, -1)
}

// Disarm cancels a pending ArmSleep without blocking, used when the owning
// worker's re-check after ArmSleep finds new work and decides not to sleep
// after all.
func (g *Gate) Disarm() {
	atomic.StoreInt32(&g.state, 0)
}

// Sleep blocks until Wake is called, but only if the gate is still armed.
// If a Wake already fired (or simply raced ahead) between ArmSleep and this
// call, Sleep returns immediately rather than block for the duration of a
// missed wakeup.
func (g *Gate) Sleep() {
	if atomic.LoadInt32(&g.state) == -1 {
		g.sleep()
	}
}

// Wake resets the gate to running and, only if a worker had actually
// committed to sleep, notifies it. Safe to call whether or not anyone is
// asleep: a Wake against a gate that was never armed is a single atomic
// compare-and-swap, no syscall, no channel operation — the producer fast
// path this is designed to keep cheap.
func (g *Gate) Wake() {
	if atomic.CompareAndSwapInt32(&g.state, -1, 0) {
		g.wake()
	}
}
