//go:build linux

package futexgate

import (
	"syscall"
	"unsafe"
)

// Linux futex(2) operation codes. FUTEX_PRIVATE_FLAG is deliberately not set:
// these gates are not shared across process boundaries, but the extra
// kernel-side optimization is not worth the portability risk of a constant
// that does not exist identically on every architecture this builds for.
const (
	futexWait = 0
	futexWake = 1
)

// sleep issues FUTEX_WAIT with an expected value of -1. If the kernel
// observes the word has already changed (a racing Wake got there first) it
// returns EAGAIN immediately instead of blocking — exactly the no-lost-wakeup
// behavior this gate depends on.
func (g *Gate) sleep() {
	_, _, _ = syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(&g.state)),
		futexWait,
		uintptr(uint32(0xffffffff)), // -1 as the u32 bit pattern the kernel compares against
		0, 0, 0,
	)
}

// wake issues FUTEX_WAKE for a single waiter.
func (g *Gate) wake() {
	_, _, _ = syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(&g.state)),
		futexWake,
		1, 0, 0, 0,
	)
}
