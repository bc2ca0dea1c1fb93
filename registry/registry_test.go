package registry

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lfring/callrcu/gp"
	"github.com/lfring/callrcu/internal/wfqueue"
)

type testNode struct {
	node *wfqueue.Node
	fn   func()
}

func (t *testNode) Invoke(*wfqueue.Node) { t.fn() }

func newTestNode(fn func()) *wfqueue.Node {
	tn := &testNode{fn: fn}
	tn.node = wfqueue.NewNode(tn)
	return tn.node
}

func TestGetDefaultRunnerIsLazyAndStable(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	a := reg.GetDefaultRunner()
	b := reg.GetDefaultRunner()
	if a != b {
		t.Fatal("GetDefaultRunner returned different instances across calls")
	}
}

func TestSetCPURunnerRejectsOutOfRange(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	reg.NumCPU = func() int { return 4 }
	r := reg.CreateRunner(false, -1)
	defer reg.DestroyRunner(r)

	if err := reg.SetCPURunner(4, r); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SetCPURunner(4, ...) = %v, want ErrInvalid", err)
	}
	if err := reg.SetCPURunner(-1, r); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SetCPURunner(-1, ...) = %v, want ErrInvalid", err)
	}
}

func TestSetCPURunnerRejectsReassignment(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	reg.NumCPU = func() int { return 2 }
	a := reg.CreateRunner(false, 0)
	b := reg.CreateRunner(false, 0)
	defer reg.DestroyRunner(a)
	defer reg.DestroyRunner(b)

	if err := reg.SetCPURunner(0, a); err != nil {
		t.Fatalf("first SetCPURunner: %v", err)
	}
	if err := reg.SetCPURunner(0, b); !errors.Is(err, ErrExists) {
		t.Fatalf("reassigning SetCPURunner(0, ...) = %v, want ErrExists", err)
	}
}

func TestSetCPURunnerSurfacesNoMemory(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	reg.NumCPU = func() int { return 2 }
	reg.FailNextAlloc = true
	r := reg.CreateRunner(false, 0)
	defer reg.DestroyRunner(r)

	if err := reg.SetCPURunner(0, r); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("SetCPURunner with FailNextAlloc = %v, want ErrNoMemory", err)
	}
	// The seam resets itself; a retry succeeds.
	if err := reg.SetCPURunner(0, r); err != nil {
		t.Fatalf("retry SetCPURunner: %v", err)
	}
}

func TestCreateAllCPURunnersPopulatesEverySlot(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	reg.NumCPU = func() int { return 3 }
	// The faked CPU count can exceed what the host actually has, so the
	// real affinity syscall is stubbed out rather than attempted.
	reg.Pin = func(int) error { return nil }

	if err := reg.CreateAllCPURunners(false); err != nil {
		t.Fatalf("CreateAllCPURunners: %v", err)
	}
	defer reg.FreeAllCPURunners()

	for cpu := 0; cpu < 3; cpu++ {
		r, err := reg.GetCPURunner(cpu)
		if err != nil {
			t.Fatalf("GetCPURunner(%d): %v", cpu, err)
		}
		if r == nil {
			t.Fatalf("cpu %d has no runner after CreateAllCPURunners", cpu)
		}
	}
}

func TestFreeAllCPURunnersClearsEverySlot(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	reg.NumCPU = func() int { return 2 }
	reg.Pin = func(int) error { return nil }
	if err := reg.CreateAllCPURunners(false); err != nil {
		t.Fatalf("CreateAllCPURunners: %v", err)
	}

	if err := reg.FreeAllCPURunners(); err != nil {
		t.Fatalf("FreeAllCPURunners: %v", err)
	}

	for cpu := 0; cpu < 2; cpu++ {
		r, err := reg.GetCPURunner(cpu)
		if err != nil {
			t.Fatalf("GetCPURunner(%d): %v", cpu, err)
		}
		if r != nil {
			t.Fatalf("cpu %d still has a runner after FreeAllCPURunners", cpu)
		}
	}
}

func TestDestroyRunnerSplicesPendingCallbacksOntoDefault(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	def := reg.GetDefaultRunner()

	r := reg.CreateRunner(false, -1)
	r.Pause()

	const n = 7
	var invoked atomic.Int64
	done := make(chan struct{})
	var count atomic.Int64
	for i := 0; i < n; i++ {
		r.Enqueue(newTestNode(func() {
			invoked.Add(1)
			if count.Add(1) == n {
				close(done)
			}
		}))
	}
	if got := def.QLen(); got != 0 {
		t.Fatalf("default QLen before destroy = %d, want 0", got)
	}

	reg.DestroyRunner(r)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d spliced callbacks ran", invoked.Load(), n)
	}
}

func TestDestroyRunnerSplicesOntoLazilyCreatedDefault(t *testing.T) {
	// No GetDefaultRunner call yet: the default worker does not exist
	// until DestroyRunner's splice step needs one.
	reg := New(gp.NewQSBRDomain())

	r := reg.CreateRunner(false, -1)
	r.Pause()

	const n = 4
	var invoked atomic.Int64
	done := make(chan struct{})
	var count atomic.Int64
	for i := 0; i < n; i++ {
		r.Enqueue(newTestNode(func() {
			invoked.Add(1)
			if count.Add(1) == n {
				close(done)
			}
		}))
	}

	reg.DestroyRunner(r)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d callbacks ran after destroying the only worker before any default existed", invoked.Load(), n)
	}

	if def := reg.GetDefaultRunner(); def == r {
		t.Fatal("GetDefaultRunner returned the destroyed worker")
	}
}

func TestDestroyRunnerIsNoopForNilAndDefault(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	def := reg.GetDefaultRunner()

	reg.DestroyRunner(nil)
	reg.DestroyRunner(def)

	if def.IsStopped() {
		t.Fatal("default runner was stopped by DestroyRunner")
	}
}

func TestThreadRunnerOverrideTakesPrecedence(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	_ = reg.GetDefaultRunner()
	r := reg.CreateRunner(false, -1)
	defer reg.DestroyRunner(r)

	if got := reg.GetCurrentRunner(); got == r {
		t.Fatal("GetCurrentRunner returned the override before it was set")
	}

	reg.SetThreadRunner(r)
	defer reg.SetThreadRunner(nil)

	if got := reg.GetCurrentRunner(); got != r {
		t.Fatal("GetCurrentRunner did not honor the thread override")
	}
}

func TestAfterForkChildRebuildsRegistryAndSplicesLeftovers(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	r := reg.CreateRunner(false, -1)

	const n = 3
	var invoked atomic.Int64
	done := make(chan struct{})
	var count atomic.Int64
	for i := 0; i < n; i++ {
		r.Enqueue(newTestNode(func() {
			invoked.Add(1)
			if count.Add(1) == n {
				close(done)
			}
		}))
	}

	reg.BeforeFork()
	reg.AfterForkChild()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d callbacks ran after AfterForkChild", invoked.Load(), n)
	}

	newDefault := reg.GetDefaultRunner()
	if newDefault == r {
		t.Fatal("AfterForkChild did not install a fresh default worker")
	}
}

func TestBeforeForkAfterForkParentRoundTripResumesWorkers(t *testing.T) {
	reg := New(gp.NewQSBRDomain())
	r := reg.CreateRunner(false, -1)
	defer reg.DestroyRunner(r)

	reg.BeforeFork()
	if !r.IsPaused() {
		t.Fatal("BeforeFork did not pause the worker")
	}

	reg.AfterForkParent()

	deadline := time.Now().Add(time.Second)
	for r.IsPaused() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.IsPaused() {
		t.Fatal("worker still paused after AfterForkParent")
	}
}
