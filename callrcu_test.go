package callrcu

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lfring/callrcu/gp"
)

func freshEngine() {
	Configure(gp.NewQSBRDomain())
}

func TestSingleCallbackRunsAfterGracePeriod(t *testing.T) {
	freshEngine()

	var ran atomic.Bool
	done := make(chan struct{})
	n := NewReclaimNode(func(*ReclaimNode) {
		ran.Store(true)
		close(done)
	}, nil)
	DeferReclaim(n)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	if !ran.Load() {
		t.Fatal("callback reported not run")
	}
}

func TestProducerStormEachCallbackRunsExactlyOnce(t *testing.T) {
	freshEngine()

	const producers = 4
	const perProducer = 2000

	var invoked atomic.Int64
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				n := NewReclaimNode(func(*ReclaimNode) {
					invoked.Add(1)
				}, nil)
				DeferReclaim(n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer group: %v", err)
	}

	const want = producers * perProducer
	deadline := time.Now().Add(10 * time.Second)
	for invoked.Load() != want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := invoked.Load(); got != want {
		t.Fatalf("invoked = %d, want %d", got, want)
	}

	def := GetDefaultRunner()
	deadline = time.Now().Add(time.Second)
	for def.QLen() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := def.QLen(); got != 0 {
		t.Fatalf("default runner QLen = %d, want 0", got)
	}
}

func TestPerCPUFanOutRoutesEachProducerToItsOwnWorker(t *testing.T) {
	freshEngine()

	if err := CreateAllCPURunners(false); err != nil {
		t.Fatalf("CreateAllCPURunners: %v", err)
	}
	defer FreeAllCPURunners()

	cpus := runtime.NumCPU()
	var g errgroup.Group
	for cpu := 0; cpu < cpus; cpu++ {
		cpu := cpu
		g.Go(func() error {
			r, err := GetCPURunner(cpu)
			if err != nil {
				return err
			}
			if r == nil {
				t.Errorf("cpu %d has no runner", cpu)
				return nil
			}
			SetThreadRunner(r)
			defer SetThreadRunner(nil)

			var ran atomic.Bool
			done := make(chan struct{})
			n := NewReclaimNode(func(*ReclaimNode) {
				ran.Store(true)
				close(done)
			}, nil)
			DeferReclaim(n)
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("cpu %d callback never ran", cpu)
			}
			if got := r.GoroutineID(); got == 0 {
				t.Errorf("cpu %d worker never registered a goroutine id", cpu)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("fan-out group: %v", err)
	}
}

func TestShutdownDrainRunsAllPendingCallbacksOnDestroy(t *testing.T) {
	freshEngine()

	r := CreateRunner(false, -1)

	const n = 10
	var invoked atomic.Int64
	done := make(chan struct{})
	var count atomic.Int64
	for i := 0; i < n; i++ {
		node := NewReclaimNode(func(*ReclaimNode) {
			invoked.Add(1)
			if count.Add(1) == n {
				close(done)
			}
		}, nil)
		SetThreadRunner(r)
		DeferReclaim(node)
	}
	SetThreadRunner(nil)

	DestroyRunner(r)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d callbacks ran after DestroyRunner", invoked.Load(), n)
	}
	if !r.IsStopped() {
		t.Fatal("destroyed runner never reached STOPPED")
	}
}

func TestForkCycleChildDefaultRunnerExecutesParentsPendingCallbacks(t *testing.T) {
	freshEngine()

	const n = 5
	var invoked atomic.Int64
	done := make(chan struct{})
	var count atomic.Int64

	r := CreateRunner(false, -1)
	r.Pause() // take the worker through one full pause/resume cycle before the fork bracket
	r.Resume()

	for i := 0; i < n; i++ {
		node := NewReclaimNode(func(*ReclaimNode) {
			invoked.Add(1)
			if count.Add(1) == n {
				close(done)
			}
		}, nil)
		SetThreadRunner(r)
		DeferReclaim(node)
	}
	SetThreadRunner(nil)

	BeforeFork()
	// No real fork(2): AfterForkChild is invoked directly against the same
	// registry, the documented stand-in for a checkpoint/restart boundary.
	AfterForkChild()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d callbacks ran in the child, want %d", invoked.Load(), n, n)
	}
}
