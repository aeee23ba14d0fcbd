package safepoint

import (
	"runtime"
	"sync/atomic"
	"testing"
)

func TestClassifyTrap(t *testing.T) {
	c, err := NewCoordinator(true, 4)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	th := c.Register()
	triggeredAddr := th.coord.triggered.Addr()

	if outcome, op := th.ClassifyTrap(0xdeadbeef); outcome != RaiseImplicit || op != nil {
		t.Fatalf("fault at an unrelated address = (%v, %v), want (RaiseImplicit, nil)", outcome, op)
	}

	if outcome, _ := th.ClassifyTrap(triggeredAddr); outcome != RaiseImplicit {
		t.Fatalf("fault with latch disarmed = %v, want RaiseImplicit", outcome)
	}

	op := &Operation{Name: "probe"}
	atomic.StoreInt32(&th.latchArmed, 1)
	th.currentOp.Store(op)

	gotOutcome, gotOp := th.ClassifyTrap(triggeredAddr)
	if gotOutcome != HandleSafepoint || gotOp != op {
		t.Fatalf("armed fault = (%v, %v), want (HandleSafepoint, the armed op)", gotOutcome, gotOp)
	}

	th.EnterNative()

	if outcome, _ := th.ClassifyTrap(triggeredAddr); outcome != FatalInNative {
		t.Fatalf("armed fault while already native = %v, want FatalInNative", outcome)
	}
}

// TestSubmitCASMechanism covers the CAS mechanism half of spec.md §8
// scenario 4: two mutators already in native code are frozen for the
// duration of DoIt and thawed back to InNative (not InJava — the mutator
// itself drives that transition via ExitNative) once it returns.
func TestSubmitCASMechanism(t *testing.T) {
	c, err := NewCoordinator(true, 4)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	t1 := c.Register()
	t2 := c.Register()
	t1.EnterNative()
	t2.EnterNative()

	var sawFrozen1, sawFrozen2 bool

	op := &Operation{
		Name: "gc-cycle",
		DoIt: func() error {
			sawFrozen1 = t1.IsFrozen()
			sawFrozen2 = t2.IsFrozen()

			return nil
		},
	}

	if err := c.Submit(op); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !sawFrozen1 || !sawFrozen2 {
		t.Fatal("both mutators should have been frozen while DoIt ran")
	}

	if t1.IsFrozen() || t2.IsFrozen() {
		t.Fatal("both mutators should be thawed once Submit returns")
	}

	if t1.State() != InNative || t2.State() != InNative {
		t.Fatal("the CAS mechanism thaws back to InNative, not InJava")
	}

	t1.ExitNative()

	if t1.State() != InJava {
		t.Fatal("ExitNative after a completed cycle should transition directly to InJava")
	}
}

// TestSubmitFenceMechanism covers the fence mechanism half of the same
// scenario: frozen-ness is a separate flag layered on InNative, and thaw
// clears the flag without touching state.
func TestSubmitFenceMechanism(t *testing.T) {
	c, err := NewCoordinator(false, 4)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	th := c.Register()
	th.EnterNative()

	var sawFrozen bool

	op := &Operation{
		Name: "gc-cycle",
		DoIt: func() error {
			sawFrozen = th.IsFrozen()
			return nil
		},
	}

	if err := c.Submit(op); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !sawFrozen {
		t.Fatal("the mutator should have been observed frozen while DoIt ran")
	}

	if th.IsFrozen() {
		t.Fatal("the mutator should be thawed once Submit returns")
	}

	if th.State() != InNative {
		t.Fatal("the fence mechanism leaves state at InNative across the whole cycle")
	}

	th.ExitNative()

	if th.State() != InJava {
		t.Fatal("ExitNative after a completed cycle should settle at InJava")
	}
}

// TestPollSafepointBlocksMutatorUntilThawed exercises the InJava mutator
// trap-handler path: a thread polling a safepoint after the latch is armed
// blocks until the VM operation's doIt has run and the thread-map lock is
// released, per spec.md §4.J "Mutator trap handler".
func TestPollSafepointBlocksMutatorUntilThawed(t *testing.T) {
	c, err := NewCoordinator(true, 2)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	th := c.Register()
	triggeredAddr := th.coord.triggered.Addr()

	var blockedObserved, afterBlockingRan int32

	doItStarted := make(chan struct{})
	doItFinish := make(chan struct{})

	op := &Operation{
		Name:                        "test-op",
		Target:                      th,
		DoAtSafepointBeforeBlocking: func(*Thread) { atomic.StoreInt32(&blockedObserved, 1) },
		DoAtSafepointAfterBlocking:  func(*Thread) { atomic.StoreInt32(&afterBlockingRan, 1) },
		DoIt: func() error {
			close(doItStarted)
			<-doItFinish

			return nil
		},
	}

	pollDone := make(chan struct{})

	go func() {
		for atomic.LoadInt32(&blockedObserved) == 0 {
			th.PollSafepoint(triggeredAddr)
			runtime.Gosched()
		}

		close(pollDone)
	}()

	submitErr := make(chan error, 1)

	go func() {
		submitErr <- c.Submit(op)
	}()

	<-doItStarted

	if !th.IsFrozen() {
		t.Fatal("the polling thread should be frozen once DoIt starts running")
	}

	close(doItFinish)

	if err := <-submitErr; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-pollDone

	if th.State() != InJava {
		t.Fatalf("State() after thaw = %v, want InJava", th.State())
	}

	if atomic.LoadInt32(&afterBlockingRan) == 0 {
		t.Fatal("DoAtSafepointAfterBlocking should have run once the thread resumed")
	}
}

func TestSubmitNestedRequiresFrozenTargetsAndAllowNested(t *testing.T) {
	c, err := NewCoordinator(true, 4)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	th := c.Register()
	th.EnterNative()

	outer := &Operation{Name: "outer", AllowNested: true}
	inner := &Operation{Name: "inner", Target: th, DoIt: func() error { return nil }}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("SubmitNested against an unfrozen target should be fatal")
			}
		}()

		c.mapLock.Lock()
		defer c.mapLock.Unlock()

		_ = c.SubmitNested(outer, inner)
	}()

	notAllowed := &Operation{Name: "not-allowed"}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("SubmitNested against an operation without AllowNested should be fatal")
			}
		}()

		c.mapLock.Lock()
		defer c.mapLock.Unlock()

		_ = c.SubmitNested(notAllowed, inner)
	}()
}
