// Package safepoint implements the freeze/thaw protocol that brings
// selected mutator threads to a safepoint so a VM operation (most commonly
// a garbage collection) can run with the heap quiescent, then releases
// them (spec.md §4.J).
package safepoint

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/orizon-heap/internal/heap/herrors"
	"github.com/orizon-lang/orizon-heap/internal/heap/osmem"
)

// State is a mutator's CAS-mechanism thread state. The fence mechanism
// reuses only InJava/InNative and layers a separate frozen flag on top
// (see Thread.frozen).
type State int32

const (
	InJava State = iota
	InNative
	IsFrozen // CAS mechanism only
)

// Mode classifies a VM operation's relationship to safepointing.
type Mode int

const (
	SafepointMode Mode = iota
	NoSafepointMode
	ConcurrentMode
	AsyncSafepointMode
)

// Operation is a unit of work run on the VM operation thread, optionally
// requiring some or all mutators frozen first.
type Operation struct {
	Name   string
	Mode   Mode
	Target *Thread // nil means every registered thread

	DoIt func() error

	DoAtSafepointBeforeBlocking func(t *Thread)
	DoAtSafepointAfterBlocking  func(t *Thread)
	DoBeforeThawingThread       func(t *Thread)
	DoAfterFrozen               func()
	DoThread                    func(t *Thread, ip, sp, fp uintptr)

	// AllowNested permits SubmitNested to run another operation on the
	// same call stack while this one's doIt is in progress, so long as
	// the nested operation's targets are already among this one's frozen
	// threads.
	AllowNested bool
}

// Thread is a single registered mutator. The state, frozen-flag, latch and
// current-operation fields, which the freezing coordinator and the mutator
// itself both touch, are accessed only through atomics, matching spec.md
// §5's ordering guarantees; the frame anchor (ip, sp, fp) is plain fields.
type Thread struct {
	coord *Coordinator

	state  int32 // atomic State
	frozen int32 // atomic bool, fence mechanism only

	latchArmed int32 // atomic bool: true once the triggered-locals latch is installed
	currentOp  atomic.Pointer[Operation]

	// Frame anchor: the mutator publishes these before calling
	// PollSafepoint so the tracer can walk a well-formed Java frame while
	// the thread is blocked (spec.md §4.J "Mutator trap handler").
	ip, sp, fp uintptr
}

// State reports the thread's raw CAS-mechanism state word.
func (t *Thread) State() State { return State(atomic.LoadInt32(&t.state)) }

// IsFrozen reports whether the thread is currently frozen, under either
// mechanism.
func (t *Thread) IsFrozen() bool {
	if atomic.LoadInt32(&t.state) == int32(IsFrozen) {
		return true
	}

	return atomic.LoadInt32(&t.frozen) != 0 && atomic.LoadInt32(&t.state) == int32(InNative)
}

// SetFrameAnchor publishes the mutator's current instruction/stack/frame
// pointers. Call this before PollSafepoint so a concurrent tracer sees a
// well-formed anchor while the thread is blocked.
func (t *Thread) SetFrameAnchor(ip, sp, fp uintptr) {
	t.ip, t.sp, t.fp = ip, sp, fp
}

// EnterNative is the JNI-prologue transition: the thread is leaving
// managed code and entering native code, where it cannot touch the heap.
func (t *Thread) EnterNative() {
	atomic.StoreInt32(&t.state, int32(InNative))
}

// ExitNative is the JNI-epilogue transition. Under the CAS mechanism this
// is a direct CAS; if it instead observes IsFrozen, the thread spins until
// the VM operation thread thaws it back to InNative via thawOne. Under the
// fence mechanism it writes InJava, takes a store-load fence (a round trip
// through an atomic load suffices under Go's memory model), and rolls back
// if FROZEN is set.
func (t *Thread) ExitNative() {
	if t.coord.useCAS {
		for {
			if atomic.CompareAndSwapInt32(&t.state, int32(InNative), int32(InJava)) {
				return
			}

			b := newBackoff(t.coord.spinBeforeYield)
			for atomic.LoadInt32(&t.state) == int32(IsFrozen) {
				b.wait()
			}
		}

		return
	}

	atomic.StoreInt32(&t.state, int32(InJava))

	if atomic.LoadInt32(&t.frozen) == 0 {
		return
	}

	atomic.StoreInt32(&t.state, int32(InNative))

	b := newBackoff(t.coord.spinBeforeYield)
	for atomic.LoadInt32(&t.frozen) != 0 {
		b.wait()
	}

	atomic.StoreInt32(&t.state, int32(InJava))
}

// TrapOutcome classifies a memory fault taken while executing a
// safepoint-polling instruction, per spec.md §9's redesign note: the
// per-platform dispatcher that touches real register state should be the
// only code that branches on anything but this value.
type TrapOutcome int

const (
	// RaiseImplicit means the fault was not a safepoint trap at all (a
	// genuine null check, array bounds check, and so on) and should be
	// rethrown as whatever implicit exception it represents.
	RaiseImplicit TrapOutcome = iota
	// HandleSafepoint means the fault was the triggered-locals trap and
	// the accompanying Operation should be run through the blocking
	// protocol below.
	HandleSafepoint
	// FatalInNative means the fault occurred while the thread had already
	// recorded itself as native code, which should never poll a
	// safepoint — a dispatcher bug if observed.
	FatalInNative
)

// ClassifyTrap decides what a fault at faultAddr means for this thread,
// without touching any register state itself.
func (t *Thread) ClassifyTrap(faultAddr uintptr) (TrapOutcome, *Operation) {
	if faultAddr != t.coord.triggered.Addr() || atomic.LoadInt32(&t.latchArmed) == 0 {
		return RaiseImplicit, nil
	}

	if atomic.LoadInt32(&t.state) == int32(InNative) {
		return FatalInNative, nil
	}

	op := t.currentOp.Load()
	if op == nil {
		return RaiseImplicit, nil
	}

	return HandleSafepoint, op
}

// PollSafepoint is the safepoint-polling instruction itself: it checks
// whether a freeze is in progress and, if so, runs the blocking protocol
// documented in spec.md §4.J "Mutator trap handler". In a real runtime
// this runs from the trap handler after a memory-protection fault on the
// triggered-locals page; here it is called directly by mutator code at
// any point it would otherwise poll.
func (t *Thread) PollSafepoint(faultAddr uintptr) {
	outcome, op := t.ClassifyTrap(faultAddr)
	if outcome != HandleSafepoint {
		if outcome == FatalInNative {
			herrors.Fatal(herrors.CategorySafepoint, "POLL_WHILE_NATIVE",
				"safepoint poll observed while thread already in native state", nil)
		}

		return
	}

	if op.DoAtSafepointBeforeBlocking != nil {
		op.DoAtSafepointBeforeBlocking(t)
	}

	atomic.StoreInt32(&t.state, int32(InNative))

	// Blocks until the VM operation thread releases the thread-map lock at
	// thaw; this is the actual suspension mechanism, not a real memory
	// fault, in this library's simulation of the trap handler.
	t.coord.mapLock.Lock()
	t.coord.mapLock.Unlock()

	atomic.StoreInt32(&t.state, int32(InJava))

	if op.DoAtSafepointAfterBlocking != nil {
		op.DoAtSafepointAfterBlocking(t)
	}
}

// Coordinator owns the set of registered mutator threads, the global
// thread-map lock, and the triggered-locals page every freeze arms.
type Coordinator struct {
	mapLock sync.Mutex // the "thread-map lock"; held by the VM operation thread for an operation's full duration

	threadsMu sync.Mutex
	threads   []*Thread

	triggered       *osmem.TriggeredPage
	useCAS          bool
	spinBeforeYield int
}

// NewCoordinator creates a coordinator. useCAS selects the CAS mechanism
// (spec.md's recommended default) over the fence mechanism;
// spinBeforeYield is the number of yielding iterations the graduated
// backoff makes before it starts sleeping while waiting for a thread to
// freeze.
func NewCoordinator(useCAS bool, spinBeforeYield int) (*Coordinator, error) {
	page, err := osmem.NewTriggeredPage()
	if err != nil {
		return nil, err
	}

	return &Coordinator{triggered: page, useCAS: useCAS, spinBeforeYield: spinBeforeYield}, nil
}

// Register creates and tracks a new mutator thread, starting in InJava
// state with its latch disarmed.
func (c *Coordinator) Register() *Thread {
	t := &Thread{coord: c}

	c.threadsMu.Lock()
	c.threads = append(c.threads, t)
	c.threadsMu.Unlock()

	return t
}

// Unregister removes a thread from the coordinator's tracked set (a
// mutator that has exited).
func (c *Coordinator) Unregister(t *Thread) {
	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()

	for i, have := range c.threads {
		if have == t {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) targets(op *Operation) []*Thread {
	if op.Target != nil {
		return []*Thread{op.Target}
	}

	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()

	out := make([]*Thread, len(c.threads))
	copy(out, c.threads)

	return out
}

// Submit runs op as a top-level operation: it acquires the thread-map
// lock for the duration of freeze, doIt, and thaw. The calling goroutine
// must not already be running inside another operation's doIt — use
// SubmitNested for that case.
func (c *Coordinator) Submit(op *Operation) error {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	return c.run(op)
}

// SubmitNested runs op from within an enclosing operation's doIt
// callback, on the same goroutine and therefore already holding the
// thread-map lock. enclosing must have AllowNested set, and op's targets
// must already be frozen (freeze/thaw for them is then a no-op), per
// spec.md §4.J "Scheduling".
func (c *Coordinator) SubmitNested(enclosing *Operation, op *Operation) error {
	if !enclosing.AllowNested {
		herrors.Fatal(herrors.CategorySafepoint, "NESTED_NOT_ALLOWED",
			"enclosing VM operation does not permit nested operations", map[string]interface{}{"operation": enclosing.Name})
	}

	for _, t := range c.targets(op) {
		if !t.IsFrozen() {
			herrors.Fatal(herrors.CategorySafepoint, "NESTED_TARGET_NOT_FROZEN",
				"nested operation targets a thread the enclosing operation has not frozen",
				map[string]interface{}{"operation": op.Name})
		}
	}

	return c.run(op)
}

// run executes the freeze/doIt/thaw sequence. The caller must already
// hold mapLock (directly via Submit, or transitively via SubmitNested).
func (c *Coordinator) run(op *Operation) error {
	targets := c.targets(op)

	for _, t := range targets {
		if t.IsFrozen() {
			continue // already frozen by an enclosing operation
		}

		c.freezeOne(t, op)
	}

	if op.DoAfterFrozen != nil {
		op.DoAfterFrozen()
	}

	for _, t := range targets {
		if op.DoThread != nil {
			op.DoThread(t, t.ip, t.sp, t.fp)
		}
	}

	err := op.DoIt()

	for _, t := range targets {
		if op.DoBeforeThawingThread != nil {
			op.DoBeforeThawingThread(t)
		}

		c.thawOne(t)
	}

	return err
}

// freezeOne runs the three-step freeze sequence of spec.md §4.J against a
// single target, blocking until it observes the thread frozen.
func (c *Coordinator) freezeOne(t *Thread, op *Operation) {
	atomic.StoreInt32(&t.latchArmed, 1)
	t.currentOp.Store(op)

	if c.useCAS {
		b := newBackoff(c.spinBeforeYield)

		for !atomic.CompareAndSwapInt32(&t.state, int32(InNative), int32(IsFrozen)) {
			b.wait()
		}

		return
	}

	atomic.StoreInt32(&t.frozen, 1)

	b := newBackoff(c.spinBeforeYield)
	for atomic.LoadInt32(&t.state) != int32(InNative) {
		b.wait()
	}
}

// thawOne resets a single target's latch, clears its operation pointer,
// and transitions it back to a runnable state.
func (c *Coordinator) thawOne(t *Thread) {
	atomic.StoreInt32(&t.latchArmed, 0)
	t.currentOp.Store(nil)

	if c.useCAS {
		atomic.StoreInt32(&t.state, int32(InNative))
	} else {
		atomic.StoreInt32(&t.frozen, 0)
	}
}
