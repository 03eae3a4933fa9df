package sched

import (
	"testing"
	"unsafe"

	"github.com/aionhq/aioncore/internal/task"
)

// withTestSeams disables the real CLI/STI/PUSHF-POPF and context-switch
// primitives so tests exercise scheduler.go's state machine without
// touching hardware, the same seam discipline vmm_test.go and
// timer_test.go use.
var lastSwitchedTo *task.TCB

func withTestSeams(t *testing.T) *task.TCB {
	t.Helper()

	savedSave, savedRestore, savedSwitch := saveAndDisableFn, restoreFn, switchToFn
	t.Cleanup(func() {
		saveAndDisableFn, restoreFn, switchToFn = savedSave, savedRestore, savedSwitch
	})
	saveAndDisableFn = func() uint32 { return 0 }
	restoreFn = func(uint32) {}

	lastSwitchedTo = nil
	switchToFn = func(next *task.TCB) { lastSwitchedTo = next }

	idle := &task.TCB{Name: "idle", Priority: IdlePriority}
	Init(idle)
	return idle
}

func lastSwitch() *task.TCB { return lastSwitchedTo }

func newReadyTask(name string, priority uint8) *task.TCB {
	return &task.TCB{Name: name, Priority: priority, State: task.Ready}
}

func TestInitMakesIdleTaskReadyAndSentinelCurrent(t *testing.T) {
	idle := withTestSeams(t)
	if Current() != &bootstrapSentinel {
		t.Fatalf("Current() = %q, want bootstrap sentinel until first Schedule", Current().Name)
	}
	if idle.State != task.Ready {
		t.Fatalf("idle.State = %v, want Ready", idle.State)
	}
	if pickNext() != idle {
		t.Fatal("pickNext() did not return the idle task with nothing else enqueued")
	}
}

func TestEnqueueRequiresReadyState(t *testing.T) {
	withTestSeams(t)
	blocked := &task.TCB{Name: "blocked", Priority: 10, State: task.Blocked}
	Enqueue(blocked)
	if pickNext().Name == "blocked" {
		t.Fatal("Enqueue admitted a non-ready task")
	}
}

func TestPickNextPrefersHigherPriority(t *testing.T) {
	withTestSeams(t)
	low := newReadyTask("low", 10)
	high := newReadyTask("high", 200)
	Enqueue(low)
	Enqueue(high)

	if got := pickNext(); got != high {
		t.Fatalf("pickNext() = %q, want high-priority task", got.Name)
	}
}

func TestPickNextIsFIFOWithinPriority(t *testing.T) {
	withTestSeams(t)
	a := newReadyTask("a", 50)
	b := newReadyTask("b", 50)
	Enqueue(a)
	Enqueue(b)

	if got := pickNext(); got != a {
		t.Fatalf("pickNext() = %q, want a (FIFO head)", got.Name)
	}
	Dequeue(a)
	if got := pickNext(); got != b {
		t.Fatalf("pickNext() after dequeuing a = %q, want b", got.Name)
	}
}

func TestDequeueClearsBitmapWhenQueueEmpties(t *testing.T) {
	withTestSeams(t)
	solo := newReadyTask("solo", 77)
	Enqueue(solo)
	Dequeue(solo)

	if got := pickNext(); got.Name != "idle" {
		t.Fatalf("pickNext() after draining priority 77 = %q, want idle", got.Name)
	}
}

func TestDequeueNonMemberIsNoOp(t *testing.T) {
	withTestSeams(t)
	stray := newReadyTask("stray", 5)
	Dequeue(stray) // must not panic, must not touch bitmap for other priorities
	if pickNext().Name != "idle" {
		t.Fatal("Dequeue on a non-member task corrupted scheduler state")
	}
}

func TestDequeueTwiceIsNoOpAndLeavesQueueConsistent(t *testing.T) {
	withTestSeams(t)
	a := newReadyTask("a", 20)
	b := newReadyTask("b", 20)
	Enqueue(a)
	Enqueue(b)

	Dequeue(a)
	if a.Queued {
		t.Fatal("Dequeue did not clear Queued")
	}
	Dequeue(a) // already unlinked: must be a no-op, not re-touch b's links
	if got := pickNext(); got != b {
		t.Fatalf("pickNext() = %q, want b after a double-dequeued", got.Name)
	}
}

func TestTickSetsNeedReschedWhenPeerIsReady(t *testing.T) {
	withTestSeams(t)
	current := &task.TCB{Name: "current", Priority: 30, State: task.Running}
	peer := newReadyTask("peer", 30)

	s.current = current
	Enqueue(peer)

	if Tick() != true {
		t.Fatal("Tick() did not request a reschedule with a same-priority peer ready")
	}
	if current.CPUTicks != 1 {
		t.Fatalf("current.CPUTicks = %d, want 1", current.CPUTicks)
	}
}

func TestTickLeavesNeedReschedClearWithNoPeer(t *testing.T) {
	withTestSeams(t)
	current := &task.TCB{Name: "current", Priority: 30, State: task.Running}
	s.current = current

	if Tick() {
		t.Fatal("Tick() requested a reschedule with no ready peer")
	}
}

func TestScheduleNoOpWhenNextIsCurrent(t *testing.T) {
	idle := withTestSeams(t)
	s.current = idle
	s.needResched = true

	Schedule()

	if NeedResched() {
		t.Fatal("Schedule() left need_resched set on a no-op reschedule")
	}
	if lastSwitch() != nil {
		t.Fatal("Schedule() performed a context switch when next == current")
	}
}

func TestScheduleTransitionsRunningToReadyAndEnqueues(t *testing.T) {
	withTestSeams(t)
	running := &task.TCB{Name: "running", Priority: 40, State: task.Running}
	waiting := newReadyTask("waiting", 90)

	s.current = running
	Enqueue(waiting)

	Schedule()

	if running.State != task.Ready {
		t.Fatalf("previous running task State = %v, want Ready", running.State)
	}
	if Current() != waiting {
		t.Fatalf("Current() = %q, want waiting", Current().Name)
	}
	if waiting.State != task.Running {
		t.Fatalf("new current task State = %v, want Running", waiting.State)
	}
	if lastSwitch() != waiting {
		t.Fatal("Schedule() did not invoke the context switch with the new task")
	}
	if pickNext() != running {
		t.Fatalf("the demoted task was not re-enqueued: pickNext() = %q", pickNext().Name)
	}
}

// zombieBumpArena backs task.NewKernelTask with real frames so a zombie
// built for the reclamation test has a genuine cbFrame/kernelStack for
// task.Destroy to free, the same arena idiom task_test.go's bumpArena
// uses.
type zombieBumpArena struct {
	mem  []byte
	next int
}

func newZombieBumpArena(frames int) *zombieBumpArena {
	return &zombieBumpArena{mem: make([]byte, frames*4096+4096)}
}

func (a *zombieBumpArena) alloc() uint64 {
	base := uintptr(unsafe.Pointer(&a.mem[0]))
	offset := uintptr(a.next) * 4096
	addr := base + offset
	if rem := addr % 4096; rem != 0 {
		addr += 4096 - rem
		offset = addr - base
	}
	if int(offset)+4096 > len(a.mem) {
		return 0
	}
	a.next = int(offset)/4096 + 1
	return uint64(addr)
}

func (a *zombieBumpArena) free(uint64) {}

func TestScheduleReclaimsZombieOnNextPass(t *testing.T) {
	withTestSeams(t)

	arena := newZombieBumpArena(8)
	task.SetFrameAllocator(arena.alloc, arena.free)
	t.Cleanup(func() { task.SetFrameAllocator(nil, nil) })

	dying, err := task.NewKernelTask("dying", 50, func(uintptr) {}, 0)
	if err != nil {
		t.Fatalf("NewKernelTask failed: %v", err)
	}
	dying.State = task.Zombie

	first := newReadyTask("first", 5)
	second := newReadyTask("second", 5)

	s.current = dying
	Enqueue(first)
	Schedule() // stashes dying as reapable, switches to first

	if Current() != first {
		t.Fatalf("Current() = %q, want first", Current().Name)
	}

	Enqueue(second)
	Schedule() // must reclaim dying before picking second

	if Current() != second {
		t.Fatalf("Current() = %q, want second", Current().Name)
	}
	for p := uint8(0); ; p++ {
		if s.queues[p].head == dying {
			t.Fatal("reclaimed zombie reappeared in a run queue")
		}
		if p == 255 {
			break
		}
	}
}

func TestScheduleLeavesZombieDequeued(t *testing.T) {
	withTestSeams(t)
	zombie := &task.TCB{Name: "zombie", Priority: 60, State: task.Zombie}
	waiting := newReadyTask("waiting", 5)

	s.current = zombie
	Enqueue(waiting)

	Schedule()

	if Current() != waiting {
		t.Fatalf("Current() = %q, want waiting", Current().Name)
	}
	// The zombie must never reappear in any run queue.
	for p := uint8(0); ; p++ {
		if s.queues[p].head == zombie {
			t.Fatal("zombie task was re-enqueued by Schedule()")
		}
		if p == 255 {
			break
		}
	}
}

func TestScheduleIncrementsSwitchCounter(t *testing.T) {
	withTestSeams(t)
	running := &task.TCB{Name: "running", Priority: 1, State: task.Running}
	waiting := newReadyTask("waiting", 200)
	s.current = running
	Enqueue(waiting)

	before := Switches()
	Schedule()
	if Switches() != before+1 {
		t.Fatalf("Switches() = %d, want %d", Switches(), before+1)
	}
}
