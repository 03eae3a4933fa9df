// Package task implements the task control block and dual-mode context
// switch spec.md §4.E describes. Task pool storage follows the fixed-
// array, bitmap-indexed style the rest of this core uses for process-
// wide structures (internal/mem/pmm's bitmap, internal/arch/x86's
// fixed-size IDT/GDT arrays) rather than a dynamically-growing slice,
// since there is no heap allocator (ambient-stack Non-goal) and the
// task count is bounded in the baseline anyway.
package task

import (
	"math/bits"
	"unsafe"

	"github.com/aionhq/aioncore/internal/arch/x86"
	"github.com/aionhq/aioncore/internal/kernel"
	"github.com/aionhq/aioncore/internal/kstring"
	"github.com/aionhq/aioncore/internal/mem/vmm"
)

// MaxTasks bounds the static task pool.
const MaxTasks = 256

// KernelStackSize is the fixed baseline kernel stack spec.md §4.E names
// ("one frame for the kernel stack (fixed 4 KiB in baseline)").
const KernelStackSize = 4096

// User memory layout constants spec.md §6/§4.E fix.
const (
	UserCodeBase = 0x00400000
	UserStackTop = 0xC0000000
)

// State is the task lifecycle spec.md §3 names.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Context is the saved CPU context spec.md §3 names: callee-saved GPRs,
// stack pointer, instruction pointer, segment selectors, flags. Field
// order is load-bearing: asm_386.s's taskSwitchKernel/taskEnterUser
// address these by fixed byte offset, not by name.
type Context struct {
	EBX, ESI, EDI, EBP uint32
	ESP                uint32
	EIP                uint32
	CS, DS             uint32
	EFlags             uint32
}

const flagsInterruptEnable = 1 << 9 // EFLAGS.IF

// TCB is the task control block spec.md §3 describes.
type TCB struct {
	ID       uint32
	Name     string
	State    State
	Priority uint8

	Context Context
	Space   *vmm.Handle

	kernelStack     []byte
	kernelStackBase uintptr
	cbFrame         uint64 // accounting-only frame for "the control block" (spec.md §4.E step 1)

	CPUTicks    uint64
	LastRunTick uint64
	ExitCode    int32

	inUse bool

	// Prev/Next link the task into its priority queue (internal/sched).
	// Queued records whether those links are live, so the scheduler can
	// confirm or drop membership in O(1) instead of walking the queue.
	Prev, Next *TCB
	Queued     bool
}

// pool is the fixed-size task table; freeBitmap tracks occupied slots
// using the same TrailingZeros64 idiom internal/mem/pmm's frame
// allocator uses.
var (
	pool       [MaxTasks]TCB
	freeBitmap [MaxTasks / 64]uint64
	nextID     uint32
)

var (
	ErrNoFrames  = &kernel.Error{Module: "task", Message: "frame allocator exhausted while creating a task"}
	ErrPoolFull  = &kernel.Error{Module: "task", Message: "task pool exhausted"}
	ErrMapFailed = &kernel.Error{Module: "task", Message: "failed to map user code or stack"}
)

// frameAllocFn/frameFreeFn mirror the vmm package's test seam: bring-up
// wires pmm.Default.Alloc/Free; tests substitute a bump allocator.
var (
	frameAllocFn func() uint64
	frameFreeFn  func(uint64)
)

// SetFrameAllocator installs the frame source kernel-stack and
// control-block accounting frames come from.
func SetFrameAllocator(alloc func() uint64, free func(uint64)) {
	frameAllocFn = alloc
	frameFreeFn = free
}

func allocSlot() *TCB {
	for i := range freeBitmap {
		w := freeBitmap[i]
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		idx := i*64 + bit
		if idx >= MaxTasks {
			continue
		}
		freeBitmap[i] |= 1 << uint(bit)
		return &pool[idx]
	}
	return nil
}

func freeSlot(t *TCB) {
	for i := range pool {
		if &pool[i] == t {
			freeBitmap[i/64] &^= 1 << uint(i%64)
			return
		}
	}
}

// EntryFunc is a kernel-thread entry point.
type EntryFunc func(arg uintptr)

// taskSwitchKernel/taskEnterUser/taskTrampoline are implemented in
// asm_386.s; go:linkname attaches them to distinct asm-local symbol
// names, the same convention internal/arch/x86's primitives use.

//go:linkname taskSwitchKernel task_switch_kernel
//go:nosplit
func taskSwitchKernel(save, load *Context)

//go:linkname taskEnterUser task_enter_user
//go:nosplit
func taskEnterUser(load *Context)

//go:linkname taskTrampoline task_trampoline
func taskTrampoline()

// currentTCB is the single running task on this (the only) CPU.
var currentTCB *TCB

// Current returns the task presently marked Running.
func Current() *TCB { return currentTCB }

// exitHook lets internal/sched install the real scheduling decision
// task_exit makes (spec.md §4.E: "marks the current task zombie ...
// and calls schedule()"); task cannot import sched directly (sched
// imports task for TCB), so the hook is set once at bring-up, the same
// pattern internal/arch/x86's IDT uses for its scheduler hooks.
var exitHook func()

// SetExitHook installs the scheduler's reschedule entry point.
func SetExitHook(fn func()) { exitHook = fn }

// Exit marks the current task zombie, records its exit code, and
// invokes the scheduler (spec.md §4.E task_exit()). The scheduler
// reclaims zombie frames on its next encounter with this task.
func Exit(code int32) {
	if currentTCB != nil {
		currentTCB.State = Zombie
		currentTCB.ExitCode = code
	}
	if exitHook != nil {
		exitHook()
	}
}

//go:nosplit
func taskExitTrampoline() { Exit(0) }

// NewKernelTask builds a kernel-thread TCB per spec.md §4.E's "Task
// creation (kernel thread)" steps: allocate a control-block frame,
// allocate a kernel stack frame, construct the synthetic activation
// frame for taskTrampoline, and populate the saved context with
// interrupts enabled and kernel selectors.
func NewKernelTask(name string, priority uint8, entry EntryFunc, arg uintptr) (*TCB, *kernel.Error) {
	cbFrame := frameAllocFn()
	if cbFrame == 0 {
		return nil, ErrNoFrames
	}
	stackFrame := frameAllocFn()
	if stackFrame == 0 {
		frameFreeFn(cbFrame)
		return nil, ErrNoFrames
	}

	t := allocSlot()
	if t == nil {
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		return nil, ErrPoolFull
	}

	stack := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(stackFrame))), KernelStackSize)
	kstring.Memset(uintptr(stackFrame), 0, KernelStackSize)

	top := uintptr(stackFrame) + KernelStackSize
	entryPC := funcAddr(taskTrampoline)

	// Synthetic activation frame: [top-4]=arg, [top-8]=entry fn pointer,
	// matching what taskTrampoline (asm_386.s) pops on first run.
	sp := top - 8
	*(*uintptr)(unsafe.Pointer(sp)) = entryFnPtr(entry)
	*(*uintptr)(unsafe.Pointer(sp + 4)) = arg

	nextID++
	*t = TCB{
		ID:              nextID,
		Name:            name,
		State:           Ready,
		Priority:        priority,
		kernelStack:     stack,
		kernelStackBase: top,
		cbFrame:         cbFrame,
		Space:           vmm.KernelSpace(),
		inUse:           true,
		Context: Context{
			ESP:    uint32(sp),
			EIP:    uint32(entryPC),
			CS:     uint32(x86.SelKernelCode),
			DS:     uint32(x86.SelKernelData),
			EFlags: flagsInterruptEnable,
		},
	}
	return t, nil
}

// NewUserTask builds a ring-3 TCB per spec.md §4.E's "Task creation
// (user task)" steps: control-block and kernel-stack frames as above,
// plus a user code frame and a user stack frame mapped at
// UserCodeBase/UserStackTop with {present, writable, user}, with the
// program image copied into the mapped code region.
func NewUserTask(name string, priority uint8, program []byte) (*TCB, *kernel.Error) {
	cbFrame := frameAllocFn()
	if cbFrame == 0 {
		return nil, ErrNoFrames
	}
	stackFrame := frameAllocFn()
	if stackFrame == 0 {
		frameFreeFn(cbFrame)
		return nil, ErrNoFrames
	}
	codeFrame := frameAllocFn()
	if codeFrame == 0 {
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		return nil, ErrNoFrames
	}
	userStackFrame := frameAllocFn()
	if userStackFrame == 0 {
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		frameFreeFn(codeFrame)
		return nil, ErrNoFrames
	}

	space, err := vmm.CreateAddressSpace()
	if err != nil {
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		frameFreeFn(codeFrame)
		frameFreeFn(userStackFrame)
		return nil, err
	}

	userFlags := vmm.Present | vmm.Writable | vmm.User
	if err := vmm.Map(space, uint32(codeFrame), UserCodeBase, userFlags); err != nil {
		vmm.Destroy(space)
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		frameFreeFn(codeFrame)
		frameFreeFn(userStackFrame)
		return nil, ErrMapFailed
	}
	userStackPage := uint32(UserStackTop) - vmm.PageSize
	if err := vmm.Map(space, uint32(userStackFrame), userStackPage, userFlags); err != nil {
		vmm.Destroy(space)
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		frameFreeFn(codeFrame)
		frameFreeFn(userStackFrame)
		return nil, ErrMapFailed
	}

	codeDst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(codeFrame))), vmm.PageSize)
	copy(codeDst, program)

	t := allocSlot()
	if t == nil {
		frameFreeFn(cbFrame)
		frameFreeFn(stackFrame)
		frameFreeFn(codeFrame)
		frameFreeFn(userStackFrame)
		return nil, ErrPoolFull
	}

	stack := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(stackFrame))), KernelStackSize)
	top := uintptr(stackFrame) + KernelStackSize

	nextID++
	*t = TCB{
		ID:              nextID,
		Name:            name,
		State:           Ready,
		Priority:        priority,
		kernelStack:     stack,
		kernelStackBase: top,
		cbFrame:         cbFrame,
		Space:           space,
		inUse:           true,
		Context: Context{
			ESP:    UserStackTop,
			EIP:    UserCodeBase,
			CS:     uint32(x86.SelUserCode),
			DS:     uint32(x86.SelUserData),
			EFlags: flagsInterruptEnable,
		},
	}
	return t, nil
}

// Destroy releases a zombie task's frames back to the allocator and its
// slot to the pool. The caller (scheduler) must ensure the task is not
// current and not linked into any queue.
func Destroy(t *TCB) {
	if t == nil || !t.inUse {
		return
	}
	frameFreeFn(t.cbFrame)
	frameFreeFn(uint64(uintptr(unsafe.Pointer(&t.kernelStack[0]))))
	if t.Space != vmm.KernelSpace() {
		vmm.Destroy(t.Space)
	}
	t.inUse = false
	freeSlot(t)
}

// SwitchTo performs the context switch spec.md §4.E specifies, selecting
// the path by inspecting the incoming task's saved code-segment
// privilege bits. The TSS ring-0 stack pointer is refreshed before any
// switch that may later take an interrupt in user mode, and interrupts
// are disabled across the critical section (spec.md §4.E invariants).
func SwitchTo(next *TCB) {
	flags := x86.SaveFlags()
	x86.Cli()

	prev := currentTCB
	next.State = Running
	currentTCB = next

	if g := x86.CurrentGDT(); g != nil {
		g.SetKernelStack(uint32(next.kernelStackBase))
	}

	if next.Space != nil {
		vmm.SwitchTo(next.Space)
	}

	userTarget := (next.Context.CS & 0x3) == 3

	if prev == nil {
		if userTarget {
			x86.RestoreFlags(flags)
			taskEnterUser(&next.Context)
			return
		}
		var dummy Context
		x86.RestoreFlags(flags)
		taskSwitchKernel(&dummy, &next.Context)
		return
	}

	if userTarget {
		x86.RestoreFlags(flags)
		taskEnterUser(&next.Context)
		return
	}

	x86.RestoreFlags(flags)
	taskSwitchKernel(&prev.Context, &next.Context)
}

// entryFnPtr extracts the code pointer backing a non-closure EntryFunc
// value for storage in the synthetic activation frame. EntryFunc values
// created from a plain top-level or method-less function literal carry
// no captured state, so the first word of the func value is its entry
// point.
func entryFnPtr(fn EntryFunc) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// funcAddr returns the entry address of a nosplit, no-argument function
// value the same way entryFnPtr does for EntryFunc.
func funcAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
