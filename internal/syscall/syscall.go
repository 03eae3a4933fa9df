// Package syscall implements the trap and dispatch table spec.md §4.G
// describes: a single software-interrupt gate at vector 0x80, the
// classic IA-32 Linux register ABI (number in EAX, arguments in EBX,
// ECX, EDX, ESI, EDI, return in EAX), and a fixed dispatch table with
// no side effect on an out-of-range or missing number. Grounded on
// internal/arch/x86/idt.go's SetSyscallHandler/Frame plumbing, which
// already does the trampoline's "save context, call Dispatch, return
// via IRETD" duties for every vector; this package supplies only the
// vector-0x80 handler and the table behind it.
package syscall

import (
	"github.com/aionhq/aioncore/internal/arch/x86"
	"github.com/aionhq/aioncore/internal/sched"
	"github.com/aionhq/aioncore/internal/task"
)

// MaxSyscalls bounds the dispatch table (spec.md §4.G/§6: "Maximum 256
// numbers").
const MaxSyscalls = 256

// ENOSYS is the error the dispatcher returns for an out-of-range or
// unregistered syscall number (spec.md §4.G/§6: "-ENOSYS = -38").
const ENOSYS int32 = -38

// Handler is a syscall implementation: five raw argument words in,
// one raw return value out, following the ABI verbatim rather than a
// Go-idiomatic signature, since the value is written directly into
// the saved EAX slot of the trapped frame.
type Handler func(a0, a1, a2, a3, a4 uint32) int32

var table [MaxSyscalls]Handler

// Register installs handler at num. Bring-up (or a later driver) calls
// this to add syscalls beyond the baseline four; numbers outside
// [0, MaxSyscalls) are silently ignored.
func Register(num int, h Handler) {
	if num < 0 || num >= MaxSyscalls {
		return
	}
	table[num] = h
}

func init() {
	table[1] = sysExit
	table[2] = sysYield
	table[3] = sysGetpid
	table[4] = sysSleepUs
}

// Dispatch implements spec.md §4.G's dispatcher contract: numbers at
// or beyond MaxSyscalls or missing entries return ENOSYS with no side
// effect; a present entry is invoked with the five arguments and its
// return value is propagated verbatim. No logging in the hot path.
func Dispatch(num uint32, a0, a1, a2, a3, a4 uint32) int32 {
	if num >= MaxSyscalls {
		return ENOSYS
	}
	h := table[num]
	if h == nil {
		return ENOSYS
	}
	return h(a0, a1, a2, a3, a4)
}

// Handle is the trap entry point wired via x86's IDT.SetSyscallHandler.
// It implements the trampoline's register half of spec.md §4.G:
// extract (num, arg0..4) from the already-saved frame, dispatch, write
// the result back to the saved EAX slot. The privilege-return itself
// is the shared IRETD path every vector's assembly trampoline already
// performs after Dispatch returns (internal/arch/x86/asm_vectors_386.s).
func Handle(frame *x86.Frame) {
	frame.EAX = uint32(Dispatch(frame.EAX, frame.EBX, frame.ECX, frame.EDX, frame.ESI, frame.EDI))
}

// sysExit implements syscall 1: mark the current task zombie and yield
// to the scheduler. Never returns to its caller in the real system
// (schedule() switches away); task.Exit already calls the scheduler's
// exit hook, so control does not come back here.
func sysExit(code, _, _, _, _ uint32) int32 {
	task.Exit(int32(code))
	return 0
}

// sysYield implements syscall 2: an explicit reschedule point.
func sysYield(_, _, _, _, _ uint32) int32 {
	sched.Schedule()
	return 0
}

// sysGetpid implements syscall 3: the current task's id, or -1 if
// there is no current task (spec.md §4.G: "or -1 if unset").
func sysGetpid(_, _, _, _, _ uint32) int32 {
	cur := task.Current()
	if cur == nil {
		return -1
	}
	return int32(cur.ID)
}

// sysSleepUs implements syscall 4: documented as unimplemented in the
// baseline (spec.md §4.G/§6).
func sysSleepUs(_, _, _, _, _ uint32) int32 {
	return ENOSYS
}
