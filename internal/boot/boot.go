// Package boot implements the bring-up sequence spec.md §4.H fixes in
// strict order, plus the fatal-error path (spec.md §7) that every step
// past console init reports through. It lives apart from internal/kernel
// (which only holds the shared *Error sentinel every subsystem below it
// depends on) so that depending on the whole subsystem graph here does
// not create an import cycle back through internal/kernel.
package boot

import (
	"unsafe"

	"github.com/aionhq/aioncore/internal/arch/x86"
	"github.com/aionhq/aioncore/internal/console"
	"github.com/aionhq/aioncore/internal/kfmt"
	"github.com/aionhq/aioncore/internal/mem/pmm"
	"github.com/aionhq/aioncore/internal/mem/vmm"
	"github.com/aionhq/aioncore/internal/multiboot"
	"github.com/aionhq/aioncore/internal/sched"
	"github.com/aionhq/aioncore/internal/syscall"
	"github.com/aionhq/aioncore/internal/task"
	"github.com/aionhq/aioncore/internal/timer"
)

// kernelImageStart/kernelImageEnd alias the linker-placed boundary symbols
// declared in asm_386.s; only their addresses are meaningful.
//
//go:linkname kernelImageStart kernel_image_start
var kernelImageStart byte

//go:linkname kernelImageEnd kernel_image_end
var kernelImageEnd byte

func kernelImageBounds() (start, end uint32) {
	return uint32(uintptr(unsafe.Pointer(&kernelImageStart))), uint32(uintptr(unsafe.Pointer(&kernelImageEnd)))
}

// TickHz is the frequency the PIT drives the scheduler tick at (spec.md
// §4.D/§4.H).
const TickHz = 100

// idlePriority is the lowest priority in the scheduler, reserved for the
// always-ready idle task (spec.md §4.F).
const idlePriority = sched.IdlePriority

var gdt x86.GDT
var idt x86.IDT

// Boot runs the bring-up sequence spec.md §4.H fixes in strict order,
// from the two values the boot contract (spec.md §6) hands the kernel
// entry point. It never returns on success: the final step yields into
// the scheduler and the calling assembly trampoline is abandoned.
func Boot(magic, descriptorAddr uint32) {
	// 1. Segment descriptors + TSS.
	gdt.Init()
	x86.SetCurrentGDT(&gdt)

	// 2. IDT, vector stubs, PIC remap.
	idt.Init()
	idt.InstallAllTrampolines()
	x86.SetCurrent(&idt)
	x86.RemapPIC()
	InstallPanicHandler()

	// 3. Per-CPU structures: nothing beyond the GDT/TSS this is a
	// single-CPU kernel (spec.md Non-goals: no SMP).

	// 4. Console sinks.
	console.Default.Register(console.NewVGAText())
	kfmt.SetOutput(&console.Default)
	kfmt.Printf("[boot] console online\n")

	// 5. Timer init + calibration.
	timer.SetTickFrequency(TickHz)
	hz, ok := timer.Calibrate(TickHz)
	if !ok {
		Panic("timer", "calibrated frequency out of sanity band")
	}
	kfmt.Printf("[timer] calibrated at %d Hz\n", hz)
	idt.SetIRQHandler(0, func(frame *x86.Frame) {
		timer.Tick(func() { sched.Tick() })
	})

	// 6. Frame allocator, from the boot descriptor.
	info := decodeMultibootInfo(magic, descriptorAddr)
	kernelStart, kernelEnd := kernelImageBounds()
	pmm.Default.Init(magic, info, kernelStart, kernelEnd, func(s string) {
		kfmt.Printf("[pmm] %s\n", s)
	})
	if !pmm.Default.Initialized() {
		Panic("pmm", "frame allocator failed to initialize from boot descriptor")
	}

	// 7. VMM: wire the allocator first, then build the kernel address
	// space and enable paging.
	vmm.SetFrameAllocator(pmm.Default.Alloc, pmm.Default.Free)
	if err := vmm.Init(); err != nil {
		Panic("vmm", err.Error())
	}
	kfmt.Printf("[vmm] kernel address space mapped, paging enabled\n")

	// 8. Task subsystem: frame allocator + idle task.
	task.SetFrameAllocator(pmm.Default.Alloc, pmm.Default.Free)
	idleTask, err := task.NewKernelTask("idle", idlePriority, idleLoop, 0)
	if err != nil {
		Panic("task", err.Error())
	}

	// 9. Scheduler.
	sched.Init(idleTask)
	task.SetExitHook(sched.Schedule)

	// 10. Syscall gate.
	idt.SetSyscallHandler(syscall.Handle)

	// 11. Initial tasks: a single kernel task that announces bring-up is
	// complete and exits, leaving only idle runnable. Real workloads are
	// loaded by whatever calls Boot.
	initTask, err := task.NewKernelTask("init", idlePriority+1, initTaskEntry, 0)
	if err != nil {
		Panic("task", err.Error())
	}
	sched.Enqueue(initTask)

	// 12. Enable interrupts.
	x86.Sti()

	// 13. Yield to the scheduler; Boot never returns past this point.
	sched.Schedule()
	x86.HaltLoop()
}

// initTaskEntry is the first task the scheduler runs after bring-up.
func initTaskEntry(arg uintptr) {
	kfmt.Printf("[boot] bring-up complete\n")
	task.Exit(0)
}

// idleLoop is the idle task's entire body: halt until the next interrupt,
// forever (spec.md §4.F: "idle task ... always ready, runs only when no
// other task is").
func idleLoop(arg uintptr) {
	for {
		x86.Sti()
		x86.HaltLoop()
	}
}

// decodeMultibootInfo reinterprets the descriptor address the bootloader
// handed the kernel as a *multiboot.Info, or returns nil if magic doesn't
// match (pmm.Init's own fallback then takes over, spec.md §4.A).
func decodeMultibootInfo(magic, addr uint32) *multiboot.Info {
	if magic != multiboot.Magic {
		return nil
	}
	return (*multiboot.Info)(unsafe.Pointer(uintptr(addr)))
}
