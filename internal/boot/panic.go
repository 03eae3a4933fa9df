package boot

import (
	"github.com/aionhq/aioncore/internal/arch/x86"
	"github.com/aionhq/aioncore/internal/console"
	"github.com/aionhq/aioncore/internal/kfmt"
)

// panicColorFg/panicColorBg are the VGA attribute colours the panic
// banner pins the screen to before halting (spec.md §7: "the screen is
// coloured and the message is pinned before the halt loop").
const (
	panicColorFg = 15 // bright white
	panicColorBg = 4  // red
)

// Panic implements the fatal path spec.md §7 describes for every
// condition the taxonomy marks Fatal: disable interrupts, write a
// banner to every console sink, and halt in a loop. It never returns.
func Panic(subsystem, message string) {
	x86.Cli()
	console.Default.SetColor(panicColorFg, panicColorBg)
	kfmt.Printf("\n[%s] PANIC: %s\n", subsystem, message)
	x86.HaltLoop()
}

// panicException is wired to internal/arch/x86's unhandled-exception
// hook (spec.md §4.C: "otherwise log registers and halt with a panic").
// It prints the full Frame spec.md §3 names as the registers to log.
func panicException(frame *x86.Frame) {
	x86.Cli()
	console.Default.SetColor(panicColorFg, panicColorBg)
	kfmt.Printf("\n[kernel] PANIC: unhandled exception vector=%d err=0x%x\n", frame.IntNo, frame.ErrCode)
	kfmt.Printf("  eip=0x%x cs=0x%x eflags=0x%x\n", frame.EIP, frame.CS, frame.EFlags)
	kfmt.Printf("  eax=0x%x ebx=0x%x ecx=0x%x edx=0x%x\n", frame.EAX, frame.EBX, frame.ECX, frame.EDX)
	kfmt.Printf("  esi=0x%x edi=0x%x ebp=0x%x\n", frame.ESI, frame.EDI, frame.EBP)
	if frame.HasPrivilegeChange() {
		kfmt.Printf("  user_esp=0x%x user_ss=0x%x\n", frame.UserESP, frame.UserSS)
	}
	x86.HaltLoop()
}

// InstallPanicHandler wires panicException as the handler for every CPU
// exception vector with no registered handler (spec.md §4.C dispatcher
// rule). Bring-up calls this once, after the IDT is installed.
func InstallPanicHandler() {
	x86.SetUnhandledExceptionHook(panicException)
}
