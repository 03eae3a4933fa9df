package x86

import _ "unsafe" // for go:linkname

// Cli disables maskable interrupts.
//
//go:linkname Cli x86_cli
//go:nosplit
func Cli()

// Sti enables maskable interrupts.
//
//go:linkname Sti x86_sti
//go:nosplit
func Sti()

// Hlt halts the CPU until the next interrupt.
//
//go:linkname Hlt x86_hlt
//go:nosplit
func Hlt()

// SaveFlags returns the current EFLAGS value, for the save/disable/restore
// pattern §5 requires around every critical section ("mutual exclusion ...
// is obtained by disabling interrupts around critical sections").
//
//go:linkname SaveFlags x86_save_flags
//go:nosplit
func SaveFlags() uint32

// RestoreFlags writes flags back to EFLAGS (including the interrupt-enable
// bit), completing the save/disable/restore pattern.
//
//go:linkname RestoreFlags x86_restore_flags
//go:nosplit
func RestoreFlags(flags uint32)

// ReadCR3 returns the current page-directory base register.
//
//go:linkname ReadCR3 x86_read_cr3
//go:nosplit
func ReadCR3() uint32

// WriteCR3 loads a new page-directory base, implicitly flushing the entire
// TLB (spec.md §4.B switch_to / §5 "address-space switch implicitly
// flushes the TLB via the base-register write").
//
//go:linkname WriteCR3 x86_write_cr3
//go:nosplit
func WriteCR3(phys uint32)

// Invlpg invalidates a single virtual address's TLB entry.
//
//go:linkname Invlpg x86_invlpg
//go:nosplit
func Invlpg(virt uint32)

// EnablePaging sets CR0.PG, turning on paging. Must only be called after
// WriteCR3 has been given a valid page directory (spec.md §4.B init order).
//
//go:linkname EnablePaging x86_enable_paging
//go:nosplit
func EnablePaging()

// Rdtsc reads the CPU cycle counter (spec.md §4.D read_cycles).
//
//go:linkname Rdtsc x86_rdtsc
//go:nosplit
func Rdtsc() uint64

// CriticalSection disables interrupts, runs fn, then restores the prior
// interrupt-enable state. It wraps SaveFlags/Cli/RestoreFlags in one call;
// internal/sched and internal/task call those three directly rather than
// going through it.
func CriticalSection(fn func()) {
	flags := SaveFlags()
	Cli()
	fn()
	RestoreFlags(flags)
}

// HaltLoop spins on Hlt forever. Used by the idle task and by the panic
// path (spec.md §7: panic "halts in a loop").
func HaltLoop() {
	for {
		Hlt()
	}
}
