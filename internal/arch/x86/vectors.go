package x86

import "unsafe"

// Per-vector entry stubs implemented in asm_vectors_386.s. Declared
// body-less here so Go code can take their address (funcAddr below) and
// hand it to InstallTrampoline; the symbol names match the assembly
// exactly, so no go:linkname indirection is needed for this direction.
func isr0()
func isr1()
func isr2()
func isr3()
func isr4()
func isr5()
func isr6()
func isr7()
func isr8()
func isr9()
func isr10()
func isr11()
func isr12()
func isr13()
func isr14()
func isr15()
func isr16()
func isr17()
func isr18()
func isr19()
func isr20()
func isr21()
func isr22()
func isr23()
func isr24()
func isr25()
func isr26()
func isr27()
func isr28()
func isr29()
func isr30()
func isr31()
func irq0()
func irq1()
func irq2()
func irq3()
func irq4()
func irq5()
func irq6()
func irq7()
func irq8()
func irq9()
func irq10()
func irq11()
func irq12()
func irq13()
func irq14()
func irq15()
func isrSyscall()

// funcAddr extracts the code pointer backing a non-closure top-level
// function value, the same trick internal/task uses for its own
// trampoline address.
func funcAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// InstallAllTrampolines wires every CPU exception vector (0-31),
// remapped IRQ vector (32-47), and the syscall gate (0x80) to its stub
// in asm_vectors_386.s. Every other vector is left non-present, exactly
// as Init leaves it (spec.md §4.C).
func (idt *IDT) InstallAllTrampolines() {
	excStubs := [32]func(){
		isr0,
		isr1,
		isr2,
		isr3,
		isr4,
		isr5,
		isr6,
		isr7,
		isr8,
		isr9,
		isr10,
		isr11,
		isr12,
		isr13,
		isr14,
		isr15,
		isr16,
		isr17,
		isr18,
		isr19,
		isr20,
		isr21,
		isr22,
		isr23,
		isr24,
		isr25,
		isr26,
		isr27,
		isr28,
		isr29,
		isr30,
		isr31,
	}
	for v, stub := range excStubs {
		idt.InstallTrampoline(uint8(v), Trampoline(funcAddr(stub)))
	}

	irqStubs := [16]func(){
		irq0,
		irq1,
		irq2,
		irq3,
		irq4,
		irq5,
		irq6,
		irq7,
		irq8,
		irq9,
		irq10,
		irq11,
		irq12,
		irq13,
		irq14,
		irq15,
	}
	for irq, stub := range irqStubs {
		idt.InstallTrampoline(uint8(picMasterBaseVector+irq), Trampoline(funcAddr(stub)))
	}

	idt.InstallTrampoline(SyscallVector, Trampoline(funcAddr(isrSyscall)))
}

