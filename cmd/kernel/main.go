// Command kernel is the freestanding IA-32 kernel image. boot_386.s holds
// the entry stub GRUB (or any multiboot-compliant loader) jumps to, already
// in 32-bit protected mode; it sets up a stack and calls kmain with the two
// registers the multiboot boot contract leaves in EAX/EBX (spec.md §6).
package main

import "github.com/aionhq/aioncore/internal/boot"

// kmain is called once, from boot_386.s, with interrupts still disabled
// and paging still off. It never returns.
//
//go:nosplit
func kmain(magic, descriptorAddr uint32) {
	boot.Boot(magic, descriptorAddr)
}
