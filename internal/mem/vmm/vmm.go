// Package vmm implements the virtual memory manager spec.md §4.B
// describes: two-level (directory + table) IA-32 paging with O(1)
// map/unmap and single-page TLB invalidation. PTE flag naming follows
// Oichkatzelesfrettschen-biscuit's mem.go (other_examples/92991772_...,
// PTE_P/PTE_W/PTE_U/PTE_PCD), the closest x86-domain analogue in the
// pack; the Map/Unmap walk-and-install-on-demand shape is grounded on
// gopher-os's vmm/map.go (other_examples/e0ef2cbc_...).
package vmm

import (
	"unsafe"

	"github.com/aionhq/aioncore/internal/arch/x86"
	"github.com/aionhq/aioncore/internal/kernel"
	"github.com/aionhq/aioncore/internal/kstring"
	"github.com/aionhq/aioncore/internal/mem/pmm"
)

const (
	PageSize    = 4096
	pageShift   = 12
	entriesPerTable = 1024 // 32-bit PDE/PTE: 4 bytes * 1024 = 4 KiB table
	dirShift    = 22       // bits [31:22] select the directory entry
	tableShift  = 12       // bits [21:12] select the table entry
	tableMask   = 0x3FF

	// SpanSize is the address range one top-level (directory) entry
	// covers: 1024 leaf pages * 4 KiB (spec.md §3: "each top-level entry
	// maps a 4 MiB span").
	SpanSize = entriesPerTable * PageSize
)

// Flag is the architecture-neutral permission set spec.md §4.B's flag
// table maps onto IA-32 leaf bits.
type Flag uint32

const (
	Present Flag = 1 << iota
	Writable
	User
	NoCache
	Executable // no-op on 32-bit non-PAE; NX requires PAE (spec.md §4.B)
)

// pte/pde bit layout (biscuit's PTE_P/PTE_W/PTE_U/PTE_PCD naming, IA-32
// bit positions): P=bit0 W=bit1 U=bit2 PCD=bit4.
const (
	bitPresent  = 1 << 0
	bitWritable = 1 << 1
	bitUser     = 1 << 2
	bitPCD      = 1 << 4
)

func encodeFlags(f Flag) uint32 {
	var e uint32
	if f&Present != 0 {
		e |= bitPresent
	}
	if f&Writable != 0 {
		e |= bitWritable
	}
	if f&User != 0 {
		e |= bitUser
	}
	if f&NoCache != 0 {
		e |= bitPCD
	}
	return e
}

var (
	ErrNoFrames        = &kernel.Error{Module: "vmm", Message: "frame allocator exhausted while installing a page table"}
	ErrMisaligned      = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
	ErrInvalidHandle   = &kernel.Error{Module: "vmm", Message: "address space handle is not initialized"}
)

// Handle is the opaque address-space handle spec.md §9 requires
// ("callers never dereference it"). Its only exported use is as an
// argument to Map/Unmap/SwitchTo/Destroy.
type Handle struct {
	dirFrame uint64 // physical address of the page directory
	initialized bool
}

// frameAllocFn lets tests substitute a deterministic allocator; bring-up
// wires the real one via SetFrameAllocator.
var frameAllocFn = pmm.Default.Alloc
var frameFreeFn = pmm.Default.Free

// SetFrameAllocator overrides the frame source used to materialize new
// page-directory/page-table frames. Bring-up calls this once, after
// pmm.Default.Init, with pmm.Default.Alloc/Free; tests substitute a
// bump allocator over a plain byte slice.
func SetFrameAllocator(alloc func() uint64, free func(uint64)) {
	frameAllocFn = alloc
	frameFreeFn = free
}

// phys2virt/virt2phys let tests run without paging enabled, where
// physical and virtual addresses of directory/table frames coincide
// (identity-mapped). Bring-up never needs to change this: by the time
// paging is enabled, every directory/table frame the VMM touches lives
// inside the identity-mapped low 16 MiB (spec.md §4.B init order).
var phys2virt = func(p uint64) uintptr { return uintptr(p) }

// invalidateFn/writeCR3Fn/enablePagingFn indirect the privileged IA-32
// instructions (INVLPG, MOV CR3, CR0.PG) behind package vars, the same
// seam gopher-os's vmm package leaves for its flushTLBEntryFn
// (other_examples/e0ef2cbc_...: "flushTLBEntryFn is used by tests to
// override calls ... which will cause a fault if called in user-mode").
// Tests substitute no-ops; bring-up leaves these at their real
// defaults.
var (
	invalidateFn   = x86.Invlpg
	writeCR3Fn     = x86.WriteCR3
	enablePagingFn = x86.EnablePaging
)

func dirPtr(h *Handle) *[entriesPerTable]uint32 {
	return (*[entriesPerTable]uint32)(unsafe.Pointer(phys2virt(h.dirFrame)))
}

func tablePtr(entry uint32) *[entriesPerTable]uint32 {
	phys := uint64(entry &^ 0xFFF)
	return (*[entriesPerTable]uint32)(unsafe.Pointer(phys2virt(phys)))
}

func dirIndex(virt uint32) uint32   { return virt >> dirShift }
func tableIndex(virt uint32) uint32 { return (virt >> tableShift) & tableMask }

// kernelHandle is the single, process-wide kernel address space
// spec.md §9 documents as an accepted Open Question ("the baseline
// keeps a single static address-space handle").
var kernelHandle Handle

// KernelSpace returns the process-wide kernel handle (spec.md §4.B
// kernel_space()).
func KernelSpace() *Handle { return &kernelHandle }

// CreateAddressSpace allocates and zeros one top-level table frame
// (spec.md §4.B create_address_space()). Returns nil on allocator
// exhaustion.
func CreateAddressSpace() (*Handle, *kernel.Error) {
	frame := frameAllocFn()
	if frame == 0 {
		return nil, ErrNoFrames
	}
	kstring.Memset(phys2virt(frame), 0, PageSize)
	return &Handle{dirFrame: frame, initialized: true}, nil
}

// Destroy frees every present second-level table frame and then the
// top-level frame itself. The pages those tables mapped are never
// freed — that is the caller's responsibility (spec.md §4.B).
func Destroy(h *Handle) {
	if h == nil || !h.initialized {
		return
	}
	dir := dirPtr(h)
	for i := 0; i < entriesPerTable; i++ {
		entry := dir[i]
		if entry&bitPresent == 0 {
			continue
		}
		frameFreeFn(uint64(entry &^ 0xFFF))
	}
	frameFreeFn(h.dirFrame)
	h.initialized = false
}

// Map installs a single-page mapping (spec.md §4.B map()). O(1): at
// most one new table is allocated, one directory entry and one leaf
// entry are written, and the single virtual address is invalidated in
// the TLB.
func Map(h *Handle, phys, virt uint32, flags Flag) *kernel.Error {
	if !h.initialized {
		return ErrInvalidHandle
	}
	if phys%PageSize != 0 || virt%PageSize != 0 {
		return ErrMisaligned
	}

	dir := dirPtr(h)
	di := dirIndex(virt)
	if dir[di]&bitPresent == 0 {
		newTable := frameAllocFn()
		if newTable == 0 {
			return ErrNoFrames
		}
		kstring.Memset(phys2virt(newTable), 0, PageSize)
		dir[di] = uint32(newTable) | bitPresent | bitWritable | bitUser
	}

	table := tablePtr(dir[di])
	table[tableIndex(virt)] = phys | encodeFlags(flags)

	invalidateFn(virt)
	return nil
}

// Unmap clears a single leaf entry (spec.md §4.B unmap()). A missing
// second-level table is a no-op; unmap never reclaims empty tables
// (explicit non-goal, spec.md §4.B).
func Unmap(h *Handle, virt uint32) {
	if !h.initialized || virt%PageSize != 0 {
		return
	}
	dir := dirPtr(h)
	di := dirIndex(virt)
	if dir[di]&bitPresent == 0 {
		return
	}
	table := tablePtr(dir[di])
	table[tableIndex(virt)] = 0
	invalidateFn(virt)
}

// Translate walks the page tables for diagnostic/test use, reporting
// the mapped physical address and flags (or ok=false if absent).
func Translate(h *Handle, virt uint32) (phys uint32, flags Flag, ok bool) {
	if !h.initialized {
		return 0, 0, false
	}
	dir := dirPtr(h)
	di := dirIndex(virt)
	if dir[di]&bitPresent == 0 {
		return 0, 0, false
	}
	table := tablePtr(dir[di])
	entry := table[tableIndex(virt)]
	if entry&bitPresent == 0 {
		return 0, 0, false
	}
	var f Flag
	if entry&bitPresent != 0 {
		f |= Present
	}
	if entry&bitWritable != 0 {
		f |= Writable
	}
	if entry&bitUser != 0 {
		f |= User
	}
	if entry&bitPCD != 0 {
		f |= NoCache
	}
	return entry &^ 0xFFF, f, true
}

// SwitchTo loads the top-level frame address into CR3 (spec.md §4.B
// switch_to()); IA-32 flushes the entire TLB as a side effect.
func SwitchTo(h *Handle) {
	if !h.initialized {
		return
	}
	writeCR3Fn(uint32(h.dirFrame))
}

// kernelIdentityMapEnd is the extent of the init-time identity map
// (spec.md §4.B: "identity-map the first 16 MiB").
const kernelIdentityMapEnd = 16 * 1024 * 1024

// Init builds the kernel address space, identity-maps [PageSize,
// kernelIdentityMapEnd) (skipping the null page per spec.md §4.B),
// loads CR3, and enables paging — in that order, because the base
// register must reference a valid table before paging turns on and the
// map must already cover every structure the kernel touches.
func Init() *kernel.Error {
	frame := frameAllocFn()
	if frame == 0 {
		return ErrNoFrames
	}
	kstring.Memset(phys2virt(frame), 0, PageSize)
	kernelHandle = Handle{dirFrame: frame, initialized: true}

	for addr := uint32(PageSize); addr < kernelIdentityMapEnd; addr += PageSize {
		if err := Map(&kernelHandle, addr, addr, Present|Writable); err != nil {
			return err
		}
	}

	writeCR3Fn(uint32(kernelHandle.dirFrame))
	enablePagingFn()
	return nil
}
