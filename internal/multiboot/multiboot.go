// Package multiboot parses the bootloader-supplied memory descriptor
// spec.md §6 names as the boot contract: a magic value plus a pointer to a
// structure whose flags field indicates whether a memory map is present.
// Grounded on gopheros/kernel/hal/multiboot, whose VisitMemRegions visitor
// shape (other_examples/e6183826_...bitmap_allocator.go.go) is reused
// verbatim here as the iteration contract the frame allocator (internal/
// mem/pmm) consumes.
package multiboot

import "unsafe"

// Magic is the value the bootloader must pass in EAX per the multiboot
// specification. A mismatch triggers the fallback memory map documented in
// spec.md §4.A.
const Magic uint32 = 0x2BADB002

// Info mirrors the multiboot_info_t structure passed by the bootloader.
// Only the fields this core reads are named.
type Info struct {
	Flags       uint32
	MemLower    uint32
	MemUpper    uint32
	BootDevice  uint32
	CmdLine     uint32
	ModsCount   uint32
	ModsAddr    uint32
	syms        [4]uint32
	MmapLength  uint32
	MmapAddr    uint32
}

// flagMemMap is the bit in Info.Flags indicating mmap_length/mmap_addr are
// valid (bit 6 of the multiboot info flags word).
const flagMemMap = 1 << 6

// HasMemoryMap reports whether the bootloader populated MmapAddr/MmapLength.
func (i *Info) HasMemoryMap() bool {
	return i != nil && i.Flags&flagMemMap != 0
}

// RegionType enumerates the `type` field of a memory-map entry, per
// spec.md §6 (1 available ... 5 badram).
type RegionType uint32

const (
	Available       RegionType = 1
	Reserved        RegionType = 2
	ACPIReclaimable RegionType = 3
	NVS             RegionType = 4
	BadRAM          RegionType = 5
)

// MemoryMapEntry is the 4+8+8+4-byte record spec.md §6 describes. Size is
// the entry's own size field, used to step to the next record via
// `(current + current.size + 4 bytes)` — the "+4" accounts for Size itself
// not being included in the reported size, exactly as multiboot defines it.
type MemoryMapEntry struct {
	Size    uint32
	Addr    uint64
	Len     uint64
	Type    RegionType
}

// VisitFn is called once per memory-map entry. Returning false stops the
// walk early.
type VisitFn func(entry *MemoryMapEntry) bool

// VisitMemRegions walks every entry in info's memory map, calling visit for
// each. If info has no memory map (HasMemoryMap() is false), VisitMemRegions
// calls visit once with the documented fallback region (spec.md §4.A:
// "assume 128 MiB starting at 0") and returns.
func VisitMemRegions(info *Info, visit VisitFn) {
	if !info.HasMemoryMap() {
		fallback := MemoryMapEntry{
			Size: uint32(unsafe.Sizeof(MemoryMapEntry{})) - 4,
			Addr: 0,
			Len:  128 * 1024 * 1024,
			Type: Available,
		}
		visit(&fallback)
		return
	}

	cur := uintptr(info.MmapAddr)
	end := cur + uintptr(info.MmapLength)
	for cur < end {
		entry := (*MemoryMapEntry)(unsafe.Pointer(cur))
		if !visit(entry) {
			return
		}
		cur += uintptr(entry.Size) + 4
	}
}

// FallbackUsed reports whether info lacks a usable memory map and the
// caller should log the documented fallback warning before calling
// VisitMemRegions.
func FallbackUsed(magic uint32, info *Info) bool {
	return magic != Magic || !info.HasMemoryMap()
}
