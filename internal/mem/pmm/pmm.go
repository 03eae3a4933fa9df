// Package pmm implements the physical frame allocator spec.md §4.A
// describes: page-granular physical memory management driven by a
// bootloader-supplied memory map. Grounded on gopheros/kernel/mem/pmm's
// BitmapAllocator (other_examples/e6183826_...bitmap_allocator.go.go),
// narrowed from gopher-os's multi-pool design to the single flat bitmap
// spec.md §4.A documents ("the baseline scans a bitmap and documents its
// non-RT cost").
package pmm

import (
	"math/bits"

	"github.com/aionhq/aioncore/internal/multiboot"
)

// PageSize is the fixed frame size spec.md §3 defines (4 KiB).
const PageSize = 4096
const pageShift = 12

// VGAWindowBase/VGAWindowSize bound the text-mode MMIO window spec.md §4.A
// requires the allocator to reserve at init.
const (
	VGAWindowBase = 0xB8000
	VGAWindowSize = 32 * 1024
)

// word is the bitmap storage unit; one bit per frame, 1 = allocated.
type word = uint64

const bitsPerWord = 64

// Stats mirrors spec.md §4.A's stats() tuple.
type Stats struct {
	Total    uint32
	Free     uint32
	Reserved uint32
	Kernel   uint32
}

// Allocator is the process-wide frame allocator singleton. Zero value is
// "uninitialized"; every operation before Init returns the documented
// sentinel failure (spec.md §9: "pre-init operations return sentinel
// errors").
type Allocator struct {
	initialized bool

	bitmap     []word
	totalFrames uint32
	baseFrame   uint32 // frame number of bitmap[0] bit 0 (always 0 here: bitmap spans [0, totalFrames))

	free     uint32
	reserved uint32
	kernel   uint32

	// nextHint speeds up repeated alloc() calls by remembering the bitmap
	// word where the last successful scan stopped. The next scan starts at
	// that word and wraps, so alloc() returns the first free frame at or
	// after it, which is not necessarily the lowest free frame.
	nextHint uint32
}

// Default is the single process-wide allocator spec.md §5 expects ("the
// frame allocator ... [is a] process-wide singleton").
var Default Allocator

// Init sets up the allocator from the bootloader's (magic, descriptor)
// pair per spec.md §4.A. If magic doesn't match or no memory map is
// present, it falls back to "assume 128 MiB starting at 0" and logs via
// logFn (nil-safe; bring-up passes the real logger).
func (a *Allocator) Init(magic uint32, info *multiboot.Info, kernelStart, kernelEnd uint32, logFn func(string)) {
	fellBack := multiboot.FallbackUsed(magic, info)
	if fellBack && logFn != nil {
		logFn("[pmm] no usable memory map from bootloader; assuming 128 MiB at 0x0")
	}
	if fellBack {
		info = nil // a map behind a wrong magic is not trusted
	}

	var highestFrame uint32
	multiboot.VisitMemRegions(info, func(r *multiboot.MemoryMapEntry) bool {
		if r.Type != multiboot.Available {
			return true
		}
		end := frameFloor(r.Addr + r.Len)
		if end > uint64(highestFrame) {
			highestFrame = uint32(end)
		}
		return true
	})

	a.totalFrames = highestFrame
	words := (a.totalFrames + bitsPerWord - 1) / bitsPerWord
	a.bitmap = make([]word, words)

	// Every frame starts reserved; available regions are punched free
	// below. This way any gap in the memory map (holes between regions,
	// or regions never mentioned at all) defaults to the safe "never
	// hand this out" state instead of the dangerous opposite.
	for i := range a.bitmap {
		a.bitmap[i] = ^word(0)
	}
	a.reserved = a.totalFrames

	multiboot.VisitMemRegions(info, func(r *multiboot.MemoryMapEntry) bool {
		if r.Type != multiboot.Available {
			return true
		}
		start := frameCeil(r.Addr)
		end := frameFloor(r.Addr + r.Len)
		a.markFree(uint32(start), uint32(end))
		return true
	})

	a.reserveLocked(0, PageSize)                           // null guard
	a.reserveLocked(VGAWindowBase, VGAWindowSize)           // text-mode MMIO
	a.reserveLocked(uint64(kernelStart), uint64(kernelEnd)-uint64(kernelStart)) // kernel image

	a.kernel = uint32((uint64(kernelEnd) - uint64(kernelStart) + PageSize - 1) / PageSize)
	a.initialized = true
}

func frameCeil(addr uint64) uint64  { return (addr + PageSize - 1) &^ (PageSize - 1) >> pageShift }
func frameFloor(addr uint64) uint64 { return addr &^ (PageSize - 1) >> pageShift }

// markFree clears bits [start, end) and accounts the transition.
func (a *Allocator) markFree(start, end uint32) {
	if end > a.totalFrames {
		end = a.totalFrames
	}
	for f := start; f < end; f++ {
		if a.testBit(f) {
			a.clearBit(f)
			a.reserved--
			a.free++
		}
	}
}

func (a *Allocator) testBit(frame uint32) bool {
	return a.bitmap[frame/bitsPerWord]&(1<<(frame%bitsPerWord)) != 0
}
func (a *Allocator) setBit(frame uint32) {
	a.bitmap[frame/bitsPerWord] |= 1 << (frame % bitsPerWord)
}
func (a *Allocator) clearBit(frame uint32) {
	a.bitmap[frame/bitsPerWord] &^= 1 << (frame % bitsPerWord)
}

// Alloc returns a frame-aligned physical address, or 0 (null) if none are
// free (spec.md §4.A: "out-of-memory is a non-fatal null return").
// Pre-init calls also return 0. The scan is the documented non-RT bitmap
// walk; math/bits.TrailingZeros64 finds the first free bit in each word in
// O(1) per word (the scheduler bitmap in internal/sched uses
// math/bits.LeadingZeros32 to find the highest set bit).
func (a *Allocator) Alloc() uint64 {
	if !a.initialized || a.free == 0 {
		return 0
	}

	words := uint32(len(a.bitmap))
	for i := uint32(0); i < words; i++ {
		idx := (a.nextHint + i) % words
		w := a.bitmap[idx]
		if w == ^word(0) {
			continue
		}
		bit := uint32(bits.TrailingZeros64(^w))
		frame := idx*bitsPerWord + bit
		if frame >= a.totalFrames {
			continue
		}
		a.setBit(frame)
		a.free--
		a.nextHint = idx
		return uint64(frame) * PageSize
	}
	return 0
}

// Free releases a previously-allocated frame. Misaligned, out-of-range, or
// already-free addresses are rejected with no state change (spec.md
// §4.A/§7: "double-free is detected and rejected without state change").
func (a *Allocator) Free(addr uint64) {
	if !a.initialized || addr%PageSize != 0 {
		return
	}
	frame := uint32(addr / PageSize)
	if frame >= a.totalFrames {
		return
	}
	if !a.testBit(frame) {
		return // double-free; logged by the caller if it wants to
	}
	a.clearBit(frame)
	a.free++
}

// Reserve marks the frame range covering [start, start+size) as allocated,
// moving only previously-free frames out of the free pool (spec.md §4.A).
func (a *Allocator) Reserve(start, size uint64) {
	if !a.initialized {
		return
	}
	a.reserveLocked(start, size)
}

func (a *Allocator) reserveLocked(start, size uint64) {
	first := frameFloor(start)
	last := frameCeil(start + size)
	for f := uint32(first); f < uint32(last) && f < a.totalFrames; f++ {
		if !a.testBit(f) {
			a.setBit(f)
			a.free--
			a.reserved++
		}
	}
}

// Stats reports current usage (spec.md §4.A stats()).
func (a *Allocator) Stats() Stats {
	return Stats{
		Total:    a.totalFrames,
		Free:     a.free,
		Reserved: a.reserved,
		Kernel:   a.kernel,
	}
}

// Initialized reports whether Init has run.
func (a *Allocator) Initialized() bool { return a.initialized }
