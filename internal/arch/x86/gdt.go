package x86

// Segment descriptor table: 8-byte records per spec.md §4.C, installing
// exactly the six entries the table there names (index 0 is the mandatory
// null descriptor).
const gdtEntries = 6

// Selector values, precomputed as (index<<3 | RPL) per spec.md §4.C.
const (
	SelNull       uint16 = 0x00
	SelKernelCode uint16 = 0x08
	SelKernelData uint16 = 0x10
	SelUserCode   uint16 = 0x1B
	SelUserData   uint16 = 0x23
	SelTSS        uint16 = 0x28
)

// Descriptor access-byte bits (present, DPL, descriptor type, segment
// type/direction/conforming, R/W, accessed).
const (
	accPresent    = 1 << 7
	accDPLShift   = 5
	accCodeOrData = 1 << 4 // 1 = code/data segment, 0 = system segment
	accExecutable = 1 << 3
	accRW         = 1 << 1 // readable (code) / writable (data)
	accTSSType32  = 0x9    // 32-bit TSS (available), system segment type field
)

// Granularity/size flags, packed into the high nibble of the limit byte.
const (
	flagGranularity4K = 1 << 7
	flagSize32        = 1 << 6
)

// descriptor is the raw 8-byte GDT entry layout.
type descriptor struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	limitHighFlags uint8
	baseHigh   uint8
}

// encodeDescriptor packs base/limit/access/flags into the wire layout. base
// and limit are not truncated by the caller — encodeDescriptor is
// responsible for using only the bits IA-32 descriptors actually carry (32
// bits of base, 20 bits of limit), which is what makes the encode/decode
// round trip (spec.md §8) meaningful to test.
func encodeDescriptor(base uint32, limit uint32, access uint8, flags uint8) descriptor {
	return descriptor{
		limitLow:       uint16(limit & 0xFFFF),
		baseLow:        uint16(base & 0xFFFF),
		baseMiddle:     uint8((base >> 16) & 0xFF),
		access:         access,
		limitHighFlags: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		baseHigh:       uint8((base >> 24) & 0xFF),
	}
}

// decodeDescriptor is the inverse of encodeDescriptor, used only by tests
// to verify the round trip spec.md §8 requires.
func decodeDescriptor(d descriptor) (base uint32, limit uint32, access uint8, flags uint8) {
	base = uint32(d.baseLow) | uint32(d.baseMiddle)<<16 | uint32(d.baseHigh)<<24
	limit = uint32(d.limitLow) | uint32(d.limitHighFlags&0x0F)<<16
	access = d.access
	flags = d.limitHighFlags & 0xF0
	return
}

// gdtPointer is the operand format LGDT expects: a 16-bit limit followed by
// a 32-bit linear base address.
type gdtPointer struct {
	limit uint16
	base  uint32
}

// GDT owns the six descriptors and the TSS they include.
type GDT struct {
	entries [gdtEntries]descriptor
	tss     TSS
}

// Init populates every entry from spec.md §4.C's table and loads the GDT
// and task register. It must run before the IDT is installed (spec.md
// §4.H step 1).
func (g *GDT) Init() {
	g.entries[0] = descriptor{} // null descriptor: all zeros

	g.entries[1] = encodeDescriptor(0, 0xFFFFF,
		accPresent|accCodeOrData|accExecutable|accRW,
		flagGranularity4K|flagSize32)
	g.entries[2] = encodeDescriptor(0, 0xFFFFF,
		accPresent|accCodeOrData|accRW,
		flagGranularity4K|flagSize32)

	userDPL := uint8(3 << accDPLShift)
	g.entries[3] = encodeDescriptor(0, 0xFFFFF,
		accPresent|userDPL|accCodeOrData|accExecutable|accRW,
		flagGranularity4K|flagSize32)
	g.entries[4] = encodeDescriptor(0, 0xFFFFF,
		accPresent|userDPL|accCodeOrData|accRW,
		flagGranularity4K|flagSize32)

	g.tss.init()
	tssBase := tssLinearAddress(&g.tss)
	tssLimit := uint32(sizeofTSS - 1)
	g.entries[5] = encodeDescriptor(tssBase, tssLimit, accPresent|accTSSType32, 0)

	g.load()
	loadTaskRegister(SelTSS)
}

// load points LGDT at the entries array.
func (g *GDT) load() {
	ptr := gdtPointer{
		limit: uint16(gdtEntries*8 - 1),
		base:  gdtEntriesLinearAddress(g),
	}
	lgdt(&ptr)
}

// SetKernelStack updates the TSS's ring-0 stack pointer/segment, which the
// CPU consults on every ring3->ring0 transition. Spec.md §4.E requires this
// be refreshed "before any switch that may later take an interrupt in user
// mode" — i.e. on every context switch whose target may return to user
// mode.
func (g *GDT) SetKernelStack(esp0 uint32) {
	g.tss.ESP0 = esp0
	g.tss.SS0 = uint32(SelKernelData)
}

// currentGDT is the process-wide installed GDT, set once by bring-up
// after Init(); the task package consults it on every context switch to
// refresh the TSS ring-0 stack pointer (spec.md §4.E).
var currentGDT *GDT

// SetCurrentGDT records the installed GDT. Mirrors SetCurrent in idt.go.
func SetCurrentGDT(g *GDT) { currentGDT = g }

// CurrentGDT returns the installed GDT, or nil before bring-up step 1.
func CurrentGDT() *GDT { return currentGDT }
