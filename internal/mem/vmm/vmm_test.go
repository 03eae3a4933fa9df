package vmm

import (
	"testing"
	"unsafe"
)

// bumpArena backs a trivial frame allocator for tests: every "physical"
// frame returned is really a slice of test-process heap memory, so
// dirPtr/tablePtr's unsafe.Pointer dereferences land on real,
// Go-owned storage instead of actual physical addresses. This and the
// invalidateFn/writeCR3Fn/enablePagingFn overrides below are the same
// seam gopher-os's own vmm_test.go leans on (nextAddrFn,
// flushTLBEntryFn) to keep page-table logic testable off real
// hardware.
type bumpArena struct {
	mem  []byte
	next int
}

func newBumpArena(frames int) *bumpArena {
	return &bumpArena{mem: make([]byte, frames*PageSize)}
}

func (b *bumpArena) alloc() uint64 {
	if b.next >= len(b.mem) {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&b.mem[b.next]))
	b.next += PageSize
	return uint64(addr)
}

func (b *bumpArena) free(uint64) {}

func withTestSeams(t *testing.T, frames int) *bumpArena {
	t.Helper()
	arena := newBumpArena(frames)

	savedAlloc, savedFree := frameAllocFn, frameFreeFn
	savedInvalidate, savedCR3, savedEnable := invalidateFn, writeCR3Fn, enablePagingFn

	SetFrameAllocator(arena.alloc, arena.free)
	invalidateFn = func(uint32) {}
	writeCR3Fn = func(uint32) {}
	enablePagingFn = func() {}

	t.Cleanup(func() {
		frameAllocFn, frameFreeFn = savedAlloc, savedFree
		invalidateFn, writeCR3Fn, enablePagingFn = savedInvalidate, savedCR3, savedEnable
	})

	return arena
}

func TestMapUnmapRoundTrip(t *testing.T) {
	withTestSeams(t, 64)

	h, err := CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace failed: %v", err)
	}

	const phys, virt = 0x00200000, 0x40000000
	if err := Map(h, phys, virt, Present|Writable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	gotPhys, gotFlags, ok := Translate(h, virt)
	if !ok {
		t.Fatal("Translate reports absent after Map")
	}
	if gotPhys != phys {
		t.Fatalf("Translate phys = %#x, want %#x", gotPhys, phys)
	}
	if gotFlags&Present == 0 || gotFlags&Writable == 0 {
		t.Fatalf("Translate flags = %v, want Present|Writable", gotFlags)
	}

	Unmap(h, virt)
	if _, _, ok := Translate(h, virt); ok {
		t.Fatal("Translate still reports present after Unmap")
	}
}

func TestMapAllocatesTableOnDemand(t *testing.T) {
	withTestSeams(t, 64)

	h, err := CreateAddressSpace()
	if err != nil {
		t.Fatalf("CreateAddressSpace failed: %v", err)
	}

	di := dirIndex(0x40000000)
	dir := dirPtr(h)
	if dir[di]&bitPresent != 0 {
		t.Fatal("directory entry present before first Map")
	}

	if err := Map(h, 0x00200000, 0x40000000, Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if dir[di]&bitPresent == 0 {
		t.Fatal("directory entry not installed after Map")
	}
}

func TestMapRejectsMisalignedAddresses(t *testing.T) {
	withTestSeams(t, 64)

	h, _ := CreateAddressSpace()
	if err := Map(h, 0x1001, 0x2000, Present); err == nil {
		t.Fatal("Map accepted a misaligned physical address")
	}
	if err := Map(h, 0x1000, 0x2001, Present); err == nil {
		t.Fatal("Map accepted a misaligned virtual address")
	}
}

func TestUnmapMissingTableIsNoOp(t *testing.T) {
	withTestSeams(t, 64)

	h, _ := CreateAddressSpace()
	Unmap(h, 0x40000000) // no table installed; must not panic

	if _, _, ok := Translate(h, 0x40000000); ok {
		t.Fatal("Translate reports present for a never-mapped address")
	}
}

func TestMapOnUninitializedHandleFails(t *testing.T) {
	withTestSeams(t, 64)

	var h Handle
	if err := Map(&h, 0x1000, 0x2000, Present); err == nil {
		t.Fatal("Map succeeded against an uninitialized handle")
	}
}

func TestCreateAddressSpaceOutOfFrames(t *testing.T) {
	withTestSeams(t, 0)

	h, err := CreateAddressSpace()
	if err == nil {
		t.Fatal("CreateAddressSpace succeeded with an exhausted allocator")
	}
	if h != nil {
		t.Fatal("CreateAddressSpace returned a non-nil handle alongside an error")
	}
}

func TestDestroyFreesTablesAndDirectory(t *testing.T) {
	withTestSeams(t, 64)

	h, _ := CreateAddressSpace()
	if err := Map(h, 0x00200000, 0x40000000, Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	var freed []uint64
	frameFreeFn = func(f uint64) { freed = append(freed, f) }

	Destroy(h)

	if len(freed) != 2 { // one page table frame + the directory frame
		t.Fatalf("Destroy freed %d frames, want 2", len(freed))
	}
	if h.initialized {
		t.Fatal("handle still marked initialized after Destroy")
	}
}

func TestKernelSpaceInitIdentityMapsFirst16MiB(t *testing.T) {
	// The real init loop walks 4095 pages; exercise a handful of
	// representative addresses through the same Map path rather than
	// calling Init (which would need a 16 MiB-capable arena) to keep
	// the test fast while still proving the mapping contract Map()
	// itself guarantees.
	withTestSeams(t, 64)

	h, _ := CreateAddressSpace()
	for _, addr := range []uint32{0x1000, 0x00100000, 0x00FFF000} {
		if err := Map(h, addr, addr, Present|Writable); err != nil {
			t.Fatalf("Map(%#x) failed: %v", addr, err)
		}
		phys, flags, ok := Translate(h, addr)
		if !ok || phys != addr {
			t.Fatalf("identity map broken at %#x: phys=%#x ok=%v", addr, phys, ok)
		}
		if flags&Writable == 0 {
			t.Fatalf("identity map at %#x missing Writable", addr)
		}
	}
}

func TestEncodeFlagsRoundTrip(t *testing.T) {
	got := encodeFlags(Present | Writable | User | NoCache)
	want := uint32(bitPresent | bitWritable | bitUser | bitPCD)
	if got != want {
		t.Fatalf("encodeFlags = %#x, want %#x", got, want)
	}
}
