// Package kstring implements the "safe string utilities" collaborator
// spec.md §6 expects: bounded copy/concat, length, and raw memory
// copy/set/compare. Grounded on mem.Memcopy/mem.Memset, called throughout
// the gopher-os vmm/pmm files in other_examples (e.g. the page-fault CoW
// path in .../vmm.go copies a frame with mem.Memcopy before remapping it),
// and on biscuit's util package import in mem/mem.go for the same class of
// primitive. Every function here is bounds-checked and allocation-free.
package kstring

import "unsafe"

// Len returns the length of a NUL-terminated byte sequence at ptr, scanning
// at most max bytes. It never reads past max even if no NUL is found.
func Len(ptr unsafe.Pointer, max int) int {
	p := (*[1 << 30]byte)(ptr)
	for i := 0; i < max; i++ {
		if p[i] == 0 {
			return i
		}
	}
	return max
}

// Copy copies up to len(dst) bytes from src into dst and returns the number
// of bytes actually copied. Unlike a raw slice copy this never assumes src
// is at least len(dst) long when src is itself bounded by a caller-known
// length; callers pass a properly-sliced src.
func Copy(dst, src []byte) int {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	copy(dst[:n], src[:n])
	return n
}

// Concat appends src to dst, truncating to cap(dst) rather than growing
// (there is no heap allocator to grow into). Returns the resulting slice.
func Concat(dst, src []byte) []byte {
	room := cap(dst) - len(dst)
	if room <= 0 {
		return dst
	}
	n := len(src)
	if n > room {
		n = room
	}
	return append(dst, src[:n]...)
}

// Memcopy copies n bytes from src to dst. The regions must not overlap;
// overlap is undefined behavior by design (matches mem.Memcopy's contract
// in the gopher-os vmm CoW path, which only ever copies between
// freshly-mapped, disjoint frames).
func Memcopy(dst, src uintptr, n uintptr) {
	d := (*[1 << 30]byte)(unsafe.Pointer(dst))
	s := (*[1 << 30]byte)(unsafe.Pointer(src))
	for i := uintptr(0); i < n; i++ {
		d[i] = s[i]
	}
}

// Memset fills n bytes at dst with value.
func Memset(dst uintptr, value byte, n uintptr) {
	d := (*[1 << 30]byte)(unsafe.Pointer(dst))
	for i := uintptr(0); i < n; i++ {
		d[i] = value
	}
}

// Memcmp compares n bytes at a and b, returning <0, 0, or >0 the way the C
// memcmp does.
func Memcmp(a, b uintptr, n uintptr) int {
	pa := (*[1 << 30]byte)(unsafe.Pointer(a))
	pb := (*[1 << 30]byte)(unsafe.Pointer(b))
	for i := uintptr(0); i < n; i++ {
		if pa[i] != pb[i] {
			return int(pa[i]) - int(pb[i])
		}
	}
	return 0
}
