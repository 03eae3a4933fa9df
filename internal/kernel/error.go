// Package kernel holds the sentinel error value shared across every
// subsystem. It deliberately has no dependencies of its own — internal/
// mem/vmm and internal/task both import it for *Error, and internal/boot
// (bring-up and the panic path) imports both of those in turn, so this
// package must stay a leaf or the import graph cycles back through it.
package kernel

// Error is a zero-allocation error value. Subsystems that run before a heap
// allocator exists (which is all of them; see spec Non-goals) cannot use
// fmt.Errorf or errors.New, both of which allocate. Error is a plain
// struct handed around as *Error, so comparisons and zero values stay
// cheap; *Error also satisfies the error interface (below).
type Error struct {
	Module  string
	Message string
}

// Error satisfies the standard error interface so *kernel.Error can still be
// passed to code (tests, mostly) that expects one.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "[" + e.Module + "] " + e.Message
}

// newErr is a tiny constructor used by subsystems to avoid repeating the
// struct literal at every call site.
func newErr(module, message string) *Error {
	return &Error{Module: module, Message: message}
}

// NewError is the exported form of newErr for other packages.
func NewError(module, message string) *Error {
	return newErr(module, message)
}
