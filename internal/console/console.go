// Package console implements the sink-registration collaborator spec.md §6
// expects from "the console multiplexer": up to 4 sinks, every emission
// broadcast to all of them. The core emits diagnostics through this
// package but does not care what is on the other end.
package console

// MaxSinks bounds the number of simultaneously registered sinks, per
// spec.md §6 ("up to 4 sinks").
const MaxSinks = 4

// Sink is the per-backend contract a console device must satisfy. It
// mirrors spec.md §6's {init, putchar, write, set_color, clear} tuple.
type Sink interface {
	Init()
	PutChar(c byte)
	Write(s string)
	SetColor(fg, bg uint8)
	Clear()
}

// Mux owns the registered sinks and fans every call out to all of them.
// There is exactly one process-wide Mux (Default); subsystems never hold
// their own reference to a Sink.
type Mux struct {
	sinks [MaxSinks]Sink
	count int
}

// Default is the process-wide console mux. Bring-up (internal/boot.Boot)
// registers sinks into it before any diagnostic is emitted.
var Default Mux

// Register adds sink to the mux and returns its slot id. ok is false
// (no state change) if MaxSinks sinks are already registered.
func (m *Mux) Register(s Sink) (id int, ok bool) {
	if m.count >= MaxSinks {
		return -1, false
	}
	m.sinks[m.count] = s
	s.Init()
	id = m.count
	m.count++
	return id, true
}

// Unregister removes the sink at id. Out-of-range ids are a silent no-op,
// matching the rest of the core's "can't fail loudly before console exists"
// texture.
func (m *Mux) Unregister(id int) {
	if id < 0 || id >= m.count {
		return
	}
	copy(m.sinks[id:m.count-1], m.sinks[id+1:m.count])
	m.sinks[m.count-1] = nil
	m.count--
}

// PutChar broadcasts a single byte to every registered sink.
func (m *Mux) PutChar(c byte) {
	for i := 0; i < m.count; i++ {
		m.sinks[i].PutChar(c)
	}
}

// WriteString broadcasts s to every registered sink.
func (m *Mux) WriteString(s string) {
	for i := 0; i < m.count; i++ {
		m.sinks[i].Write(s)
	}
}

// Write satisfies io.Writer so the mux can back internal/kfmt's
// Printf output directly.
func (m *Mux) Write(p []byte) (int, error) {
	m.WriteString(string(p))
	return len(p), nil
}

// SetColor broadcasts a foreground/background change to every sink that
// supports color; sinks that don't (e.g. a serial line) are expected to
// ignore it.
func (m *Mux) SetColor(fg, bg uint8) {
	for i := 0; i < m.count; i++ {
		m.sinks[i].SetColor(fg, bg)
	}
}

// Clear broadcasts a screen clear to every registered sink.
func (m *Mux) Clear() {
	for i := 0; i < m.count; i++ {
		m.sinks[i].Clear()
	}
}

// Count reports how many sinks are currently registered.
func (m *Mux) Count() int { return m.count }
