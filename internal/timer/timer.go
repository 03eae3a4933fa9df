// Package timer implements the interval-timer-driven tick source and
// cycle-counter calibration spec.md §4.D describes: an 8253/8254 PIT
// channel 0 raising periodic interrupts, and a TSC-based cycle counter
// calibrated against the PIT's known frequency so cycles convert to
// microseconds. Grounded on the teacher's ARM Generic Timer package
// (timer_qemu.go: ctl/tval register wrappers, a calibration-by-busy-wait
// shape in timerSet) narrowed to the IA-32 PIT/TSC pair, the closest
// architecture-facing analogue in the pack.
package timer

import (
	"github.com/aionhq/aioncore/internal/arch/x86"
)

// PIT channel 0 ports and the base oscillator frequency (spec.md §4.D:
// "interval-timer-driven tick source").
const (
	pitChannel0    = 0x40
	pitCommand     = 0x43
	pitInputHz     = 1193182
	pitModeRateGen = 0x34 // channel 0, lobyte/hibyte, mode 2 (rate generator)
)

// Sanity band spec.md §3 requires the calibrated frequency to fall
// within ("the calibrated frequency lies within a sanity range").
const (
	minSaneHz = 100_000_000
	maxSaneHz = 10_000_000_000
)

// rdtscFn/outbFn/inbFn/cliFn/stiFn indirect the privileged primitives so
// tests can run the calibration arithmetic against a synthetic cycle
// source instead of real hardware, the same seam vmm.go uses for
// invalidateFn/writeCR3Fn.
var (
	rdtscFn = x86.Rdtsc
	outbFn  = x86.Outb
	inbFn   = x86.Inb
	cliFn   = x86.Cli
	stiFn   = x86.Sti
)

// readPITCountFn is overridden in tests to drive the wrap-accumulation
// logic in Calibrate from a scripted sequence instead of real I/O
// ports.
var readPITCountFn = readPITCount

// state holds the single process-wide timer singleton spec.md §5 treats
// timing as (shared-resource policy: "process-wide singletons").
type state struct {
	hz         uint64 // calibrated TSC frequency
	ticks      uint64 // monotonic tick count since init
	calibrated bool
}

var current state

// ticksPerSample is how many PIT down-counter wraps the calibration
// busy-wait spans (spec.md §4.D: "busy-wait a fixed number of
// interval-timer ticks").
const ticksPerSample = 10

// SetTickFrequency programs PIT channel 0 to fire at hz interrupts per
// second (spec.md §4.D: "raise a periodic tick at a caller-chosen
// frequency").
func SetTickFrequency(hz uint32) {
	divisor := uint16(pitInputHz / hz)
	outbFn(pitCommand, pitModeRateGen)
	outbFn(pitChannel0, uint8(divisor&0xFF))
	outbFn(pitChannel0, uint8(divisor>>8))
}

// Calibrate runs the protocol spec.md §4.D specifies: disable
// interrupts, sample the cycle counter, busy-wait across a fixed number
// of PIT down-counter wraps (accumulating elapsed counts across wrap,
// since the counter only ever counts down from its programmed
// divisor), sample again, then derive a frequency and reject it with
// ok=false if it falls outside the sanity band. Interrupts are enabled on
// return whatever their state on entry; the prior state is not saved or
// restored.
func Calibrate(tickHz uint32) (hz uint64, ok bool) {
	cliFn()
	defer stiFn()

	divisor := uint32(pitInputHz / tickHz)

	startCycles := rdtscFn()
	var elapsedCounts uint64
	prev := readPITCountFn()
	for wraps := uint32(0); wraps < ticksPerSample; {
		cur := readPITCountFn()
		if cur > prev {
			// Down-counter wrapped back up to (near) the divisor;
			// one full period elapsed.
			elapsedCounts += uint64(prev) + uint64(divisor-cur)
			wraps++
		} else {
			elapsedCounts += uint64(prev - cur)
		}
		prev = cur
	}
	endCycles := rdtscFn()

	elapsedUs := elapsedCounts * 1_000_000 / pitInputHz
	if elapsedUs == 0 {
		return 0, false
	}
	cycles := endCycles - startCycles
	hz = cycles * 1_000_000 / elapsedUs

	if hz < minSaneHz || hz > maxSaneHz {
		return hz, false
	}

	current.hz = hz
	current.calibrated = true
	return hz, true
}

// readPITCount latches and reads the 16-bit down-counter of channel 0.
func readPITCount() uint32 {
	outbFn(pitCommand, 0x00) // latch command, channel 0
	lo := inbFn(pitChannel0)
	hi := inbFn(pitChannel0)
	return uint32(hi)<<8 | uint32(lo)
}

// Tick is the handler contract spec.md §4.D names: increment the
// per-CPU tick counter, call the scheduler's tick hook, send EOI,
// return. No blocking, no console I/O, no direct scheduler invocation —
// schedulerTick may only set a flag (spec.md: "only flag setting").
// This function itself never calls EOI; the IDT dispatcher (internal/arch/x86)
// does that uniformly for every IRQ after the handler returns.
func Tick(schedulerTick func()) {
	current.ticks++
	if schedulerTick != nil {
		schedulerTick()
	}
}

// Ticks returns the monotonic tick count since init.
func Ticks() uint64 { return current.ticks }

// ReadCycles returns the raw TSC value (spec.md §4.D read_cycles()).
// Monotonically non-decreasing during any sampling window per spec.md §3.
func ReadCycles() uint64 { return rdtscFn() }

// ReadUs converts a cycle count since some reference point into
// microseconds using the calibrated frequency (spec.md §4.D read_us()).
// Divides by (hz/1_000_000) rather than multiplying cycles by 1_000_000
// first, since the calibrated sanity band keeps hz well above 1 MHz and
// this order avoids overflowing cycles for large counts. Returns 0 if
// calibration has not run.
func ReadUs(cycles uint64) uint64 {
	if !current.calibrated || current.hz < 1_000_000 {
		return 0
	}
	return cycles / (current.hz / 1_000_000)
}

// Calibrated reports whether Calibrate has produced an in-band result.
func Calibrated() bool { return current.calibrated }

// Hz returns the calibrated frequency, or 0 if uncalibrated.
func Hz() uint64 { return current.hz }

// reset is a test-only helper to return the singleton to its zero
// state between cases.
func reset() { current = state{} }
