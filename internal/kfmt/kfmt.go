// Package kfmt is the core's stand-in for the "formatted printing routine"
// spec.md §6 expects as an external collaborator: a minimal, non-allocating
// formatter supporting exactly %d %u %x %p %s %c %% with zero-padding and
// width, modeled on gopheros/kernel/kfmt's Printf/Fprintf split (referenced
// throughout other_examples/*gopher-os* as kfmt.Printf/kfmt.Fprintf without
// itself shipping in the retrieval pack). fmt is deliberately not used: it
// allocates via reflection, and this core has no heap allocator (Non-goal).
package kfmt

import "io"

// Printf formats according to format and writes to the default console
// writer (internal/boot wires this to console.Default at bring-up via
// SetOutput).
func Printf(format string, args ...any) {
	Fprintf(output, format, args...)
}

// Fprintf formats according to format and writes to w.
func Fprintf(w io.Writer, format string, args ...any) {
	var buf [256]byte
	n := format1(buf[:0], format, args...)
	w.Write(buf[:n])
}

// output is the writer Printf uses; SetOutput rebinds it once the console
// mux exists. Before that call Printf silently discards output, matching
// the "pre-init operations are sentinel no-ops" texture spec.md §9 asks
// every singleton to have.
var output io.Writer = discard{}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// SetOutput rebinds the writer used by Printf.
func SetOutput(w io.Writer) { output = w }

// format1 renders format with args appended to dst, returning the new
// length. It understands a single verb set: %d (signed decimal),
// %u (unsigned decimal), %x (lowercase hex), %p (pointer, as 0x-prefixed
// hex), %s (string), %c (byte/rune as a single character), %% (literal
// percent). Width and zero-padding are accepted as "%0Nv" / "%Nv".
func format1(dst []byte, format string, args ...any) int {
	argi := 0
	nextArg := func() any {
		if argi >= len(args) {
			return nil
		}
		v := args[argi]
		argi++
		return v
	}

	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			dst = append(dst, c)
			i++
			continue
		}
		i++
		if i >= len(format) {
			break
		}

		zeroPad := false
		if format[i] == '0' {
			zeroPad = true
			i++
		}
		width := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}
		if i >= len(format) {
			break
		}

		verb := format[i]
		i++

		switch verb {
		case '%':
			dst = append(dst, '%')
		case 'd':
			dst = appendPadded(dst, appendInt(nil, toInt64(nextArg())), width, zeroPad)
		case 'u':
			dst = appendPadded(dst, appendUint(nil, toUint64(nextArg()), 10), width, zeroPad)
		case 'x':
			dst = appendPadded(dst, appendUint(nil, toUint64(nextArg()), 16), width, zeroPad)
		case 'p':
			dst = append(dst, '0', 'x')
			dst = appendPadded(dst, appendUint(nil, toUint64(nextArg()), 16), width, zeroPad)
		case 's':
			if s, ok := nextArg().(string); ok {
				dst = append(dst, s...)
			}
		case 'c':
			dst = append(dst, byte(toUint64(nextArg())))
		default:
			dst = append(dst, '%', verb)
		}
	}
	return len(dst)
}

func appendPadded(dst, digits []byte, width int, zero bool) []byte {
	pad := width - len(digits)
	fill := byte(' ')
	if zero {
		fill = '0'
	}
	for ; pad > 0; pad-- {
		dst = append(dst, fill)
	}
	return append(dst, digits...)
}

func appendInt(dst []byte, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		return appendUint(dst, uint64(-v), 10)
	}
	return appendUint(dst, uint64(v), 10)
}

const hexDigits = "0123456789abcdef"

func appendUint(dst []byte, v uint64, base uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	n := len(tmp)
	for v > 0 {
		n--
		tmp[n] = hexDigits[v%base]
		v /= base
	}
	return append(dst, tmp[n:]...)
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case uintptr:
		return int64(x)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case int:
		return uint64(x)
	case int32:
		return uint64(x)
	case int64:
		return uint64(x)
	case uint:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	case uintptr:
		return uint64(x)
	default:
		return 0
	}
}
