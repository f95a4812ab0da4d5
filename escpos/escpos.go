// Package escpos builds ESC/POS command streams for thermal receipt
// printers. Encoding is pure and deterministic: the same input always
// produces byte-identical output, and the output is transport-agnostic.
package escpos

import (
	"bytes"
	"strings"

	"github.com/ordely/printbridge/device"
)

// Control bytes of the ESC/POS instruction set.
const (
	esc byte = 0x1B
	gs  byte = 0x1D
	dle byte = 0x10
	eot byte = 0x04
	lf  byte = 0x0A
)

// Alignment selects horizontal text alignment (ESC a).
type Alignment byte

const (
	AlignLeft   Alignment = 0
	AlignCenter Alignment = 1
	AlignRight  Alignment = 2
)

// Builder accumulates an ESC/POS command stream interleaved with literal
// text. Commands the device cannot honor (cut, bold, scale) are elided
// rather than sent blind.
type Builder struct {
	buf  bytes.Buffer
	caps device.Capabilities
}

// NewBuilder creates a builder for a device with the given capabilities.
func NewBuilder(caps device.Capabilities) *Builder {
	if caps.Columns <= 0 {
		caps.Columns = device.DefaultCapabilities().Columns
	}
	return &Builder{caps: caps}
}

// Columns returns the printable character width of the target paper.
func (b *Builder) Columns() int {
	return b.caps.Columns
}

// Init resets the printer to its power-on state (ESC @).
func (b *Builder) Init() *Builder {
	b.buf.Write([]byte{esc, '@'})
	return b
}

// Align sets horizontal alignment (ESC a n).
func (b *Builder) Align(a Alignment) *Builder {
	b.buf.Write([]byte{esc, 'a', byte(a)})
	return b
}

// Bold switches emphasis on or off (ESC E n).
func (b *Builder) Bold(on bool) *Builder {
	if !b.caps.CanBold {
		return b
	}
	n := byte(0)
	if on {
		n = 1
	}
	b.buf.Write([]byte{esc, 'E', n})
	return b
}

// Scale sets character width and height multipliers (GS ! n).
// Multipliers are clamped to 1..3.
func (b *Builder) Scale(width, height int) *Builder {
	if !b.caps.CanScale {
		return b
	}
	b.buf.Write([]byte{gs, '!', scaleByte(width, height)})
	return b
}

func scaleByte(width, height int) byte {
	return byte(clampScale(width)-1)<<4 | byte(clampScale(height)-1)
}

func clampScale(n int) int {
	if n < 1 {
		return 1
	}
	if n > 3 {
		return 3
	}
	return n
}

// Text appends literal text bytes. Characters the printer character set
// cannot represent are substituted with '?' rather than aborting the
// ticket.
func (b *Builder) Text(s string) *Builder {
	b.buf.WriteString(sanitize(s))
	return b
}

// Line appends text followed by a line feed.
func (b *Builder) Line(s string) *Builder {
	b.Text(s)
	b.buf.WriteByte(lf)
	return b
}

// Feed advances the paper n lines (ESC d n).
func (b *Builder) Feed(n int) *Builder {
	if n < 1 {
		n = 1
	}
	if n > 255 {
		n = 255
	}
	b.buf.Write([]byte{esc, 'd', byte(n)})
	return b
}

// Separator prints a full-width dashed rule.
func (b *Builder) Separator() *Builder {
	return b.Line(strings.Repeat("-", b.caps.Columns))
}

// Cut feeds past the tear bar and performs a full paper cut (GS V).
// Devices without a cutter get a few blank lines for manual tearing.
func (b *Builder) Cut() *Builder {
	if !b.caps.CanCut {
		return b.Feed(5)
	}
	b.buf.Write([]byte{gs, 'V', 'A', 0x03})
	return b
}

// Bytes returns the accumulated command stream.
func (b *Builder) Bytes() []byte {
	return b.buf.Bytes()
}

// sanitize replaces bytes outside the printable ASCII range with '?'.
// A partially readable kitchen ticket beats an aborted one.
func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r >= 0x20 && r < 0x7F {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('?')
		}
	}
	return sb.String()
}

// StatusRequest returns the real-time transmit-status request (DLE EOT 1).
// Writing it to an open socket and reading one byte back is the best
// available "is this a printer" check.
func StatusRequest() []byte {
	return []byte{dle, eot, 0x01}
}

// PlausibleStatus reports whether b looks like a DLE EOT 1 reply: the
// fixed bits of the status byte are 0b0xx10x10. Devices that answer with
// arbitrary data fail this check; genuine printers that simply stay silent
// are not penalized by callers.
func PlausibleStatus(b byte) bool {
	return b&0x93 == 0x12
}

// StatusOnline reports whether a plausible status byte indicates the
// printer is online (bit 3 clear).
func StatusOnline(b byte) bool {
	return b&0x08 == 0
}
