package escpos

import (
	"fmt"
	"strings"
	"time"

	"github.com/ordely/printbridge/device"
)

// TicketKind selects the rendering style for a ticket.
type TicketKind int

const (
	// CustomerReceipt includes prices and order totals.
	CustomerReceipt TicketKind = iota
	// KitchenTicket uses large, emphasized type and omits monetary fields.
	KitchenTicket
	// TestPrint exercises every command the device claims to support.
	TestPrint
)

func (k TicketKind) String() string {
	switch k {
	case CustomerReceipt:
		return "receipt"
	case KitchenTicket:
		return "kitchen"
	case TestPrint:
		return "test"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// TicketLine is the read-only projection of one order item onto paper.
type TicketLine struct {
	Quantity  int
	Name      string
	UnitPrice float64
	Variant   string
	Modifiers []string
	Notes     string
	Urgent    bool
}

// Totals carries the aggregate monetary lines of a customer receipt.
type Totals struct {
	Subtotal float64
	Discount float64
	Tax      float64
	Gratuity float64
	Total    float64
}

// Ticket describes one printable sub-ticket: the lines routed to a single
// device plus the order context they came from.
type Ticket struct {
	OrderNumber string
	Venue       string
	Lines       []TicketLine
	Totals      *Totals
	PlacedAt    time.Time
}

// Encoder renders tickets into ESC/POS byte streams. The zero value uses
// "$" as the currency symbol.
type Encoder struct {
	Currency string
}

// EncodeTicket renders the ticket for the given kind and device
// capabilities. Absent optional fields (variant, modifiers, notes, zero
// discount or gratuity) omit their lines entirely.
func (e Encoder) EncodeTicket(t Ticket, kind TicketKind, caps device.Capabilities) []byte {
	b := NewBuilder(caps)
	b.Init()

	switch kind {
	case KitchenTicket:
		e.encodeKitchen(b, t)
	case TestPrint:
		e.encodeTest(b, t)
	default:
		e.encodeReceipt(b, t)
	}

	b.Feed(3)
	b.Cut()
	return b.Bytes()
}

func (e Encoder) encodeReceipt(b *Builder, t Ticket) {
	if t.Venue != "" {
		b.Align(AlignCenter).Bold(true).Scale(2, 1).Line(t.Venue).Scale(1, 1).Bold(false)
	}
	b.Align(AlignCenter)
	if t.OrderNumber != "" {
		b.Line("Order " + t.OrderNumber)
	}
	if !t.PlacedAt.IsZero() {
		b.Line(t.PlacedAt.Format("02 Jan 2006 15:04"))
	}
	b.Align(AlignLeft)
	b.Separator()

	for _, line := range t.Lines {
		left := fmt.Sprintf("%d x %s", line.Quantity, line.Name)
		right := e.money(line.UnitPrice * float64(line.Quantity))
		b.Line(padColumns(left, right, b.Columns()))
		e.writeAnnotations(b, line, "   ")
	}

	if t.Totals != nil {
		b.Separator()
		tot := t.Totals
		b.Line(padColumns("Subtotal", e.money(tot.Subtotal), b.Columns()))
		if tot.Discount != 0 {
			b.Line(padColumns("Discount", "-"+e.money(tot.Discount), b.Columns()))
		}
		b.Line(padColumns("Tax", e.money(tot.Tax), b.Columns()))
		if tot.Gratuity != 0 {
			b.Line(padColumns("Gratuity", e.money(tot.Gratuity), b.Columns()))
		}
		b.Bold(true)
		b.Line(padColumns("TOTAL", e.money(tot.Total), b.Columns()))
		b.Bold(false)
	}
}

func (e Encoder) encodeKitchen(b *Builder, t Ticket) {
	b.Align(AlignCenter).Bold(true).Scale(2, 2)
	if t.OrderNumber != "" {
		b.Line("ORDER " + t.OrderNumber)
	}
	b.Scale(1, 1).Bold(false)
	if !t.PlacedAt.IsZero() {
		b.Line(t.PlacedAt.Format("15:04:05"))
	}
	if anyUrgent(t.Lines) {
		b.Bold(true).Line("*** RUSH ***").Bold(false)
	}
	b.Align(AlignLeft)
	b.Separator()

	for _, line := range t.Lines {
		b.Bold(true).Scale(2, 2)
		b.Line(fmt.Sprintf("%d x %s", line.Quantity, line.Name))
		b.Scale(1, 1).Bold(false)
		e.writeAnnotations(b, line, "  ")
	}
}

func (e Encoder) encodeTest(b *Builder, t Ticket) {
	b.Align(AlignCenter).Bold(true).Line("PRINT BRIDGE TEST").Bold(false)
	if t.Venue != "" {
		b.Line(t.Venue)
	}
	if !t.PlacedAt.IsZero() {
		b.Line(t.PlacedAt.Format("02 Jan 2006 15:04:05"))
	}
	b.Align(AlignLeft)
	b.Separator()
	for _, line := range t.Lines {
		b.Line(line.Name)
	}
	b.Separator()
	b.Line("normal")
	b.Bold(true).Line("bold").Bold(false)
	b.Scale(2, 2).Line("double").Scale(1, 1)
	b.Align(AlignCenter).Line("centered").Align(AlignLeft)
	b.Align(AlignRight).Line("right").Align(AlignLeft)
}

// writeAnnotations emits the optional sub-lines of an item: variant,
// modifiers, then free-text notes.
func (e Encoder) writeAnnotations(b *Builder, line TicketLine, indent string) {
	if line.Variant != "" {
		b.Line(indent + line.Variant)
	}
	for _, m := range line.Modifiers {
		if m == "" {
			continue
		}
		b.Line(indent + "+ " + m)
	}
	if line.Notes != "" {
		b.Line(indent + `"` + line.Notes + `"`)
	}
}

func (e Encoder) money(v float64) string {
	sym := e.Currency
	if sym == "" {
		sym = "$"
	}
	return fmt.Sprintf("%s%.2f", sym, v)
}

func anyUrgent(lines []TicketLine) bool {
	for _, l := range lines {
		if l.Urgent {
			return true
		}
	}
	return false
}

// padColumns lays out left- and right-aligned text in a fixed-width
// column, truncating the left side when the two would collide. Width is
// computed on the sanitized text, one byte per printed character, so
// multi-byte input cannot shift the right column.
func padColumns(left, right string, columns int) string {
	left, right = sanitize(left), sanitize(right)
	gap := columns - len(left) - len(right)
	if gap < 1 {
		keep := columns - len(right) - 2
		if keep < 1 {
			keep = 1
		}
		if len(left) > keep {
			left = left[:keep]
		}
		gap = columns - len(left) - len(right)
		if gap < 1 {
			gap = 1
		}
	}
	return left + strings.Repeat(" ", gap) + right
}

// TestTicket builds the connectivity-test ticket for a device.
func TestTicket(d device.Descriptor, at time.Time) Ticket {
	return Ticket{
		Venue:    d.DisplayName,
		PlacedAt: at,
		Lines: []TicketLine{
			{Name: "id:        " + d.ID},
			{Name: "transport: " + string(d.Transport)},
			{Name: "address:   " + d.Address},
		},
	}
}
