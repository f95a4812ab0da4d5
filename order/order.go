// Package order defines the read-only view of restaurant orders consumed
// by the printing subsystem. The surrounding POS application owns these
// structures; nothing here mutates them.
package order

import (
	"time"

	"github.com/ordely/printbridge/escpos"
)

// Order is one placed order with its line items and aggregate totals.
type Order struct {
	ID       string    `json:"id"`
	Number   string    `json:"number"`
	Items    []Item    `json:"items"`
	Subtotal float64   `json:"subtotal"`
	Tax      float64   `json:"tax"`
	Discount float64   `json:"discount"`
	Gratuity float64   `json:"gratuity"`
	Total    float64   `json:"total"`
	PlacedAt time.Time `json:"placed_at"`
}

// Item is one order line referencing a menu item.
type Item struct {
	MenuItemID string   `json:"menu_item_id"`
	CategoryID string   `json:"category_id"`
	Name       string   `json:"name"`
	Quantity   int      `json:"quantity"`
	UnitPrice  float64  `json:"unit_price"`
	Variant    string   `json:"variant,omitempty"`
	Modifiers  []string `json:"modifiers,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	Urgent     bool     `json:"urgent,omitempty"`
}

// TicketLine projects the item onto a printable ticket line.
func (i Item) TicketLine() escpos.TicketLine {
	return escpos.TicketLine{
		Quantity:  i.Quantity,
		Name:      i.Name,
		UnitPrice: i.UnitPrice,
		Variant:   i.Variant,
		Modifiers: i.Modifiers,
		Notes:     i.Notes,
		Urgent:    i.Urgent,
	}
}

// Totals returns the aggregate monetary lines for a customer receipt.
func (o Order) Totals() escpos.Totals {
	return escpos.Totals{
		Subtotal: o.Subtotal,
		Discount: o.Discount,
		Tax:      o.Tax,
		Gratuity: o.Gratuity,
		Total:    o.Total,
	}
}
