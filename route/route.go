// Package route maps order line items to target printer devices using
// category- and item-level assignment rules.
package route

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/order"
)

// ScopeType says what an assignment rule is keyed on.
type ScopeType string

const (
	ScopeMenuItem ScopeType = "menu_item"
	ScopeCategory ScopeType = "category"
)

// Valid reports whether s is a known scope type.
func (s ScopeType) Valid() bool {
	return s == ScopeMenuItem || s == ScopeCategory
}

var (
	ErrBadScope  = errors.New("invalid rule scope")
	ErrNoTarget  = errors.New("rule has no target device")
	ErrNoScopeID = errors.New("rule has no scope id")
)

// Rule assigns a menu item or category to a target device. Rules are
// read-mostly configuration; routing never mutates them.
type Rule struct {
	ID             string    `json:"id"`
	TargetDeviceID string    `json:"target_device_id"`
	Scope          ScopeType `json:"scope"`
	ScopeID        string    `json:"scope_id"`
	Priority       int       `json:"priority"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRule validates and builds an active rule with a fresh id.
func NewRule(targetDeviceID string, scope ScopeType, scopeID string, priority int) (Rule, error) {
	if targetDeviceID == "" {
		return Rule{}, ErrNoTarget
	}
	if !scope.Valid() {
		return Rule{}, fmt.Errorf("%w: %q", ErrBadScope, scope)
	}
	if scopeID == "" {
		return Rule{}, ErrNoScopeID
	}
	return Rule{
		ID:             uuid.NewString(),
		TargetDeviceID: targetDeviceID,
		Scope:          scope,
		ScopeID:        scopeID,
		Priority:       priority,
		Active:         true,
		CreatedAt:      time.Now(),
	}, nil
}

// RouteItems splits an order's items into per-device ticket line groups.
//
// Resolution per item: active rules scoped to the exact menu item id win
// outright; with none present, category rules are consulted; with none of
// those either, the item goes to defaultDeviceID. Within the matched scope
// the highest priority wins, and rules tied at that priority fan the item
// out to each distinct target device (one independent copy per station).
// Item order within each group follows the order of the input items.
func RouteItems(items []order.Item, rules []Rule, defaultDeviceID string) map[string][]escpos.TicketLine {
	groups := make(map[string][]escpos.TicketLine)

	for _, item := range items {
		targets := resolveTargets(item, rules)
		if len(targets) == 0 && defaultDeviceID != "" {
			targets = []string{defaultDeviceID}
		}
		for _, id := range targets {
			groups[id] = append(groups[id], item.TicketLine())
		}
	}

	return groups
}

// resolveTargets returns the device ids the item routes to, or nil when no
// rule matches and the default applies.
func resolveTargets(item order.Item, rules []Rule) []string {
	matched := matchScope(rules, ScopeMenuItem, item.MenuItemID)
	if len(matched) == 0 {
		matched = matchScope(rules, ScopeCategory, item.CategoryID)
	}
	if len(matched) == 0 {
		return nil
	}

	best := matched[0].Priority
	for _, r := range matched[1:] {
		if r.Priority > best {
			best = r.Priority
		}
	}

	// All rules at the winning priority contribute a target; duplicates to
	// the same device collapse, keeping the most recently created rule.
	latest := make(map[string]time.Time)
	var targets []string
	for _, r := range matched {
		if r.Priority != best {
			continue
		}
		if seen, ok := latest[r.TargetDeviceID]; ok {
			if r.CreatedAt.After(seen) {
				latest[r.TargetDeviceID] = r.CreatedAt
			}
			continue
		}
		latest[r.TargetDeviceID] = r.CreatedAt
		targets = append(targets, r.TargetDeviceID)
	}
	return targets
}

func matchScope(rules []Rule, scope ScopeType, scopeID string) []Rule {
	if scopeID == "" {
		return nil
	}
	var matched []Rule
	for _, r := range rules {
		if r.Active && r.Scope == scope && r.ScopeID == scopeID {
			matched = append(matched, r)
		}
	}
	return matched
}
