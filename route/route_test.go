package route

import (
	"errors"
	"testing"
	"time"

	"github.com/ordely/printbridge/order"
)

func mustRule(t *testing.T, target string, scope ScopeType, scopeID string, priority int) Rule {
	t.Helper()
	r, err := NewRule(target, scope, scopeID, priority)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return r
}

func TestNewRuleValidation(t *testing.T) {
	if _, err := NewRule("", ScopeCategory, "drinks", 0); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	if _, err := NewRule("dev-1", "table", "x", 0); !errors.Is(err, ErrBadScope) {
		t.Fatalf("expected ErrBadScope, got %v", err)
	}
	if _, err := NewRule("dev-1", ScopeMenuItem, "", 0); !errors.Is(err, ErrNoScopeID) {
		t.Fatalf("expected ErrNoScopeID, got %v", err)
	}
	r := mustRule(t, "dev-1", ScopeMenuItem, "item-1", 3)
	if r.ID == "" || !r.Active {
		t.Fatalf("expected active rule with id, got %+v", r)
	}
}

func TestRouteItemsCategorySplit(t *testing.T) {
	rules := []Rule{
		mustRule(t, "kitchen", ScopeCategory, "food", 0),
		mustRule(t, "bar", ScopeCategory, "drinks", 0),
	}
	items := []order.Item{
		{MenuItemID: "i1", CategoryID: "food", Name: "Burger", Quantity: 1},
		{MenuItemID: "i2", CategoryID: "drinks", Name: "Lager", Quantity: 2},
		{MenuItemID: "i3", CategoryID: "food", Name: "Fries", Quantity: 1},
	}

	groups := RouteItems(items, rules, "")
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups["kitchen"]) != 2 || len(groups["bar"]) != 1 {
		t.Fatalf("unexpected group sizes: %v", groups)
	}
	// Item order within a group follows input order.
	if groups["kitchen"][0].Name != "Burger" || groups["kitchen"][1].Name != "Fries" {
		t.Fatalf("kitchen group out of order: %v", groups["kitchen"])
	}
}

func TestRouteItemsItemRulePreemptsCategory(t *testing.T) {
	rules := []Rule{
		mustRule(t, "kitchen", ScopeCategory, "food", 10),
		mustRule(t, "grill", ScopeMenuItem, "i1", 0),
	}
	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Steak", Quantity: 1}}

	groups := RouteItems(items, rules, "")
	if len(groups) != 1 || len(groups["grill"]) != 1 {
		t.Fatalf("item-scope rule should win regardless of priority: %v", groups)
	}
}

func TestRouteItemsPriorityWinsWithinScope(t *testing.T) {
	rules := []Rule{
		mustRule(t, "old-kitchen", ScopeCategory, "food", 1),
		mustRule(t, "new-kitchen", ScopeCategory, "food", 5),
	}
	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Soup", Quantity: 1}}

	groups := RouteItems(items, rules, "")
	if _, ok := groups["old-kitchen"]; ok {
		t.Fatalf("lower-priority rule should not receive the item: %v", groups)
	}
	if len(groups["new-kitchen"]) != 1 {
		t.Fatalf("expected new-kitchen to receive the item: %v", groups)
	}
}

func TestRouteItemsTieFansOut(t *testing.T) {
	rules := []Rule{
		mustRule(t, "kitchen", ScopeCategory, "food", 5),
		mustRule(t, "expo", ScopeCategory, "food", 5),
	}
	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Pasta", Quantity: 1}}

	groups := RouteItems(items, rules, "")
	if len(groups) != 2 {
		t.Fatalf("tied rules should duplicate the item to both stations: %v", groups)
	}
	if len(groups["kitchen"]) != 1 || len(groups["expo"]) != 1 {
		t.Fatalf("each station should get one copy: %v", groups)
	}
}

func TestRouteItemsDuplicateTargetCollapses(t *testing.T) {
	a := mustRule(t, "kitchen", ScopeCategory, "food", 5)
	b := mustRule(t, "kitchen", ScopeCategory, "food", 5)
	b.CreatedAt = a.CreatedAt.Add(time.Minute)

	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Salad", Quantity: 1}}
	groups := RouteItems(items, []Rule{a, b}, "")
	if len(groups["kitchen"]) != 1 {
		t.Fatalf("same-target ties must not duplicate lines: %v", groups["kitchen"])
	}
}

func TestRouteItemsDefaultFallback(t *testing.T) {
	items := []order.Item{{MenuItemID: "i1", CategoryID: "misc", Name: "Pie", Quantity: 1}}

	groups := RouteItems(items, nil, "front")
	if len(groups["front"]) != 1 {
		t.Fatalf("unmatched item should fall back to the default device: %v", groups)
	}

	// Without a default the item is dropped rather than misrouted.
	groups = RouteItems(items, nil, "")
	if len(groups) != 0 {
		t.Fatalf("expected empty routing with no rules and no default, got %v", groups)
	}
}

func TestRouteItemsIgnoresInactiveRules(t *testing.T) {
	r := mustRule(t, "kitchen", ScopeCategory, "food", 0)
	r.Active = false
	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Stew", Quantity: 1}}

	groups := RouteItems(items, []Rule{r}, "front")
	if _, ok := groups["kitchen"]; ok {
		t.Fatalf("inactive rule must not match: %v", groups)
	}
	if len(groups["front"]) != 1 {
		t.Fatalf("item should fall through to the default: %v", groups)
	}
}

func TestRouteItemsIsPure(t *testing.T) {
	rules := []Rule{mustRule(t, "kitchen", ScopeCategory, "food", 0)}
	items := []order.Item{{MenuItemID: "i1", CategoryID: "food", Name: "Curry", Quantity: 1}}

	before := rules[0]
	RouteItems(items, rules, "front")
	if rules[0] != before {
		t.Fatalf("routing mutated its rule input")
	}
}
