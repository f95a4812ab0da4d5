package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/order"
	"github.com/ordely/printbridge/pool"
)

type memConn struct {
	mu      sync.Mutex
	written []byte
}

func (c *memConn) Read(p []byte) (int, error) { return 0, errors.New("no data") }

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *memConn) Close() error                     { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

func (c *memConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// splitDialer succeeds for every address except those marked unreachable.
type splitDialer struct {
	mu          sync.Mutex
	unreachable map[string]bool
	conns       map[string]*memConn
}

func newSplitDialer(unreachable ...string) *splitDialer {
	d := &splitDialer{unreachable: make(map[string]bool), conns: make(map[string]*memConn)}
	for _, addr := range unreachable {
		d.unreachable[addr] = true
	}
	return d
}

func (d *splitDialer) dial(desc device.Descriptor, timeout time.Duration) (device.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unreachable[desc.Address] {
		return nil, errors.New("connection refused")
	}
	c := &memConn{}
	d.conns[desc.Address] = c
	return c, nil
}

func (d *splitDialer) conn(addr string) *memConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[addr]
}

func testConfig() Config {
	return Config{
		Concurrency:  4,
		WriteRetries: 2,
		RetryDelay:   time.Millisecond,
		Timeout:      2 * time.Second,
	}
}

func fastPolicy() pool.Policy {
	p := pool.DefaultPolicy()
	p.ConnectTimeout = 100 * time.Millisecond
	p.BaseDelay = time.Hour // keep failed devices in backoff for the whole test
	p.MaxAttempts = 10
	return p
}

func setup(t *testing.T, dialer *splitDialer, policy pool.Policy, addrs ...string) (*Dispatcher, *device.Registry) {
	t.Helper()
	reg := device.NewRegistry()
	for _, addr := range addrs {
		reg.Put(device.NewDescriptor(device.TransportNetwork, addr, ""))
	}
	pm := pool.NewManager(reg, dialer.dial, policy)
	return New(pm, escpos.Encoder{}, testConfig()), reg
}

func sampleOrder() order.Order {
	return order.Order{
		ID:     "ord-1",
		Number: "42",
		Items: []order.Item{
			{MenuItemID: "i1", CategoryID: "food", Name: "Burger", Quantity: 1, UnitPrice: 9.5},
		},
		Subtotal: 9.5, Tax: 0.76, Total: 10.26,
		PlacedAt: time.Now(),
	}
}

func TestDispatchDeliversToAllDevices(t *testing.T) {
	dialer := newSplitDialer()
	d, _ := setup(t, dialer, fastPolicy(), "10.0.0.5:9100", "10.0.0.6:9100")

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.5:9100": {{Quantity: 1, Name: "Burger"}},
		"net-10.0.0.6:9100": {{Quantity: 2, Name: "Lager"}},
	}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)

	if len(outcomes) != 2 {
		t.Fatalf("expected an outcome per device, got %v", outcomes)
	}
	for id, out := range outcomes {
		if out.Status != StatusSuccess {
			t.Fatalf("%s: expected success, got %+v", id, out)
		}
	}
	if got := dialer.conn("10.0.0.5:9100").bytes(); !strings.Contains(string(got), "Burger") {
		t.Fatalf("first device never received its lines: %q", got)
	}
	if got := dialer.conn("10.0.0.6:9100").bytes(); !strings.Contains(string(got), "Lager") {
		t.Fatalf("second device never received its lines: %q", got)
	}
}

func TestDispatchIsolatesUnreachableDevice(t *testing.T) {
	dialer := newSplitDialer("10.0.0.6:9100")
	d, _ := setup(t, dialer, fastPolicy(), "10.0.0.5:9100", "10.0.0.6:9100")

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.5:9100": {{Quantity: 1, Name: "Burger"}},
		"net-10.0.0.6:9100": {{Quantity: 1, Name: "Lager"}},
	}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)

	if outcomes["net-10.0.0.5:9100"].Status != StatusSuccess {
		t.Fatalf("reachable device should succeed: %+v", outcomes)
	}
	bad := outcomes["net-10.0.0.6:9100"]
	if bad.Status != StatusFailed {
		t.Fatalf("unreachable device must report failed, got %+v", bad)
	}
	if !strings.Contains(bad.Reason, "connection refused") {
		t.Fatalf("failure reason should carry the dial error, got %q", bad.Reason)
	}
}

func TestDispatchUnreachableFailsUnderDefaultPolicy(t *testing.T) {
	// With stock retry pacing, attempt 1's dial failure puts the device
	// into backoff before attempt 2 runs; the terminal status must still
	// be the original failure, not skipped.
	dialer := newSplitDialer("10.0.0.6:9100")
	reg := device.NewRegistry()
	reg.Put(device.NewDescriptor(device.TransportNetwork, "10.0.0.6:9100", ""))
	pm := pool.NewManager(reg, dialer.dial, pool.DefaultPolicy())
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	d := New(pm, escpos.Encoder{}, cfg)

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.6:9100": {{Quantity: 1, Name: "Lager"}},
	}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)

	out := outcomes["net-10.0.0.6:9100"]
	if out.Status != StatusFailed {
		t.Fatalf("expected failed for unreachable device, got %+v", out)
	}
	if !strings.Contains(out.Reason, "connection refused") {
		t.Fatalf("reason should be the dial failure, not the backoff: %q", out.Reason)
	}
}

func TestDispatchSkipsParkedDevice(t *testing.T) {
	dialer := newSplitDialer("10.0.0.5:9100")
	policy := fastPolicy()
	policy.MaxAttempts = 1 // first failure parks the device
	d, _ := setup(t, dialer, policy, "10.0.0.5:9100")

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.5:9100": {{Quantity: 1, Name: "Burger"}},
	}

	// The dispatch that parks the device reports the real failure.
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)
	if out := outcomes["net-10.0.0.5:9100"]; out.Status != StatusFailed {
		t.Fatalf("parking dispatch should report the dial failure, got %+v", out)
	}

	// A later dispatch against the already-parked device is skipped: no
	// connection attempt is possible anymore.
	outcomes = d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)
	out := outcomes["net-10.0.0.5:9100"]
	if out.Status != StatusSkipped {
		t.Fatalf("parked device should be skipped, got %+v", out)
	}
	if !strings.Contains(out.Reason, "parked") {
		t.Fatalf("skip reason should name the parked state, got %q", out.Reason)
	}
}

func TestDispatchSkipsUnknownDevice(t *testing.T) {
	dialer := newSplitDialer()
	d, _ := setup(t, dialer, fastPolicy(), "10.0.0.5:9100")

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.9:9100": {{Quantity: 1, Name: "Burger"}},
	}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)

	out := outcomes["net-10.0.0.9:9100"]
	if out.Status != StatusSkipped {
		t.Fatalf("unknown device should be skipped, got %+v", out)
	}
}

func TestDispatchSkipsEmptyGroup(t *testing.T) {
	dialer := newSplitDialer()
	d, _ := setup(t, dialer, fastPolicy(), "10.0.0.5:9100")

	groups := map[string][]escpos.TicketLine{"net-10.0.0.5:9100": nil}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.KitchenTicket)

	out := outcomes["net-10.0.0.5:9100"]
	if out.Status != StatusSkipped || out.Reason != "no lines routed" {
		t.Fatalf("empty group should be skipped without dialing, got %+v", out)
	}
	if dialer.conn("10.0.0.5:9100") != nil {
		t.Fatalf("empty group must not open a connection")
	}
}

func TestDispatchReceiptIncludesTotals(t *testing.T) {
	dialer := newSplitDialer()
	d, _ := setup(t, dialer, fastPolicy(), "10.0.0.5:9100")

	groups := map[string][]escpos.TicketLine{
		"net-10.0.0.5:9100": {{Quantity: 1, Name: "Burger", UnitPrice: 9.5}},
	}
	outcomes := d.Dispatch(context.Background(), sampleOrder(), groups, escpos.CustomerReceipt)
	if outcomes["net-10.0.0.5:9100"].Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", outcomes)
	}
	got := string(dialer.conn("10.0.0.5:9100").bytes())
	if !strings.Contains(got, "TOTAL") || !strings.Contains(got, "$10.26") {
		t.Fatalf("receipt dispatch should include order totals: %q", got)
	}
}
