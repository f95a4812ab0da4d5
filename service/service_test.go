package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/discover"
	"github.com/ordely/printbridge/dispatch"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/joblog"
	"github.com/ordely/printbridge/order"
	"github.com/ordely/printbridge/pool"
	"github.com/ordely/printbridge/route"
	"github.com/ordely/printbridge/store"
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

type memDialer struct {
	mu    sync.Mutex
	conns map[string]*memConn
}

func (d *memDialer) dial(desc device.Descriptor, timeout time.Duration) (device.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = make(map[string]*memConn)
	}
	c := &memConn{}
	d.conns[desc.Address] = c
	return c, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(event string, payload any) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestService(t *testing.T) (*Service, *memDialer, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	jobs, err := joblog.NewManager(dir)
	if err != nil {
		t.Fatalf("open job log: %v", err)
	}

	reg := device.NewRegistry()
	dialer := &memDialer{}
	policy := pool.DefaultPolicy()
	policy.ConnectTimeout = 100 * time.Millisecond
	pm := pool.NewManager(reg, dialer.dial, policy)
	engine := discover.NewEngine(discover.DefaultConfig(), nil)

	disp := dispatch.New(pm, escpos.Encoder{}, dispatch.Config{
		Concurrency: 4, WriteRetries: 2, RetryDelay: time.Millisecond, Timeout: 2 * time.Second,
	})
	svc := New(reg, st, engine, pm, disp, jobs, Config{DefaultDeviceID: "net-10.0.0.5:9100"})
	return svc, dialer, st
}

func seedPrinter(t *testing.T, svc *Service, addr, name string) device.Descriptor {
	t.Helper()
	desc := device.NewDescriptor(device.TransportNetwork, addr, name)
	svc.adopt(desc)
	return desc
}

func TestLoadPersistedSkipsInactive(t *testing.T) {
	svc, _, st := newTestService(t)

	active := store.RecordOf(device.NewDescriptor(device.TransportNetwork, "10.0.0.5:9100", "kitchen"))
	inactive := store.RecordOf(device.NewDescriptor(device.TransportNetwork, "10.0.0.6:9100", "bar"))
	inactive.Active = false
	if err := st.SavePrinter(active); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SavePrinter(inactive); err != nil {
		t.Fatalf("save: %v", err)
	}

	svc.LoadPersisted()
	devices := svc.Devices()
	if len(devices) != 1 || devices[0].Descriptor.ID != "net-10.0.0.5:9100" {
		t.Fatalf("expected only the active printer to register, got %v", devices)
	}
}

func TestAdoptPersistsAndNotifies(t *testing.T) {
	svc, _, st := newTestService(t)
	n := &recordingNotifier{}
	svc.SetNotifier(n)

	seedPrinter(t, svc, "10.0.0.5:9100", "kitchen")
	if _, ok := st.Printer("net-10.0.0.5:9100"); !ok {
		t.Fatalf("adopted device should be persisted")
	}
	if !n.has("device_added") {
		t.Fatalf("expected device_added event, got %v", n.events)
	}
}

func TestSetDeviceActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := seedPrinter(t, svc, "10.0.0.5:9100", "kitchen")

	if err := svc.SetDeviceActive(d.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(svc.Devices()) != 0 {
		t.Fatalf("deactivated device should leave the registry")
	}

	if err := svc.SetDeviceActive(d.ID, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if len(svc.Devices()) != 1 {
		t.Fatalf("reactivated device should re-register")
	}

	if err := svc.SetDeviceActive("net-nowhere", true); !errors.Is(err, pool.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCreateRuleRejectsUnknownTarget(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.CreateRule("net-nowhere", route.ScopeCategory, "food", 0); !errors.Is(err, pool.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestPrintOrderEndToEnd(t *testing.T) {
	svc, dialer, _ := newTestService(t)
	seedPrinter(t, svc, "10.0.0.5:9100", "kitchen")
	bar := seedPrinter(t, svc, "10.0.0.6:9100", "bar")

	if _, err := svc.CreateRule(bar.ID, route.ScopeCategory, "drinks", 0); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	o := order.Order{
		ID:     "ord-1",
		Number: "42",
		Items: []order.Item{
			{MenuItemID: "i1", CategoryID: "food", Name: "Burger", Quantity: 1},
			{MenuItemID: "i2", CategoryID: "drinks", Name: "Lager", Quantity: 2},
		},
		PlacedAt: time.Now(),
	}
	outcomes, err := svc.PrintOrder(context.Background(), o, escpos.KitchenTicket)
	if err != nil {
		t.Fatalf("print order: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected outcomes for both stations, got %v", outcomes)
	}
	for id, out := range outcomes {
		if out.Status != dispatch.StatusSuccess {
			t.Fatalf("%s: %+v", id, out)
		}
	}

	if got := string(dialer.conns["10.0.0.5:9100"].bytes()); !strings.Contains(got, "Burger") {
		t.Fatalf("kitchen ticket missing its item: %q", got)
	}
	if got := string(dialer.conns["10.0.0.6:9100"].bytes()); !strings.Contains(got, "Lager") {
		t.Fatalf("bar ticket missing its item: %q", got)
	}

	// The dispatch lands in the job log.
	if jobs := svc.jobs.List(1); len(jobs) != 1 || jobs[0].OrderNumber != "42" {
		t.Fatalf("job log missing the dispatch: %v", jobs)
	}
}

func TestPrintOrderEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.PrintOrder(context.Background(), order.Order{Number: "1"}, escpos.KitchenTicket); !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("expected ErrEmptyOrder, got %v", err)
	}
}

func TestPrintOrderNoPrinterAssigned(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.defaultDeviceID = ""

	o := order.Order{
		Number: "7",
		Items:  []order.Item{{MenuItemID: "i1", CategoryID: "misc", Name: "Pie", Quantity: 1}},
	}
	if _, err := svc.PrintOrder(context.Background(), o, escpos.KitchenTicket); !errors.Is(err, ErrNoPrinterAssigned) {
		t.Fatalf("expected ErrNoPrinterAssigned, got %v", err)
	}
}

func TestTestPrint(t *testing.T) {
	svc, dialer, _ := newTestService(t)
	d := seedPrinter(t, svc, "10.0.0.5:9100", "kitchen")

	if err := svc.TestPrint(context.Background(), d.ID); err != nil {
		t.Fatalf("test print: %v", err)
	}
	if got := string(dialer.conns["10.0.0.5:9100"].bytes()); !strings.Contains(got, "PRINT BRIDGE TEST") {
		t.Fatalf("test ticket never reached the device: %q", got)
	}

	if err := svc.TestPrint(context.Background(), "net-nowhere"); !errors.Is(err, pool.ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestRemoveDevice(t *testing.T) {
	svc, _, st := newTestService(t)
	d := seedPrinter(t, svc, "10.0.0.5:9100", "kitchen")

	if err := svc.RemoveDevice(d.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(svc.Devices()) != 0 {
		t.Fatalf("device still registered after removal")
	}
	if _, ok := st.Printer(d.ID); ok {
		t.Fatalf("device record still persisted after removal")
	}
}
