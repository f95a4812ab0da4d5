// Package service is the operational surface of the printing subsystem:
// the in-process API the surrounding POS application (and the bridge
// HTTP layer) calls. One Service instance is constructed by the
// composition root and injected where needed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/discover"
	"github.com/ordely/printbridge/dispatch"
	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/joblog"
	"github.com/ordely/printbridge/metrics"
	"github.com/ordely/printbridge/order"
	"github.com/ordely/printbridge/pool"
	"github.com/ordely/printbridge/route"
	"github.com/ordely/printbridge/store"
)

var (
	ErrNoPrinterAssigned = errors.New("no printer assigned for any order item")
	ErrEmptyOrder        = errors.New("order has no items")
)

// Notifier receives service events for UI broadcast. Implementations
// must not block.
type Notifier interface {
	Notify(event string, payload any)
}

// Service wires the discovery engine, registry, connection pool, router,
// and dispatcher behind one facade.
type Service struct {
	registry   *device.Registry
	store      *store.Store
	engine     *discover.Engine
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
	jobs       *joblog.Manager
	encoder    escpos.Encoder

	defaultDeviceID string
	notifier        Notifier
}

// Config carries the service-level settings.
type Config struct {
	DefaultDeviceID string
	Currency        string
}

// New builds the service facade.
func New(reg *device.Registry, st *store.Store, eng *discover.Engine, pm *pool.Manager,
	disp *dispatch.Dispatcher, jobs *joblog.Manager, cfg Config) *Service {
	return &Service{
		registry:        reg,
		store:           st,
		engine:          eng,
		pool:            pm,
		dispatcher:      disp,
		jobs:            jobs,
		encoder:         escpos.Encoder{Currency: cfg.Currency},
		defaultDeviceID: cfg.DefaultDeviceID,
	}
}

// SetNotifier registers the UI event sink.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) notify(event string, payload any) {
	if s.notifier != nil {
		s.notifier.Notify(event, payload)
	}
}

// LoadPersisted seeds the registry from the store. Inactive printers
// stay persisted but are not registered, so nothing routes to them.
func (s *Service) LoadPersisted() {
	for _, rec := range s.store.Printers() {
		if !rec.Active {
			continue
		}
		s.registry.Put(rec.Descriptor())
	}
	log.Printf("service: loaded %d device(s) from store", s.registry.Len())
}

// TriggerDiscovery runs one discovery pass, registers and persists every
// device found, and returns them. Partial results are returned when the
// pass hits its ceiling or ctx is cancelled.
func (s *Service) TriggerDiscovery(ctx context.Context, scope discover.Scope) []device.Descriptor {
	start := time.Now()
	var found []device.Descriptor
	for desc := range s.engine.Discover(ctx, scope) {
		s.adopt(desc)
		found = append(found, desc)
	}
	metrics.ObserveDiscovery(time.Since(start), len(found))
	log.Printf("service: discovery found %d device(s) in %s", len(found), time.Since(start).Round(time.Millisecond))
	s.notify("discovery_finished", map[string]any{"found": len(found)})
	return found
}

// adopt registers a discovered descriptor and writes it back to the
// store, preserving an existing record's name and capabilities.
func (s *Service) adopt(desc device.Descriptor) {
	if rec, ok := s.store.Printer(desc.ID); ok {
		if !rec.Active {
			return
		}
		desc.DisplayName = rec.Name
		desc.Capabilities = rec.Descriptor().Capabilities
		s.registry.Put(desc)
		s.registry.Touch(desc.ID)
		return
	}
	if isNew := s.registry.Put(desc); isNew {
		s.notify("device_added", desc)
	}
	if err := s.store.SavePrinter(store.RecordOf(desc)); err != nil {
		log.Printf("service: persisting %s: %v", desc.ID, err)
	}
}

// DeviceStatus pairs a descriptor with its live connection state.
type DeviceStatus struct {
	Descriptor device.Descriptor `json:"descriptor"`
	State      pool.State        `json:"state"`
}

// Devices lists all registered devices with live status.
func (s *Service) Devices() []DeviceStatus {
	var list []DeviceStatus
	for _, d := range s.registry.List() {
		st, _ := s.pool.State(d.ID)
		list = append(list, DeviceStatus{Descriptor: d, State: st})
	}
	return list
}

// AddDeviceByAddress probes one operator-specified endpoint and, on
// success, registers and persists it.
func (s *Service) AddDeviceByAddress(ctx context.Context, host string, port int) (device.Descriptor, error) {
	desc, err := s.engine.AddByAddress(ctx, host, port)
	if err != nil {
		return device.Descriptor{}, err
	}
	s.adopt(desc)
	return desc, nil
}

// RemoveDevice forgets a device entirely: registry, pool, store, and
// metric series.
func (s *Service) RemoveDevice(id string) error {
	s.pool.Forget(id)
	s.registry.Remove(id)
	metrics.DropDevice(id)
	s.notify("device_removed", map[string]any{"device_id": id})
	return s.store.DeletePrinter(id)
}

// SetDeviceActive enables or disables a device without deleting its
// record. Disabled devices drop out of the registry, so rules pointing
// at them stop matching live connections.
func (s *Service) SetDeviceActive(id string, active bool) error {
	rec, ok := s.store.Printer(id)
	if !ok {
		return fmt.Errorf("%w: %s", pool.ErrUnknownDevice, id)
	}
	rec.Active = active
	if err := s.store.SavePrinter(rec); err != nil {
		return err
	}
	if active {
		s.registry.Put(rec.Descriptor())
	} else {
		s.pool.Forget(id)
		s.registry.Remove(id)
	}
	return nil
}

// RetryDevice un-parks a device stuck in backoff.
func (s *Service) RetryDevice(id string) error {
	return s.pool.Retry(id)
}

// CreateRule validates and persists a new assignment rule. A rule
// referencing a device the store does not know is a configuration error
// reported to the caller.
func (s *Service) CreateRule(targetDeviceID string, scope route.ScopeType, scopeID string, priority int) (route.Rule, error) {
	if _, ok := s.store.Printer(targetDeviceID); !ok {
		return route.Rule{}, fmt.Errorf("rule target %w: %s", pool.ErrUnknownDevice, targetDeviceID)
	}
	rule, err := route.NewRule(targetDeviceID, scope, scopeID, priority)
	if err != nil {
		return route.Rule{}, err
	}
	if err := s.store.SaveRule(rule); err != nil {
		return route.Rule{}, err
	}
	s.notify("rule_created", rule)
	return rule, nil
}

// DeleteRule removes an assignment rule.
func (s *Service) DeleteRule(id string) error {
	removed, err := s.store.DeleteRule(id)
	if err != nil {
		return err
	}
	if removed {
		s.notify("rule_deleted", map[string]any{"rule_id": id})
	}
	return nil
}

// Rules returns the current rule snapshot.
func (s *Service) Rules() []route.Rule {
	return s.store.Rules()
}

// PrintOrder routes the order's items and dispatches the resulting
// sub-tickets. The per-device outcome map lets the caller distinguish a
// specific unreachable station from a fully failed print.
func (s *Service) PrintOrder(ctx context.Context, o order.Order, kind escpos.TicketKind) (map[string]dispatch.Outcome, error) {
	if len(o.Items) == 0 {
		return nil, ErrEmptyOrder
	}

	groups := route.RouteItems(o.Items, s.store.Rules(), s.defaultDeviceID)
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w (order %s)", ErrNoPrinterAssigned, o.Number)
	}

	started := time.Now()
	outcomes := s.dispatcher.Dispatch(ctx, o, groups, kind)
	s.recordOutcomes(o, kind, started, outcomes)
	return outcomes, nil
}

func (s *Service) recordOutcomes(o order.Order, kind escpos.TicketKind, started time.Time, outcomes map[string]dispatch.Outcome) {
	for deviceID, out := range outcomes {
		status := string(out.Status)
		var connectedAt time.Time
		if out.Status == dispatch.StatusSuccess {
			connectedAt = time.Now()
		}
		if err := s.store.SetPrinterStatus(deviceID, status, connectedAt); err != nil {
			log.Printf("service: updating status for %s: %v", deviceID, err)
		}
	}
	if s.jobs != nil {
		entry := s.jobs.Record(o.ID, o.Number, kind.String(), started, outcomes)
		s.notify("job_finished", entry)
	}
}

// TestPrint writes a connectivity-test ticket directly to one device.
func (s *Service) TestPrint(ctx context.Context, deviceID string) error {
	desc, ok := s.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", pool.ErrUnknownDevice, deviceID)
	}

	h, err := s.pool.Acquire(ctx, deviceID)
	if err != nil {
		return err
	}
	defer h.Release()

	ticket := escpos.TestTicket(desc, time.Now())
	data := s.encoder.EncodeTicket(ticket, escpos.TestPrint, h.Capabilities())
	metrics.ObserveTicketEncoded(escpos.TestPrint.String())
	if err := h.Write(data); err != nil {
		return err
	}
	log.Printf("service: test print sent to %s", desc)
	return nil
}
