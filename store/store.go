// Package store persists printer records and assignment rules as JSON
// files. It is the storage boundary: records are validated on the way in
// and out so malformed persisted data never propagates into routing or
// encoding as untyped values.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/route"
)

const (
	printersFile = "printers.json"
	rulesFile    = "rules.json"
)

var ErrInvalidRecord = errors.New("invalid record")

// PrinterRecord is the persisted form of a known printer.
type PrinterRecord struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Transport     device.Transport    `json:"transport"`
	Address       string              `json:"address"`
	Active        bool                `json:"active"`
	Capabilities  device.Capabilities `json:"capabilities"`
	LastStatus    string              `json:"last_status,omitempty"`
	LastConnected time.Time           `json:"last_connected,omitempty"`
}

// Validate checks the record's structural invariants.
func (r PrinterRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: printer without id", ErrInvalidRecord)
	}
	if !r.Transport.Valid() {
		return fmt.Errorf("%w: printer %s has unknown transport %q", ErrInvalidRecord, r.ID, r.Transport)
	}
	if r.Address == "" {
		return fmt.Errorf("%w: printer %s has no address", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Descriptor converts the record into a registry descriptor.
func (r PrinterRecord) Descriptor() device.Descriptor {
	caps := r.Capabilities
	if caps.Columns <= 0 {
		caps = device.DefaultCapabilities()
	}
	return device.Descriptor{
		ID:           r.ID,
		Transport:    r.Transport,
		Address:      r.Address,
		DisplayName:  r.Name,
		Capabilities: caps,
		LastSeen:     r.LastConnected,
	}
}

// RecordOf builds a persisted record from a descriptor.
func RecordOf(d device.Descriptor) PrinterRecord {
	return PrinterRecord{
		ID:           d.ID,
		Name:         d.DisplayName,
		Transport:    d.Transport,
		Address:      d.Address,
		Active:       true,
		Capabilities: d.Capabilities,
	}
}

// Store is a JSON-file backed record store with an in-memory cache.
type Store struct {
	mu       sync.RWMutex
	dir      string
	printers map[string]PrinterRecord
	rules    map[string]route.Rule
}

// Open loads (or initializes) the store in dir. Malformed records are
// logged and skipped at this boundary rather than surfaced downstream;
// valid records in the same file survive.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		printers: make(map[string]PrinterRecord),
		rules:    make(map[string]route.Rule),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var printers []PrinterRecord
	if err := readJSON(filepath.Join(s.dir, printersFile), &printers); err != nil {
		return err
	}
	for _, r := range printers {
		if err := r.Validate(); err != nil {
			log.Printf("store: skipping persisted printer: %v", err)
			continue
		}
		s.printers[r.ID] = r
	}

	var rules []route.Rule
	if err := readJSON(filepath.Join(s.dir, rulesFile), &rules); err != nil {
		return err
	}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			log.Printf("store: skipping persisted rule: %v", err)
			continue
		}
		s.rules[r.ID] = r
	}
	return nil
}

func validateRule(r route.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule without id", ErrInvalidRecord)
	}
	if r.TargetDeviceID == "" {
		return fmt.Errorf("%w: rule %s has no target device", ErrInvalidRecord, r.ID)
	}
	if !r.Scope.Valid() {
		return fmt.Errorf("%w: rule %s has unknown scope %q", ErrInvalidRecord, r.ID, r.Scope)
	}
	if r.ScopeID == "" {
		return fmt.Errorf("%w: rule %s has no scope id", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Printers returns all persisted printer records sorted by id.
func (s *Store) Printers() []PrinterRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]PrinterRecord, 0, len(s.printers))
	for _, r := range s.printers {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Printer returns one persisted printer record.
func (s *Store) Printer(id string) (PrinterRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.printers[id]
	return r, ok
}

// SavePrinter validates and upserts a printer record.
func (s *Store) SavePrinter(r PrinterRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printers[r.ID] = r
	return s.savePrinters()
}

// SetPrinterStatus updates the operational status columns of a printer.
func (s *Store) SetPrinterStatus(id, status string, connectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.printers[id]
	if !ok {
		return nil
	}
	r.LastStatus = status
	if !connectedAt.IsZero() {
		r.LastConnected = connectedAt
	}
	s.printers[id] = r
	return s.savePrinters()
}

// DeletePrinter removes a printer record.
func (s *Store) DeletePrinter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.printers[id]; !ok {
		return nil
	}
	delete(s.printers, id)
	return s.savePrinters()
}

// Rules returns all persisted assignment rules sorted by creation time.
func (s *Store) Rules() []route.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]route.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// SaveRule validates and upserts an assignment rule.
func (s *Store) SaveRule(r route.Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return s.saveRules()
}

// DeleteRule removes a rule and reports whether it existed.
func (s *Store) DeleteRule(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return false, nil
	}
	delete(s.rules, id)
	return true, s.saveRules()
}

// savePrinters and saveRules run under s.mu.
func (s *Store) savePrinters() error {
	list := make([]PrinterRecord, 0, len(s.printers))
	for _, r := range s.printers {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return writeJSON(filepath.Join(s.dir, printersFile), list)
}

func (s *Store) saveRules() error {
	list := make([]route.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return writeJSON(filepath.Join(s.dir, rulesFile), list)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSON persists atomically: write a temp file, then rename over the
// target.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
