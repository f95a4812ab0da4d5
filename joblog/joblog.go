// Package joblog keeps a rolling record of recent dispatch results for
// the operator UI. The printing core itself never persists jobs; this log
// lives on the caller side of that boundary.
package joblog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ordely/printbridge/dispatch"
)

const (
	logFile      = "jobs.json"
	defaultLimit = 200
)

// Entry is one completed dispatch with its per-device outcomes.
type Entry struct {
	JobID       string                      `json:"job_id"`
	OrderID     string                      `json:"order_id"`
	OrderNumber string                      `json:"order_number"`
	Kind        string                      `json:"kind"`
	StartedAt   time.Time                   `json:"started_at"`
	Duration    float64                     `json:"duration"` // seconds
	Outcomes    map[string]dispatch.Outcome `json:"outcomes"`
}

// Failed reports whether any device outcome was not a success.
func (e Entry) Failed() bool {
	for _, out := range e.Outcomes {
		if out.Status != dispatch.StatusSuccess {
			return true
		}
	}
	return false
}

// Totals are cumulative statistics over the retained entries.
type Totals struct {
	TotalJobs      int `json:"total_jobs"`
	CleanJobs      int `json:"clean_jobs"`
	PartialJobs    int `json:"partial_jobs"`
	DeviceFailures int `json:"device_failures"`
}

// Manager holds the rolling job log, persisted as a JSON file.
type Manager struct {
	mu      sync.RWMutex
	path    string
	limit   int
	entries []Entry // newest last
}

// NewManager loads (or initializes) the job log under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	m := &Manager{path: filepath.Join(dataDir, logFile), limit: defaultLimit}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("reading job log: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		// A corrupted log is not worth failing startup over.
		m.entries = nil
	}
	return m, nil
}

// Record appends a completed dispatch, trimming to the retention limit.
func (m *Manager) Record(orderID, orderNumber, kind string, startedAt time.Time, outcomes map[string]dispatch.Outcome) Entry {
	e := Entry{
		JobID:       uuid.NewString(),
		OrderID:     orderID,
		OrderNumber: orderNumber,
		Kind:        kind,
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt).Seconds(),
		Outcomes:    outcomes,
	}

	m.mu.Lock()
	m.entries = append(m.entries, e)
	if overflow := len(m.entries) - m.limit; overflow > 0 {
		m.entries = append([]Entry(nil), m.entries[overflow:]...)
	}
	m.save()
	m.mu.Unlock()
	return e
}

// List returns up to limit entries, newest first.
func (m *Manager) List(limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= len(m.entries)-limit; i-- {
		out = append(out, m.entries[i])
	}
	return out
}

// Totals computes aggregate statistics over the retained entries.
func (m *Manager) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t Totals
	for _, e := range m.entries {
		t.TotalJobs++
		failed := false
		for _, out := range e.Outcomes {
			if out.Status != dispatch.StatusSuccess {
				t.DeviceFailures++
				failed = true
			}
		}
		if failed {
			t.PartialJobs++
		} else {
			t.CleanJobs++
		}
	}
	return t
}

// save runs under m.mu.
func (m *Manager) save() {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, m.path)
}
