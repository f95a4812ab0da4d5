// Package pool owns the live printer connections. It is the only
// component that holds transport handles; everything else goes through
// Acquire/Release and the state query API.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ordely/printbridge/device"
)

// Status is the connection lifecycle state of one device.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusBackoff      Status = "backoff"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrBackoff       = errors.New("device in backoff, retry not yet due")
	ErrParked        = errors.New("device parked after repeated failures")
	ErrClosed        = errors.New("connection manager closed")
)

// Policy holds the fixed connection management knobs. The defaults are the
// documented behavior for the whole subsystem.
type Policy struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
	ShutdownGrace  time.Duration
}

// DefaultPolicy returns the stock policy: 3s connects, 2s..30s linear
// backoff, parking after 5 attempts, health ticks every 90s.
func DefaultPolicy() Policy {
	return Policy{
		ConnectTimeout: 3 * time.Second,
		WriteTimeout:   5 * time.Second,
		BaseDelay:      2 * time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    5,
		HealthInterval: 90 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}
}

// State is a read-only snapshot of one device's connection state.
type State struct {
	DeviceID    string    `json:"device_id"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
}

// StateListener is notified after a device's status changes. Called from
// pool goroutines; implementations must not block.
type StateListener func(State)

// entry holds the per-device connection and its lifecycle bookkeeping.
// sem serializes all use of the connection: one ticket is fully written
// before the next begins.
type entry struct {
	deviceID string
	sem      chan struct{}

	mu           sync.Mutex
	conn         device.Conn
	status       Status
	retryCount   int
	lastAttempt  time.Time
	lastErr      error
	backoffUntil time.Time
}

// Manager owns the connection pool, keyed by device id. Connections are
// kept warm between prints because reconnect cost dominates throughput.
type Manager struct {
	policy   Policy
	dial     device.Dialer
	registry *device.Registry
	listener StateListener

	mu      sync.Mutex
	conns   map[string]*entry
	closed  bool
	healthC chan struct{}
}

// NewManager creates a connection manager over the given registry.
func NewManager(registry *device.Registry, dial device.Dialer, policy Policy) *Manager {
	if dial == nil {
		dial = device.Dial
	}
	return &Manager{
		policy:   policy,
		dial:     dial,
		registry: registry,
		conns:    make(map[string]*entry),
		healthC:  make(chan struct{}),
	}
}

// SetStateListener registers the status change callback. Must be called
// before the manager is used.
func (m *Manager) SetStateListener(l StateListener) {
	m.listener = l
}

// Handle grants exclusive use of one device connection until Release.
type Handle struct {
	m     *Manager
	e     *entry
	freed bool
}

// Acquire returns an exclusive handle on the device's live connection,
// dialing first if the device is currently disconnected. Acquiring an
// already-connected device never re-dials. Concurrent acquirers of the
// same device serialize; ctx bounds the wait.
func (m *Manager) Acquire(ctx context.Context, deviceID string) (*Handle, error) {
	e, err := m.entryFor(deviceID)
	if err != nil {
		return nil, err
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := m.ensureConnected(e); err != nil {
		<-e.sem
		return nil, err
	}
	return &Handle{m: m, e: e}, nil
}

// entryFor returns the connection entry for a known device, creating it
// lazily. A connection state exists if and only if the registry knows the
// device.
func (m *Manager) entryFor(deviceID string) (*entry, error) {
	if _, ok := m.registry.Get(deviceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.conns[deviceID]
	if !ok {
		e = &entry{
			deviceID: deviceID,
			sem:      make(chan struct{}, 1),
			status:   StatusDisconnected,
		}
		m.conns[deviceID] = e
	}
	return e, nil
}

// ensureConnected dials if needed. Caller holds the entry semaphore.
func (m *Manager) ensureConnected(e *entry) error {
	e.mu.Lock()
	switch e.status {
	case StatusConnected:
		e.mu.Unlock()
		return nil
	case StatusBackoff:
		if e.retryCount >= m.policy.MaxAttempts {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s (%d attempts)", ErrParked, e.deviceID, e.retryCount)
		}
		if wait := time.Until(e.backoffUntil); wait > 0 {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s, due in %s", ErrBackoff, e.deviceID, wait.Round(time.Millisecond))
		}
	}
	e.status = StatusConnecting
	e.lastAttempt = time.Now()
	e.mu.Unlock()
	m.notify(e)

	desc, ok := m.registry.Get(e.deviceID)
	if !ok {
		m.transitionFailed(e, ErrUnknownDevice)
		return fmt.Errorf("%w: %s", ErrUnknownDevice, e.deviceID)
	}

	conn, err := m.dial(desc, m.policy.ConnectTimeout)
	if err != nil {
		m.transitionFailed(e, err)
		return fmt.Errorf("connecting to %s: %w", e.deviceID, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.status = StatusConnected
	e.retryCount = 0
	e.lastErr = nil
	e.mu.Unlock()
	m.notify(e)
	m.registry.Touch(e.deviceID)
	log.Printf("pool: connected to %s", desc)
	return nil
}

// transitionFailed moves a failed connect into backoff, scheduling the
// next retry at min(maxDelay, baseDelay x attempt).
func (m *Manager) transitionFailed(e *entry, err error) {
	e.mu.Lock()
	e.retryCount++
	e.lastErr = err
	delay := time.Duration(e.retryCount) * m.policy.BaseDelay
	if delay > m.policy.MaxDelay {
		delay = m.policy.MaxDelay
	}
	e.backoffUntil = time.Now().Add(delay)
	e.status = StatusBackoff
	parked := e.retryCount >= m.policy.MaxAttempts
	attempt := e.retryCount
	e.mu.Unlock()
	m.notify(e)

	if parked {
		log.Printf("pool: %s parked after %d failed attempts: %v", e.deviceID, attempt, err)
	} else {
		log.Printf("pool: connect %s failed (attempt %d, next in %s): %v", e.deviceID, attempt, delay, err)
	}
}

// Write sends one fully-encoded ticket over the held connection. A
// transport error closes the connection and demotes the device.
func (h *Handle) Write(data []byte) error {
	if h.freed {
		return errors.New("handle released")
	}
	h.e.mu.Lock()
	conn := h.e.conn
	h.e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: no live connection", h.e.deviceID)
	}

	conn.SetWriteDeadline(time.Now().Add(h.m.policy.WriteTimeout))
	if _, err := conn.Write(data); err != nil {
		h.m.demote(h.e, err)
		return fmt.Errorf("writing to %s: %w", h.e.deviceID, err)
	}
	return nil
}

// Capabilities returns the device's current printing capabilities from
// the registry.
func (h *Handle) Capabilities() device.Capabilities {
	if d, ok := h.m.registry.Get(h.e.deviceID); ok {
		return d.Capabilities
	}
	return device.DefaultCapabilities()
}

// Release returns the connection to the pool, leaving it warm.
func (h *Handle) Release() {
	if h.freed {
		return
	}
	h.freed = true
	<-h.e.sem
}

// demote closes a broken connection and marks the device disconnected so
// the next Acquire re-dials immediately.
func (m *Manager) demote(e *entry, cause error) {
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.status = StatusDisconnected
	e.lastErr = cause
	e.mu.Unlock()
	m.notify(e)
	log.Printf("pool: %s demoted: %v", e.deviceID, cause)
}

// Retry un-parks a device so the next Acquire attempts a fresh connect.
func (m *Manager) Retry(deviceID string) error {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	e.mu.Lock()
	if e.status == StatusBackoff {
		e.status = StatusDisconnected
		e.retryCount = 0
		e.backoffUntil = time.Time{}
	}
	e.mu.Unlock()
	m.notify(e)
	return nil
}

// Forget drops the connection state for a removed device.
func (m *Manager) Forget(deviceID string) {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	delete(m.conns, deviceID)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.status = StatusDisconnected
	e.mu.Unlock()
}

// State returns the connection snapshot for one device.
func (m *Manager) State(deviceID string) (State, bool) {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		if _, known := m.registry.Get(deviceID); known {
			return State{DeviceID: deviceID, Status: StatusDisconnected}, true
		}
		return State{}, false
	}
	return e.snapshot(), true
}

// States returns snapshots for every device the registry knows.
func (m *Manager) States() []State {
	var states []State
	for _, d := range m.registry.List() {
		if s, ok := m.State(d.ID); ok {
			states = append(states, s)
		}
	}
	return states
}

func (e *entry) snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		DeviceID:    e.deviceID,
		Status:      e.status,
		RetryCount:  e.retryCount,
		LastAttempt: e.lastAttempt,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

func (m *Manager) notify(e *entry) {
	if m.listener != nil {
		m.listener(e.snapshot())
	}
}

// DisconnectAll gracefully tears down every connection: in-flight writes
// get the shutdown grace period to flush, then transports are closed.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.conns))
	for _, e := range m.conns {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	deadline := time.After(m.policy.ShutdownGrace)
	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
			// Idle, close immediately.
		case <-deadline:
			// Grace expired, close underneath the writer.
		}
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.status = StatusDisconnected
		e.mu.Unlock()
	}
	log.Printf("pool: disconnected %d device(s)", len(entries))
}
