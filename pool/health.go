package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ordely/printbridge/escpos"
)

// HealthCheck probes one device's live connection and reports whether it
// is healthy. An unhealthy connection is demoted so the next Acquire
// re-dials instead of blocking on a stale handle. Devices without a live
// connection report unhealthy without side effects.
func (m *Manager) HealthCheck(deviceID string) (bool, error) {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		// A writer holds the connection right now; it is demonstrably alive.
		return true, nil
	}

	return m.probe(e), nil
}

// probe writes a status request over the held connection. The reply is
// best effort: many printers never answer, so only a failed write counts
// against the device. Caller holds the entry semaphore.
func (m *Manager) probe(e *entry) bool {
	e.mu.Lock()
	conn := e.conn
	connected := e.status == StatusConnected
	e.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(m.policy.WriteTimeout))
	if _, err := conn.Write(escpos.StatusRequest()); err != nil {
		m.demote(e, fmt.Errorf("health check: %w", err))
		return false
	}

	var reply [1]byte
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if n, err := conn.Read(reply[:]); err == nil && n == 1 {
		if escpos.PlausibleStatus(reply[0]) && !escpos.StatusOnline(reply[0]) {
			log.Printf("pool: %s reports offline status 0x%02x", e.deviceID, reply[0])
		}
	}
	m.registry.Touch(e.deviceID)
	return true
}

// RunHealthChecks periodically probes every connected device until ctx is
// cancelled. Owned by the composition root as a single cancellable task.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.policy.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.conns))
	for _, e := range m.conns {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		connected := e.status == StatusConnected
		e.mu.Unlock()
		if !connected {
			continue
		}

		select {
		case e.sem <- struct{}{}:
			m.probe(e)
			<-e.sem
		default:
			// Busy printing; skip this tick.
		}
	}
}
