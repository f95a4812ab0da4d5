// Package dispatch orchestrates the concurrent delivery of routed
// sub-tickets to their target printers, with isolated per-device
// outcomes: one failing printer never blocks or corrupts the others.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ordely/printbridge/escpos"
	"github.com/ordely/printbridge/metrics"
	"github.com/ordely/printbridge/order"
	"github.com/ordely/printbridge/pool"
)

// OutcomeStatus is the terminal per-device result of one dispatch.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailed  OutcomeStatus = "failed"
	StatusSkipped OutcomeStatus = "skipped"
)

// Outcome records how delivery to one device ended. The reason lets the
// caller distinguish "printer unreachable" from "printer rejected data"
// so staff can be alerted about a specific station.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Config bounds dispatch parallelism and retry behavior.
type Config struct {
	Concurrency  int
	WriteRetries int
	RetryDelay   time.Duration
	Timeout      time.Duration
}

// DefaultConfig returns the stock dispatch bounds: 4 devices in flight,
// 3 write attempts 500ms apart, 30s overall timeout.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		WriteRetries: 3,
		RetryDelay:   500 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// Dispatcher encodes and transmits routed ticket groups through the
// connection manager.
type Dispatcher struct {
	cfg     Config
	pool    *pool.Manager
	encoder escpos.Encoder
}

// New creates a dispatcher using the given encoder and bounds.
func New(p *pool.Manager, encoder escpos.Encoder, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg, pool: p, encoder: encoder}
}

// Dispatch delivers each routed group to its device with bounded
// concurrency and returns a terminal outcome for every device in groups,
// present even when a device never connects. The call returns when all
// devices are terminal or the dispatch timeout elapses; devices still
// pending at the deadline report Failed with a timeout reason.
func (d *Dispatcher) Dispatch(ctx context.Context, o order.Order, groups map[string][]escpos.TicketLine, kind escpos.TicketKind) map[string]Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		outcomes = make(map[string]Outcome, len(groups))
		wg       sync.WaitGroup
		sem      = make(chan struct{}, d.cfg.Concurrency)
	)

	record := func(id string, out Outcome) {
		mu.Lock()
		if _, done := outcomes[id]; !done {
			outcomes[id] = out
			metrics.ObserveDispatchOutcome(string(out.Status))
		}
		mu.Unlock()
	}

	for deviceID, lines := range groups {
		if len(lines) == 0 {
			record(deviceID, Outcome{Status: StatusSkipped, Reason: "no lines routed"})
			continue
		}

		wg.Add(1)
		go func(deviceID string, lines []escpos.TicketLine) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				record(deviceID, Outcome{Status: StatusFailed, Reason: "dispatch timeout"})
				return
			}

			record(deviceID, d.deliver(ctx, deviceID, o, lines, kind))
		}(deviceID, lines)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Abandon in-flight writes; fill in whatever is still pending.
	}

	mu.Lock()
	defer mu.Unlock()
	for deviceID := range groups {
		if _, ok := outcomes[deviceID]; !ok {
			outcomes[deviceID] = Outcome{Status: StatusFailed, Reason: "dispatch timeout"}
			metrics.ObserveDispatchOutcome(string(StatusFailed))
		}
	}
	return outcomes
}

// deliver encodes the device's sub-ticket and writes it, with a small
// number of immediate retries before giving up.
func (d *Dispatcher) deliver(ctx context.Context, deviceID string, o order.Order, lines []escpos.TicketLine, kind escpos.TicketKind) Outcome {
	start := time.Now()

	ticket := escpos.Ticket{
		OrderNumber: o.Number,
		Lines:       lines,
		PlacedAt:    o.PlacedAt,
	}
	if kind == escpos.CustomerReceipt {
		totals := o.Totals()
		ticket.Totals = &totals
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.WriteRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.cfg.RetryDelay):
			case <-ctx.Done():
				return Outcome{
					Status: StatusFailed, Reason: "dispatch timeout",
					Attempts: attempt - 1, Duration: time.Since(start),
				}
			}
		}

		err := d.writeOnce(ctx, deviceID, ticket, kind)
		if err == nil {
			log.Printf("dispatch: order %s -> %s ok (%d line(s), attempt %d)",
				o.Number, deviceID, len(lines), attempt)
			return Outcome{Status: StatusSuccess, Attempts: attempt, Duration: time.Since(start)}
		}

		// Parked or backed-off devices have no connection to retry on.
		// Skipped means no attempt was possible at all; a dial or write
		// that actually failed earlier in this dispatch stays Failed, with
		// the real failure as the reason.
		if errors.Is(err, pool.ErrParked) || errors.Is(err, pool.ErrBackoff) ||
			errors.Is(err, pool.ErrUnknownDevice) {
			if lastErr == nil {
				return Outcome{
					Status: StatusSkipped, Reason: err.Error(),
					Attempts: attempt, Duration: time.Since(start),
				}
			}
			log.Printf("dispatch: order %s -> %s failed: %v",
				o.Number, deviceID, lastErr)
			return Outcome{
				Status: StatusFailed, Reason: lastErr.Error(),
				Attempts: attempt, Duration: time.Since(start),
			}
		}
		lastErr = err
	}

	log.Printf("dispatch: order %s -> %s failed after %d attempts: %v",
		o.Number, deviceID, d.cfg.WriteRetries, lastErr)
	return Outcome{
		Status: StatusFailed, Reason: lastErr.Error(),
		Attempts: d.cfg.WriteRetries, Duration: time.Since(start),
	}
}

// writeOnce performs one acquire/encode/write/release cycle. Encoding
// happens per attempt against the device's current capabilities.
func (d *Dispatcher) writeOnce(ctx context.Context, deviceID string, ticket escpos.Ticket, kind escpos.TicketKind) error {
	h, err := d.pool.Acquire(ctx, deviceID)
	if err != nil {
		return err
	}
	defer h.Release()

	caps := h.Capabilities()
	data := d.encoder.EncodeTicket(ticket, kind, caps)
	metrics.ObserveTicketEncoded(kind.String())
	return h.Write(data)
}
