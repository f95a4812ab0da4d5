// Package metrics exposes Prometheus instrumentation for the printing
// subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "printbridge_"

var (
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "dispatch_outcomes_total",
			Help: "Per-device dispatch outcomes by status",
		},
		[]string{"status"},
	)

	ticketsEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "tickets_encoded_total",
			Help: "Tickets encoded by kind",
		},
		[]string{"kind"},
	)

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "connection_state",
			Help: "Connection state per device (1 for the current state)",
		},
		[]string{"device", "state"},
	)

	discoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "discovery_duration_seconds",
			Help:    "Duration of discovery passes",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	discoveredDevices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: metricPrefix + "discovered_devices_total",
			Help: "Devices yielded by discovery passes",
		},
	)
)

// Register installs all collectors on the default registerer. Call once
// from the composition root.
func Register() {
	prometheus.MustRegister(
		dispatchOutcomes,
		ticketsEncoded,
		connectionState,
		discoveryDuration,
		discoveredDevices,
	)
}

// ObserveDispatchOutcome counts one per-device dispatch outcome.
func ObserveDispatchOutcome(status string) {
	dispatchOutcomes.WithLabelValues(status).Inc()
}

// ObserveTicketEncoded counts one encoded ticket.
func ObserveTicketEncoded(kind string) {
	ticketsEncoded.WithLabelValues(kind).Inc()
}

// connectionStates mirrors the pool state machine for gauge cleanup.
var connectionStates = []string{"disconnected", "connecting", "connected", "backoff"}

// SetConnectionState flips the per-device state gauge so exactly the
// current state reads 1.
func SetConnectionState(deviceID, state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(deviceID, s).Set(v)
	}
}

// DropDevice removes a forgotten device's gauge series.
func DropDevice(deviceID string) {
	for _, s := range connectionStates {
		connectionState.DeleteLabelValues(deviceID, s)
	}
}

// ObserveDiscovery records the duration and yield of one discovery pass.
func ObserveDiscovery(d time.Duration, found int) {
	discoveryDuration.Observe(d.Seconds())
	discoveredDevices.Add(float64(found))
}
