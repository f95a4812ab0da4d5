// Package device defines printer device descriptors, the in-memory device
// registry, and the transport layer used to reach physical printers.
package device

import (
	"fmt"
	"strings"
	"time"
)

// Transport identifies the physical channel class used to reach a device.
type Transport string

const (
	TransportNetwork Transport = "network"
	TransportRadio   Transport = "radio"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	return t == TransportNetwork || t == TransportRadio
}

// Capabilities describes what a printer can physically do. Encoders consult
// this so that commands a device cannot honor are never sent.
type Capabilities struct {
	// Columns is the printable character width of the paper
	// (48 for 80mm paper, 32 for 58mm).
	Columns  int  `json:"columns"`
	CanCut   bool `json:"can_cut"`
	CanBold  bool `json:"can_bold"`
	CanScale bool `json:"can_scale"`
}

// DefaultCapabilities are assumed for devices discovered without a
// capability exchange: 80mm paper, full ESC/POS command set.
func DefaultCapabilities() Capabilities {
	return Capabilities{Columns: 48, CanCut: true, CanBold: true, CanScale: true}
}

// Descriptor is the immutable identity and address record for a printer.
// A descriptor is replaced wholesale on re-discovery, never mutated in
// place; only LastSeen is refreshed via Registry.Touch.
type Descriptor struct {
	ID           string       `json:"id"`
	Transport    Transport    `json:"transport"`
	Address      string       `json:"address"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
}

// DeriveID builds the stable device id from transport and address.
// The same endpoint always maps to the same id.
func DeriveID(t Transport, address string) string {
	prefix := "net"
	if t == TransportRadio {
		prefix = "rdo"
	}
	return prefix + "-" + strings.ToLower(address)
}

// NewDescriptor creates a descriptor with a derived id and default
// capabilities.
func NewDescriptor(t Transport, address, name string) Descriptor {
	if name == "" {
		name = address
	}
	return Descriptor{
		ID:           DeriveID(t, address),
		Transport:    t,
		Address:      address,
		DisplayName:  name,
		Capabilities: DefaultCapabilities(),
		LastSeen:     time.Now(),
	}
}

// String returns a human-readable representation of the descriptor.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s %s)", d.DisplayName, d.Transport, d.Address)
}
