package discover

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/ordely/printbridge/device"
)

// RadioDevice is one device visible to the radio stack.
type RadioDevice struct {
	Name    string
	Address string
	Bonded  bool
}

// RadioScanner enumerates radio devices. The platform stack exposes no
// capability query, so candidates are filtered by name heuristics only.
type RadioScanner interface {
	// Bonded lists previously paired devices (high-confidence candidates).
	Bonded(ctx context.Context) ([]RadioDevice, error)
	// Scan performs a time-bounded active scan for visible devices.
	Scan(ctx context.Context, timeout time.Duration) ([]RadioDevice, error)
}

// printerNameHints are the substrings that mark a radio device name as a
// probable printer. False negatives are tolerated: the operator can
// always bond and add the device manually.
var printerNameHints = []string{
	"printer", "print", "pos", "thermal", "receipt",
	"epson", "star", "citizen", "bixolon", "rongta", "goojprt", "zjiang",
}

// LooksLikePrinter reports whether a radio device name matches the
// printer name heuristics.
func LooksLikePrinter(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range printerNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// radioPass streams bonded devices first, then active-scan hits, both
// filtered through the name heuristics.
func (e *Engine) radioPass(ctx context.Context, out chan<- device.Descriptor) {
	bonded, err := e.radio.Bonded(ctx)
	if err != nil {
		log.Printf("discover: bonded device enumeration failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, rd := range bonded {
		// Bonded devices were accepted by an operator once already; skip
		// the name filter for them.
		e.emitRadio(ctx, rd, seen, out)
	}

	scanned, err := e.radio.Scan(ctx, e.cfg.ProbeTimeout*2)
	if err != nil {
		log.Printf("discover: radio scan failed: %v", err)
		return
	}
	for _, rd := range scanned {
		if !LooksLikePrinter(rd.Name) {
			continue
		}
		e.emitRadio(ctx, rd, seen, out)
	}
}

func (e *Engine) emitRadio(ctx context.Context, rd RadioDevice, seen map[string]bool, out chan<- device.Descriptor) {
	if rd.Address == "" || seen[rd.Address] {
		return
	}
	seen[rd.Address] = true
	select {
	case out <- device.NewDescriptor(device.TransportRadio, rd.Address, rd.Name):
	case <-ctx.Done():
	}
}

// RFCOMMScanner is the default radio scanner: bonded printers appear as
// rfcomm serial nodes bound by the host's bluetooth stack. Active
// scanning needs inquiry access the bridge process does not have, so
// Scan reports nothing; pairing happens through the OS.
type RFCOMMScanner struct {
	// Glob matches the serial nodes to enumerate; defaults to
	// /dev/rfcomm*.
	Glob string
}

func (s RFCOMMScanner) Bonded(ctx context.Context) ([]RadioDevice, error) {
	glob := s.Glob
	if glob == "" {
		glob = "/dev/rfcomm*"
	}
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	var devices []RadioDevice
	for _, p := range paths {
		devices = append(devices, RadioDevice{
			Name:    filepath.Base(p),
			Address: p,
			Bonded:  true,
		})
	}
	return devices, nil
}

func (s RFCOMMScanner) Scan(ctx context.Context, timeout time.Duration) ([]RadioDevice, error) {
	return nil, nil
}
