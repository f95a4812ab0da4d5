// Package discover probes the local network and the radio stack for
// candidate receipt printers. Non-responses are the expected common case
// and are treated as absence, never as errors.
package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ordely/printbridge/device"
	"github.com/ordely/printbridge/escpos"
)

// PrinterPorts are probed in priority order: raw JetDirect first, then
// vendor raw ports, LPR, IPP, and the Star/Citizen port.
var PrinterPorts = []int{9100, 9101, 9102, 515, 631, 6001}

var ErrNotFound = errors.New("no printer at address")

// Config bounds the scan so discovery never saturates the network.
type Config struct {
	Ports        []int
	ProbeTimeout time.Duration
	BatchSize    int
	BatchDelay   time.Duration
	Ceiling      time.Duration
}

// DefaultConfig returns the stock scan bounds: 2s probes, 5 hosts per
// batch, 50ms between batches, 30s hard ceiling.
func DefaultConfig() Config {
	return Config{
		Ports:        PrinterPorts,
		ProbeTimeout: 2 * time.Second,
		BatchSize:    5,
		BatchDelay:   50 * time.Millisecond,
		Ceiling:      30 * time.Second,
	}
}

// Scope selects what one discovery pass covers.
type Scope struct {
	// Subnet is the /24 prefix to sweep ("192.168.1"); empty means
	// auto-detect from the first non-loopback IPv4 interface.
	Subnet string
	// Radio enables the bonded-device pass and active radio scan.
	Radio bool
}

// netDialer matches net.DialTimeout; tests substitute a fake.
type netDialer func(network, address string, timeout time.Duration) (net.Conn, error)

// Engine runs discovery passes and manual single-target probes.
type Engine struct {
	cfg   Config
	dial  netDialer
	radio RadioScanner
}

// NewEngine creates a discovery engine. A nil radio scanner disables the
// radio pass.
func NewEngine(cfg Config, radio RadioScanner) *Engine {
	if len(cfg.Ports) == 0 {
		cfg.Ports = PrinterPorts
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 30 * time.Second
	}
	return &Engine{cfg: cfg, dial: net.DialTimeout, radio: radio}
}

// Discover streams reachable device descriptors. The pass is finite: the
// channel closes when the sweep completes, the ceiling elapses, or ctx is
// cancelled, whichever comes first. Partial results are delivered either
// way.
func (e *Engine) Discover(ctx context.Context, scope Scope) <-chan device.Descriptor {
	out := make(chan device.Descriptor)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Ceiling)
	go func() {
		defer close(out)
		defer cancel()

		var wg sync.WaitGroup
		if scope.Radio && e.radio != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.radioPass(ctx, out)
			}()
		}

		subnet := scope.Subnet
		if subnet == "" {
			subnet = detectSubnet()
		}
		if subnet != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.sweepSubnet(ctx, subnet, out)
			}()
		}
		wg.Wait()
	}()

	return out
}

// sweepSubnet probes every host of the /24 in bounded batches, all ports
// of a host concurrently, with a short delay between batches.
func (e *Engine) sweepSubnet(ctx context.Context, subnet string, out chan<- device.Descriptor) {
	for low := 1; low < 255; low += e.cfg.BatchSize {
		var wg sync.WaitGroup
		for i := low; i < low+e.cfg.BatchSize && i < 255; i++ {
			host := fmt.Sprintf("%s.%d", subnet, i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if desc, ok := e.probeHost(ctx, host); ok {
					select {
					case out <- desc:
					case <-ctx.Done():
					}
				}
			}()
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.BatchDelay):
		}
	}
}

// probeHost tries every printer port of one host concurrently and
// coalesces the result to a single descriptor, preferring the most
// printer-specific responsive port.
func (e *Engine) probeHost(ctx context.Context, host string) (device.Descriptor, bool) {
	results := make([]bool, len(e.cfg.Ports))
	var wg sync.WaitGroup
	for idx, port := range e.cfg.Ports {
		wg.Add(1)
		go func(idx, port int) {
			defer wg.Done()
			results[idx] = e.probePort(ctx, host, port)
		}(idx, port)
	}
	wg.Wait()

	for idx, hit := range results {
		if hit {
			addr := fmt.Sprintf("%s:%d", host, e.cfg.Ports[idx])
			return device.NewDescriptor(device.TransportNetwork, addr, ""), true
		}
	}
	return device.Descriptor{}, false
}

// probePort reports whether host:port accepts a TCP connection within the
// probe timeout. A best-effort status exchange follows the connect; a
// silent peer still qualifies, since many printers never answer status
// requests. The tolerance runs the other way too: any TCP listener on a
// printer port is accepted as a candidate, and false positives are culled
// by the operator or the first failed print.
func (e *Engine) probePort(ctx context.Context, host string, port int) bool {
	if ctx.Err() != nil {
		return false
	}
	conn, err := e.dial("tcp", fmt.Sprintf("%s:%d", host, port), e.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(e.cfg.ProbeTimeout))
	if _, err := conn.Write(escpos.StatusRequest()); err != nil {
		// Connected but rejects writes: still a candidate endpoint.
		return true
	}
	var reply [1]byte
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	conn.Read(reply[:])
	return true
}

// AddByAddress synchronously probes one operator-specified endpoint,
// bypassing the scanner. Returns ErrNotFound when nothing answers.
func (e *Engine) AddByAddress(ctx context.Context, host string, port int) (device.Descriptor, error) {
	if host == "" || port <= 0 || port > 65535 {
		return device.Descriptor{}, fmt.Errorf("%w: %s:%d", device.ErrBadAddress, host, port)
	}
	if !e.probePort(ctx, host, port) {
		return device.Descriptor{}, fmt.Errorf("%w: %s:%d", ErrNotFound, host, port)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	return device.NewDescriptor(device.TransportNetwork, addr, ""), nil
}

// detectSubnet returns the /24 prefix of the first non-loopback IPv4
// interface address, or "" when none is available.
func detectSubnet() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			parts := strings.Split(v4.String(), ".")
			if len(parts) == 4 {
				return strings.Join(parts[:3], ".")
			}
		}
	}
	return ""
}
