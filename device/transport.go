package device

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

var (
	ErrBadAddress       = errors.New("malformed device address")
	ErrUnknownTransport = errors.New("unknown transport")
)

// Conn is the minimal transport handle the rest of the system writes
// tickets to. net.Conn satisfies it; tests substitute in-memory pipes.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a transport connection to a device. The connection manager
// takes a Dialer so tests can inject fakes.
type Dialer func(d Descriptor, timeout time.Duration) (Conn, error)

// Dial is the production dialer: TCP for network devices, an RFCOMM serial
// device node for radio devices.
func Dial(d Descriptor, timeout time.Duration) (Conn, error) {
	switch d.Transport {
	case TransportNetwork:
		if _, _, err := net.SplitHostPort(d.Address); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadAddress, d.Address, err)
		}
		return net.DialTimeout("tcp", d.Address, timeout)
	case TransportRadio:
		return openRadio(d.Address)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, d.Transport)
	}
}

// openRadio opens the RFCOMM serial node a bonded printer is bound to
// (e.g. /dev/rfcomm0). The radio stack exposes no socket deadlines, so the
// returned connection implements them as no-ops.
func openRadio(address string) (Conn, error) {
	if !strings.HasPrefix(address, "/dev/") {
		return nil, fmt.Errorf("%w: radio address %q is not a device node", ErrBadAddress, address)
	}
	f, err := os.OpenFile(address, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening radio device %s: %w", address, err)
	}
	return &radioConn{f: f}, nil
}

type radioConn struct {
	f *os.File
}

func (c *radioConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *radioConn) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *radioConn) Close() error                { return c.f.Close() }

func (c *radioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *radioConn) SetWriteDeadline(time.Time) error { return nil }
