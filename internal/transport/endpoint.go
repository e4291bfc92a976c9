// Package transport provides the underlying datagram service: best-effort,
// connectionless, unordered delivery of byte packets to (address, port)
// endpoints. It is deliberately kept swappable via a small registry of
// interchangeable backends — here a real UDP socket and, for deterministic
// tests, an in-memory loopback switch. The switch itself never drops a
// datagram unless the receiving inbox is full; simulated loss is applied by
// the daemon's Receiver, not here.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Addr is a wire-friendly IPv4 endpoint address: the same four-byte IP and
// 16-bit port layout stored in a socket's shared-memory slot.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// ErrTimeout is returned by Endpoint.Recv when no datagram arrives before
// the deadline. Receiver treats it as "nothing ready this tick", not as an
// error condition.
var ErrTimeout = errors.New("transport: receive timeout")

// UDPAddr converts to the standard library's address type.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// AddrFromUDP converts a *net.UDPAddr into the wire-friendly form. The
// address must be IPv4.
func AddrFromUDP(u *net.UDPAddr) (Addr, error) {
	ip4 := u.IP.To4()
	if ip4 == nil {
		return Addr{}, fmt.Errorf("transport: %v is not an IPv4 address", u.IP)
	}
	var a Addr
	copy(a.IP[:], ip4)
	a.Port = uint16(u.Port)
	return a, nil
}

// Endpoint is one bound datagram socket on the underlying transport.
type Endpoint interface {
	// Send transmits payload to dst, best-effort.
	Send(payload []byte, dst Addr) error
	// Recv waits until deadline for one datagram. Returns ErrTimeout if
	// none arrives in time.
	Recv(deadline time.Time) (payload []byte, src Addr, err error)
	LocalAddr() Addr
	Close() error
}

// NewFunc constructs an Endpoint bound to localAddr for a registered kind.
type NewFunc func(localAddr Addr) (Endpoint, error)

var registry = map[string]NewFunc{}

// Register adds a new endpoint kind to the registry. Called from package
// init() functions.
func Register(kind string, fn NewFunc) {
	registry[kind] = fn
}

// New creates an Endpoint of the given registered kind, bound to localAddr.
func New(kind string, localAddr Addr) (Endpoint, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("transport: unknown endpoint kind %q", kind)
	}
	return fn(localAddr)
}
