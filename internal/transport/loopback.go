package transport

import (
	"fmt"
	"sync"
	"time"
)

// Switch is an in-memory datagram fabric used in tests in place of real
// UDP sockets — deterministic, no actual network I/O, several endpoints
// addressable by Addr within one process, implemented as an in-process
// relay rather than a loopback TCP connection.
type Switch struct {
	mu        sync.Mutex
	endpoints map[Addr]*loopbackEndpoint
	nextPort  uint16
}

// NewSwitch creates an empty loopback fabric.
func NewSwitch() *Switch {
	return &Switch{endpoints: make(map[Addr]*loopbackEndpoint), nextPort: 40000}
}

type packet struct {
	payload []byte
	src     Addr
}

type loopbackEndpoint struct {
	sw    *Switch
	addr  Addr
	inbox chan packet
}

// Bind creates an Endpoint on this fabric. If localAddr.Port is 0, an
// ephemeral port is assigned, mirroring net.ListenUDP's behavior.
func (sw *Switch) Bind(localAddr Addr) (Endpoint, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if localAddr.Port == 0 {
		localAddr.Port = sw.nextPort
		sw.nextPort++
	}
	if _, exists := sw.endpoints[localAddr]; exists {
		return nil, fmt.Errorf("transport: loopback address %s already bound", localAddr)
	}
	ep := &loopbackEndpoint{sw: sw, addr: localAddr, inbox: make(chan packet, 256)}
	sw.endpoints[localAddr] = ep
	return ep, nil
}

func (e *loopbackEndpoint) Send(payload []byte, dst Addr) error {
	e.sw.mu.Lock()
	target, ok := e.sw.endpoints[dst]
	e.sw.mu.Unlock()
	if !ok {
		// Unreachable destination: the real network would simply not
		// deliver the datagram either.
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case target.inbox <- packet{payload: cp, src: e.addr}:
	default:
		// Inbox full: drop, same as a real socket buffer overrun would.
	}
	return nil
}

func (e *loopbackEndpoint) Recv(deadline time.Time) ([]byte, Addr, error) {
	select {
	case p := <-e.inbox:
		return p.payload, p.src, nil
	default:
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case p := <-e.inbox:
		return p.payload, p.src, nil
	case <-timer.C:
		return nil, Addr{}, ErrTimeout
	}
}

func (e *loopbackEndpoint) LocalAddr() Addr {
	return e.addr
}

func (e *loopbackEndpoint) Close() error {
	e.sw.mu.Lock()
	defer e.sw.mu.Unlock()
	delete(e.sw.endpoints, e.addr)
	return nil
}
