package transport

import (
	"errors"
	"net"
	"time"
)

func init() {
	Register("udp", newUDPEndpoint)
}

type udpEndpoint struct {
	conn *net.UDPConn
	addr Addr
}

func newUDPEndpoint(localAddr Addr) (Endpoint, error) {
	conn, err := net.ListenUDP("udp4", localAddr.UDPAddr())
	if err != nil {
		return nil, err
	}
	bound, err := AddrFromUDP(conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &udpEndpoint{conn: conn, addr: bound}, nil
}

func (e *udpEndpoint) Send(payload []byte, dst Addr) error {
	_, err := e.conn.WriteToUDP(payload, dst.UDPAddr())
	return err
}

func (e *udpEndpoint) Recv(deadline time.Time) ([]byte, Addr, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return nil, Addr{}, err
	}
	buf := make([]byte, DataHeaderMaxSize)
	n, raddr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, Addr{}, ErrTimeout
		}
		return nil, Addr{}, err
	}
	src, err := AddrFromUDP(raddr)
	if err != nil {
		return nil, Addr{}, err
	}
	return buf[:n], src, nil
}

func (e *udpEndpoint) LocalAddr() Addr {
	return e.addr
}

func (e *udpEndpoint) Close() error {
	return e.conn.Close()
}

// DataHeaderMaxSize is large enough for the biggest possible KTP datagram
// (19-byte DATA header + 512-byte payload); used to size read buffers.
const DataHeaderMaxSize = 19 + 512
