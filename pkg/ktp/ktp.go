// Package ktp is the client library's public socket-like API (§4.3): open,
// bind, send, recv and close transport sockets multiplexed by the
// companion ktpd daemon. Every operation is a method on a *Context, threaded
// explicitly into every call, so no package-level mutable state is needed.
package ktp

import (
	"errors"
	"fmt"
	"os"

	"github.com/ktpnet/ktp/internal/broker"
	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/internal/wire"
	"github.com/ktpnet/ktp/pkg/config"
)

// Address family and socket type constants recognized by Open, mirroring
// the reference's "family must be IPv4, type must be SOCK_KTP".
const (
	AFInet  = 2
	SockKTP = 3
)

// Addr is an IPv4 address/port pair, used both for bind's local/remote
// arguments and as the source address recv fills in.
type Addr struct {
	IP   [4]byte
	Port uint16
}

func (a Addr) toTransport() transport.Addr { return transport.Addr{IP: a.IP, Port: a.Port} }

func fromTransport(a transport.Addr) Addr { return Addr{IP: a.IP, Port: a.Port} }

// Context is the library's attachment to a running daemon: the shared
// control region plus a broker RPC client. Construct one with Dial.
type Context struct {
	region *shmem.Region
	broker *broker.Client
	cfg    config.Config
}

// Dial attaches to the shared region the daemon created at cfg.ShmPath.
// It does not yet contact the broker socket — that happens lazily on the
// first Open, matching "library start: attach to the pre-existing shared
// region and primitives" (§4.7); a region that does not exist yet is
// reported as ErrDaemonUnavailable.
func Dial(cfg config.Config) (*Context, error) {
	region, err := shmem.Open(cfg.ShmPath, cfg.MaxSockets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return &Context{region: region, broker: broker.NewClient(cfg.BrokerSock), cfg: cfg}, nil
}

// Detach unmaps the shared region. It does not close any of this
// process's sockets; call Close for each fd first if that matters.
func (c *Context) Detach() error {
	return c.region.Close()
}

func translateBrokerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrDaemonUnavailable) {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return err
}

// Open reserves a free socket slot for the calling process and asks the
// daemon to open an underlying endpoint for it. family must be AFInet and
// typ must be SockKTP.
func (c *Context) Open(family, typ int) (int, error) {
	if family != AFInet || typ != SockKTP {
		return -1, ErrInvalidArgument
	}
	sockID, err := c.broker.Create(int32(os.Getpid()))
	if err != nil {
		return -1, translateBrokerErr(err)
	}
	return sockID, nil
}

// Bind asks the daemon to bind fd's underlying endpoint to the local
// address and records the single permitted remote peer. Must precede any
// Send.
func (c *Context) Bind(fd int, localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16) error {
	return translateBrokerErr(c.broker.Bind(fd, localIP, localPort, remoteIP, remotePort))
}

// Close marks fd's slot free and closes its underlying endpoint.
func (c *Context) Close(fd int) error {
	return translateBrokerErr(c.broker.Close(fd))
}

func (c *Context) validFd(fd int) bool {
	return fd >= 0 && fd < c.region.NumSlots()
}

// Send queues payload for transmission to dest, which must equal the
// socket's bound peer. The Sender transmits it asynchronously; Send only
// reserves buffer space and returns len(payload) on success.
func (c *Context) Send(fd int, payload []byte, dest Addr) (int, error) {
	if !c.validFd(fd) {
		return -1, ErrInvalidArgument
	}
	if len(payload) > wire.MaxPayloadSize {
		return -1, ErrInvalidArgument
	}

	var n int
	var sendErr error
	c.region.WithLock(func() {
		slot := c.region.Slot(fd)
		if slot.IsFree() {
			sendErr = ErrInvalidArgument
			return
		}
		if dest.IP != slot.RemoteIP || dest.Port != slot.RemotePort {
			sendErr = ErrNotBound
			return
		}
		if slot.SendFreeSlots <= 0 {
			sendErr = ErrNoSpace
			return
		}
		seq, ok := nextFreeSeq(slot)
		if !ok {
			sendErr = ErrNoSpace
			return
		}
		idx, ok := nextFreeSendSlot(slot)
		if !ok {
			sendErr = ErrNoSpace
			return
		}
		copy(slot.SendBuf[idx][:], payload)
		slot.SendLen[idx] = uint16(len(payload))
		slot.SendSlotForSeq[seq] = int16(idx)
		slot.SendTimestamp[seq] = shmem.Unsent
		slot.SendFreeSlots--
		n = len(payload)
	})
	if sendErr != nil {
		return -1, sendErr
	}
	return n, nil
}

// Recv drains the oldest occupied receive slot into buf, returning the
// number of bytes copied and the peer's address. Returns ErrNoMessage if
// nothing is currently available; the caller is expected to retry.
func (c *Context) Recv(fd int, buf []byte) (int, Addr, error) {
	if !c.validFd(fd) {
		return -1, Addr{}, ErrInvalidArgument
	}

	var n int
	var src Addr
	var recvErr error
	c.region.WithLock(func() {
		slot := c.region.Slot(fd)
		if slot.IsFree() {
			recvErr = ErrInvalidArgument
			return
		}
		idx := int(slot.RecvBaseIdx)
		if slot.RecvActive[idx] == 0 {
			recvErr = ErrNoMessage
			return
		}

		l := int(slot.RecvLen[idx])
		n = copy(buf, slot.RecvBuf[idx][:l])
		slot.RecvActive[idx] = 0

		for s := 0; s < shmem.MaxSeqNum; s++ {
			if slot.RecvSlotForSeq[s] == int16(idx) {
				slot.RecvSlotForSeq[s] = shmem.NoSlot
				newSeq := uint8(s + shmem.BufferSize)
				slot.RecvSlotForSeq[newSeq] = int16(idx)
				break
			}
		}

		slot.RecvBaseIdx = (slot.RecvBaseIdx + 1) % int32(shmem.BufferSize)
		if slot.RwndSize < shmem.BufferSize {
			if slot.RwndSize == 0 {
				slot.BufferFullFlag = 1
			}
			slot.RwndSize++
		}
		src = fromTransport(transport.Addr{IP: slot.RemoteIP, Port: slot.RemotePort})
	})
	if recvErr != nil {
		return -1, Addr{}, recvErr
	}
	return n, src, nil
}

// nextFreeSeq allocates the next unassigned sequence number starting from
// swnd.start, wrapping modulo S (§4.3 send).
func nextFreeSeq(slot *shmem.SlotState) (uint8, bool) {
	start := uint8(slot.SwndStart)
	for k := 0; k < shmem.MaxSeqNum; k++ {
		seq := start + uint8(k)
		if slot.SendSlotForSeq[seq] == shmem.NoSlot {
			return seq, true
		}
	}
	return 0, false
}

// nextFreeSendSlot finds a buffer index not currently referenced by any
// assigned sequence.
func nextFreeSendSlot(slot *shmem.SlotState) (int, bool) {
	var used [shmem.BufferSize]bool
	for seq := 0; seq < shmem.MaxSeqNum; seq++ {
		if idx := slot.SendSlotForSeq[seq]; idx != shmem.NoSlot {
			used[idx] = true
		}
	}
	for i, u := range used {
		if !u {
			return i, true
		}
	}
	return 0, false
}
