package daemon

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/internal/wire"
)

// receiveLoop is the Receiver (§4.4): once per tick it round-robins every
// allocated socket, polling its endpoint with an immediate deadline instead
// of a real multi-fd select (the polling model described in §4.4), then
// processes at most one waiting datagram per socket.
func (d *Daemon) receiveLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetransmitTimeout / 2)
	defer ticker.Stop()
	logger := d.logger.WithField("activity", "receiver")
	logger.Info("receiver started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("receiver stopped")
			return
		case <-ticker.C:
			d.receiveTick(logger)
		}
	}
}

func (d *Daemon) receiveTick(logger *log.Entry) {
	for i := 0; i < d.region.NumSlots(); i++ {
		d.receiveOne(i, logger)
	}
}

func (d *Daemon) receiveOne(sockID int, logger *log.Entry) {
	var handle int32
	var dst transport.Addr
	var windowUpdate bool
	var ack []byte

	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}
		handle = slot.UnderlyingSock
		dst = transport.Addr{IP: slot.RemoteIP, Port: slot.RemotePort}
		if slot.BufferFullFlag != 0 && slot.RwndSize > 0 {
			windowUpdate = true
			slot.BufferFullFlag = 0
			ack = wire.EncodeAck(cumulativeAck(slot.RwndStart), uint8(slot.RwndSize))
		}
	})

	ep, ok := d.endpointFor(handle)
	if !ok {
		return
	}

	if windowUpdate {
		if err := ep.Send(ack, dst); err != nil {
			logger.WithError(err).WithField("sock_id", sockID).Debug("window update send failed")
		}
	}

	payload, _, err := ep.Recv(time.Now())
	if err != nil {
		return // ErrTimeout: nothing waiting this tick, or transient I/O error
	}
	if d.dropFn() {
		return // simulated loss (§4.4 step 2)
	}
	d.handleDatagram(sockID, ep, dst, payload, logger)
}

func (d *Daemon) handleDatagram(sockID int, ep transport.Endpoint, dst transport.Addr, raw []byte, logger *log.Entry) {
	tag, ok := wire.PeekTag(raw)
	if !ok {
		return
	}
	switch tag {
	case wire.TagData:
		data, err := wire.DecodeData(raw)
		if err != nil {
			logger.WithError(err).WithField("sock_id", sockID).Debug("discarding malformed DATA")
			return
		}
		d.handleData(sockID, ep, dst, data, logger)
	case wire.TagAck:
		ack, err := wire.DecodeAck(raw)
		if err != nil {
			logger.WithError(err).WithField("sock_id", sockID).Debug("discarding malformed ACK")
			return
		}
		d.handleAck(sockID, ack)
	default:
		// unknown tag: discard silently, per §7e
	}
}

// handleData implements the DATA branch of §4.4.
func (d *Daemon) handleData(sockID int, ep transport.Endpoint, dst transport.Addr, data wire.Data, logger *log.Entry) {
	var ack []byte

	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}

		q := data.Seq
		bufIdx := slot.RecvSlotForSeq[q]
		if bufIdx != shmem.NoSlot {
			active := slot.RecvActive[bufIdx] != 0
			switch {
			case uint16(q) == slot.RwndStart:
				storeRecv(slot, int(bufIdx), data.Payload)
				slot.RwndSize--
				advanceRwndStart(slot)
			case withinReceiveWindow(q, slot.RwndStart) && !active:
				storeRecv(slot, int(bufIdx), data.Payload)
				slot.RwndSize--
			}
		}

		if slot.RwndSize == 0 {
			slot.BufferFullFlag = 1
		}
		ack = wire.EncodeAck(cumulativeAck(slot.RwndStart), uint8(slot.RwndSize))
	})

	if ack == nil {
		return
	}
	if err := ep.Send(ack, dst); err != nil {
		logger.WithError(err).WithField("sock_id", sockID).Debug("ack send failed")
	}
}

// handleAck implements the ACK branch of §4.4.
func (d *Daemon) handleAck(sockID int, ack wire.Ack) {
	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}

		a := ack.Seq
		dist := modDist(a, uint8(slot.SwndStart))
		if dist < int(slot.SwndSize) {
			c := uint8(slot.SwndStart)
			for {
				if slot.SendSlotForSeq[c] != shmem.NoSlot {
					slot.SendSlotForSeq[c] = shmem.NoSlot
					slot.SendTimestamp[c] = shmem.Unsent
					if slot.SendFreeSlots < shmem.BufferSize {
						slot.SendFreeSlots++
					}
				}
				if c == a {
					break
				}
				c++
			}
			slot.SwndStart = uint16(a) + 1
			if slot.SwndStart >= shmem.MaxSeqNum {
				slot.SwndStart = 0
			}
		}
		slot.SwndSize = uint16(ack.Window)
	})
}

// cumulativeAck returns (start - 1) mod S, the highest contiguous sequence
// already received when the next expected one is start.
func cumulativeAck(start uint16) uint8 {
	return uint8(start - 1)
}

// modDist returns (a - b) mod S; S=256 so uint8 wraparound computes it
// directly.
func modDist(a, b uint8) int {
	return int(a - b)
}

// withinReceiveWindow reports whether sequence q falls in [rwndStart,
// rwndStart+B) mod S.
func withinReceiveWindow(q uint8, rwndStart uint16) bool {
	return modDist(q, uint8(rwndStart)) < shmem.BufferSize
}

func storeRecv(slot *shmem.SlotState, idx int, payload []byte) {
	copy(slot.RecvBuf[idx][:], payload)
	slot.RecvLen[idx] = uint16(len(payload))
	slot.RecvActive[idx] = 1
}

// advanceRwndStart implements the "advance while the slot mapped to
// rwnd.start is active, up to B steps" formulation from Design Note
// "Goto-style wrap-advance".
func advanceRwndStart(slot *shmem.SlotState) {
	for i := 0; i < shmem.BufferSize; i++ {
		idx := slot.RecvSlotForSeq[uint8(slot.RwndStart)]
		if idx == shmem.NoSlot || slot.RecvActive[idx] == 0 {
			return
		}
		slot.RwndStart++
		if slot.RwndStart >= shmem.MaxSeqNum {
			slot.RwndStart = 0
		}
	}
}
