package daemon

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/internal/wire"
)

// sendLoop is the Sender (§4.5): once per tick, for every allocated socket,
// it either retransmits the whole outstanding window on a timeout
// (Go-Back-N) or sends any newly-queued, never-yet-transmitted sequences.
func (d *Daemon) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetransmitTimeout / 2)
	defer ticker.Stop()
	logger := d.logger.WithField("activity", "sender")
	logger.Info("sender started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("sender stopped")
			return
		case <-ticker.C:
			d.sendTick(logger)
		}
	}
}

func (d *Daemon) sendTick(logger *log.Entry) {
	now := time.Now().UnixNano()
	for i := 0; i < d.region.NumSlots(); i++ {
		d.sendOne(i, now, logger)
	}
}

type outgoing struct {
	seq     uint8
	payload []byte
}

func (d *Daemon) sendOne(sockID int, now int64, logger *log.Entry) {
	var handle int32
	var dst transport.Addr
	var toSend []outgoing

	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}
		handle = slot.UnderlyingSock
		dst = transport.Addr{IP: slot.RemoteIP, Port: slot.RemotePort}

		timedOut := false
		for k := 0; k < int(slot.SwndSize); k++ {
			c := uint8(int(slot.SwndStart) + k)
			idx := slot.SendSlotForSeq[c]
			if idx == shmem.NoSlot {
				continue
			}
			ts := slot.SendTimestamp[c]
			if ts >= 0 && now-ts >= d.cfg.RetransmitTimeout.Nanoseconds() {
				timedOut = true
				break
			}
		}

		for k := 0; k < int(slot.SwndSize); k++ {
			c := uint8(int(slot.SwndStart) + k)
			idx := slot.SendSlotForSeq[c]
			if idx == shmem.NoSlot {
				continue
			}
			ts := slot.SendTimestamp[c]
			if timedOut || ts == shmem.Unsent {
				payload := make([]byte, slot.SendLen[idx])
				copy(payload, slot.SendBuf[idx][:slot.SendLen[idx]])
				toSend = append(toSend, outgoing{seq: c, payload: payload})
				slot.SendTimestamp[c] = now
			}
		}
	})

	if len(toSend) == 0 {
		return
	}
	ep, ok := d.endpointFor(handle)
	if !ok {
		return
	}
	for _, out := range toSend {
		packet, err := wire.EncodeData(out.seq, out.payload)
		if err != nil {
			logger.WithError(err).WithField("sock_id", sockID).Warn("failed to encode outgoing DATA")
			continue
		}
		if err := ep.Send(packet, dst); err != nil {
			logger.WithError(err).WithField("sock_id", sockID).Debug("datagram send failed")
		}
	}
}
