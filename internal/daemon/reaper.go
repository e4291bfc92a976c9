package daemon

import (
	"context"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// reapLoop is the Reaper (§4.6): once per reaper period, every allocated
// socket whose owner process has died is freed and its endpoint closed.
func (d *Daemon) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReaperPeriod)
	defer ticker.Stop()
	logger := d.logger.WithField("activity", "reaper")
	logger.Info("reaper started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("reaper stopped")
			return
		case <-ticker.C:
			d.reapTick(logger)
		}
	}
}

func (d *Daemon) reapTick(logger *log.Entry) {
	for i := 0; i < d.region.NumSlots(); i++ {
		var handle int32
		var ownerPID int32
		var dead bool

		d.region.WithLock(func() {
			slot := d.region.Slot(i)
			if slot.IsFree() {
				return
			}
			ownerPID = slot.OwnerPID
			if !d.processAlive(ownerPID) {
				dead = true
				handle = slot.UnderlyingSock
				slot.Reset()
			}
		})

		if dead {
			d.closeEndpoint(handle)
			logger.WithField("sock_id", i).WithField("owner_pid", ownerPID).Info("reclaimed socket of dead owner")
		}
	}
}

// processAlive probes whether pid is still alive via the null signal, the
// Unix equivalent of the reference's "signal 0" liveness check.
func processAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(int(pid), syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
