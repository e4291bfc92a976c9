package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktpnet/ktp/internal/ktperr"
	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/pkg/config"
)

func testRegion(t *testing.T, n int) *shmem.Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region")
	region, err := shmem.Create(path, n)
	require.Nil(t, err)
	t.Cleanup(func() { region.Close() })
	return region
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.RetransmitTimeout = 80 * time.Millisecond
	cfg.ReaperPeriod = 50 * time.Millisecond
	return cfg
}

func newTestDaemon(t *testing.T, n int, sw *transport.Switch) *Daemon {
	t.Helper()
	region := testRegion(t, n)
	d := New(region, fastConfig(), sw.Bind, nil)
	d.dropFn = func() bool { return false }
	return d
}

func TestCreateAllocatesFreeSlot(t *testing.T) {
	d := newTestDaemon(t, 2, transport.NewSwitch())

	id0, err := d.Create(111)
	require.Nil(t, err)
	assert.Equal(t, 0, id0)

	id1, err := d.Create(222)
	require.Nil(t, err)
	assert.Equal(t, 1, id1)

	_, err = d.Create(333)
	assert.ErrorIs(t, err, ktperr.ErrNoSpace)
}

func TestBindRecordsPeerAndAddress(t *testing.T) {
	sw := transport.NewSwitch()
	d := newTestDaemon(t, 1, sw)

	sockID, err := d.Create(111)
	require.Nil(t, err)

	err = d.Bind(sockID, [4]byte{127, 0, 0, 1}, 6000, [4]byte{127, 0, 0, 1}, 6001)
	require.Nil(t, err)

	slot := d.region.Slot(sockID)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, slot.RemoteIP)
	assert.Equal(t, uint16(6001), slot.RemotePort)

	ep, ok := d.endpointFor(slot.UnderlyingSock)
	require.True(t, ok)
	assert.Equal(t, uint16(6000), ep.LocalAddr().Port)
}

func TestBindUnknownSocketFails(t *testing.T) {
	d := newTestDaemon(t, 1, transport.NewSwitch())
	err := d.Bind(5, [4]byte{}, 0, [4]byte{}, 0)
	assert.ErrorIs(t, err, ktperr.ErrInvalidArgument)
}

func TestReaperFreesDeadOwnersSocket(t *testing.T) {
	sw := transport.NewSwitch()
	d := newTestDaemon(t, 1, sw)
	aliveOf := map[int32]bool{999: false}
	d.processAlive = func(pid int32) bool { return aliveOf[pid] }

	sockID, err := d.Create(999)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.Nil(t, d.Start(ctx))
	defer func() { cancel(); d.Wait() }()

	require.Eventually(t, func() bool {
		return d.region.Slot(sockID).IsFree()
	}, time.Second, 5*time.Millisecond)
}

// TestDataAndAckRoundTrip drives the Receiver/Sender of two Daemons wired
// to the same loopback Switch through one send/ack cycle without going
// through the client library, exercising §4.4/§4.5 directly.
func TestDataAndAckRoundTrip(t *testing.T) {
	sw := transport.NewSwitch()
	a := newTestDaemon(t, 1, sw)
	b := newTestDaemon(t, 1, sw)

	aID, err := a.Create(1)
	require.Nil(t, err)
	bID, err := b.Create(2)
	require.Nil(t, err)

	require.Nil(t, a.Bind(aID, [4]byte{10, 0, 0, 1}, 7000, [4]byte{10, 0, 0, 2}, 7001))
	require.Nil(t, b.Bind(bID, [4]byte{10, 0, 0, 2}, 7001, [4]byte{10, 0, 0, 1}, 7000))

	// Simulate the library's send(): queue "hello" into A's slot 0.
	a.region.WithLock(func() {
		slot := a.region.Slot(aID)
		slot.SendBuf[0] = [shmem.MaxMsgSize]byte{}
		copy(slot.SendBuf[0][:], "hello")
		slot.SendLen[0] = 5
		slot.SendSlotForSeq[0] = 0
		slot.SendFreeSlots--
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.Nil(t, a.Start(ctx))
	require.Nil(t, b.Start(ctx))
	defer func() { cancel(); a.Wait(); b.Wait() }()

	require.Eventually(t, func() bool {
		slot := b.region.Slot(bID)
		return slot.RecvActive[0] != 0
	}, time.Second, 5*time.Millisecond)

	b.region.WithLock(func() {
		slot := b.region.Slot(bID)
		assert.Equal(t, uint16(5), slot.RecvLen[0])
		assert.Equal(t, "hello", string(slot.RecvBuf[0][:5]))
	})

	require.Eventually(t, func() bool {
		slot := a.region.Slot(aID)
		return slot.SwndStart == 1
	}, time.Second, 5*time.Millisecond)
}

// TestTimeoutRetransmit verifies a dropped first transmission is resent
// once T has elapsed.
func TestTimeoutRetransmit(t *testing.T) {
	sw := transport.NewSwitch()
	a := newTestDaemon(t, 1, sw)
	b := newTestDaemon(t, 1, sw)

	dropFirst := true
	b.dropFn = func() bool {
		if dropFirst {
			dropFirst = false
			return true
		}
		return false
	}

	aID, err := a.Create(1)
	require.Nil(t, err)
	bID, err := b.Create(2)
	require.Nil(t, err)
	require.Nil(t, a.Bind(aID, [4]byte{10, 0, 0, 1}, 7100, [4]byte{10, 0, 0, 2}, 7101))
	require.Nil(t, b.Bind(bID, [4]byte{10, 0, 0, 2}, 7101, [4]byte{10, 0, 0, 1}, 7100))

	a.region.WithLock(func() {
		slot := a.region.Slot(aID)
		copy(slot.SendBuf[0][:], "x")
		slot.SendLen[0] = 1
		slot.SendSlotForSeq[0] = 0
		slot.SendFreeSlots--
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.Nil(t, a.Start(ctx))
	require.Nil(t, b.Start(ctx))
	defer func() { cancel(); a.Wait(); b.Wait() }()

	require.Eventually(t, func() bool {
		slot := b.region.Slot(bID)
		return slot.RecvActive[0] != 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleDatagramDiscardsUnknownTag(t *testing.T) {
	sw := transport.NewSwitch()
	d := newTestDaemon(t, 1, sw)
	sockID, err := d.Create(1)
	require.Nil(t, err)
	require.Nil(t, d.Bind(sockID, [4]byte{127, 0, 0, 1}, 7200, [4]byte{127, 0, 0, 1}, 7201))

	before := *d.region.Slot(sockID)
	d.handleDatagram(sockID, nil, transport.Addr{}, []byte("zgarbage"), d.logger)
	after := *d.region.Slot(sockID)
	assert.Equal(t, before.RwndStart, after.RwndStart)
	assert.Equal(t, before.RwndSize, after.RwndSize)
}
