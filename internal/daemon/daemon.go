// Package daemon implements the three background activities that own all
// transport state — Receiver, Sender, Reaper — plus the Socket Broker's
// Create/Bind handlers (§4.2, §4.4-§4.7). Its lifecycle is a
// context.CancelFunc that stops every ticker-driven goroutine, joined by a
// sync.WaitGroup.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ktpnet/ktp/internal/ktperr"
	"github.com/ktpnet/ktp/internal/shmem"
	"github.com/ktpnet/ktp/internal/transport"
	"github.com/ktpnet/ktp/pkg/config"
)

// NewEndpointFunc opens an underlying datagram endpoint bound to localAddr.
// Production wiring passes transport.New("udp", addr); tests pass a
// loopback Switch's Bind method instead.
type NewEndpointFunc func(localAddr transport.Addr) (transport.Endpoint, error)

// Daemon owns the shared region, the table of open underlying endpoints,
// and the Receiver/Sender/Reaper goroutines that mutate the region under
// its lock.
type Daemon struct {
	region      *shmem.Region
	cfg         config.Config
	newEndpoint NewEndpointFunc
	logger      *log.Entry

	endpointsMu sync.Mutex
	endpoints   map[int32]transport.Endpoint
	nextHandle  int32

	dropFn       func() bool
	processAlive func(pid int32) bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Daemon over region, using newEndpoint to open underlying
// datagram endpoints for newly created sockets.
func New(region *shmem.Region, cfg config.Config, newEndpoint NewEndpointFunc, logger *log.Entry) *Daemon {
	if logger == nil {
		logger = log.WithField("component", "daemon")
	}
	return &Daemon{
		region:       region,
		cfg:          cfg,
		newEndpoint:  newEndpoint,
		logger:       logger,
		endpoints:    make(map[int32]transport.Endpoint),
		dropFn:       defaultDropFn(cfg.DropProbability),
		processAlive: processAlive,
	}
}

// Start launches the Receiver, Sender and Reaper goroutines, each scoped to
// a context derived from ctx and joined by Wait.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.receiveLoop(ctx) }()
	go func() { defer d.wg.Done(); d.sendLoop(ctx) }()
	go func() { defer d.wg.Done(); d.reapLoop(ctx) }()
	return nil
}

// Stop cancels every background activity. Call Wait to block until they
// have actually returned.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// Wait blocks until Receiver, Sender and Reaper have all returned.
func (d *Daemon) Wait() error {
	d.wg.Wait()
	return nil
}

// Shutdown tears down every still-open underlying endpoint, for use during
// orderly shutdown (§4.7) after Stop/Wait have returned.
func (d *Daemon) Shutdown() {
	d.endpointsMu.Lock()
	defer d.endpointsMu.Unlock()
	for handle, ep := range d.endpoints {
		if err := ep.Close(); err != nil {
			d.logger.WithError(err).WithField("handle", handle).Warn("error closing endpoint during shutdown")
		}
	}
	d.endpoints = make(map[int32]transport.Endpoint)
}

// Close implements broker.Handler: it frees sockID's slot and closes its
// underlying endpoint immediately, rather than leaving that to the Reaper
// or to daemon shutdown (§4.2, Close request).
func (d *Daemon) Close(sockID int) error {
	if sockID < 0 || sockID >= d.region.NumSlots() {
		return ktperr.ErrInvalidArgument
	}

	var handle int32
	var valid bool
	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}
		handle = slot.UnderlyingSock
		valid = true
		slot.Reset()
	})
	if !valid {
		return ktperr.ErrInvalidArgument
	}
	d.closeEndpoint(handle)
	d.logger.WithField("sock_id", sockID).Debug("socket closed")
	return nil
}

// Create implements broker.Handler: it reserves a free socket slot owned
// by ownerPID and opens an underlying endpoint for it (§4.3 open).
func (d *Daemon) Create(ownerPID int32) (int, error) {
	var sockID = -1
	var openErr error

	d.region.WithLock(func() {
		for i := 0; i < d.region.NumSlots(); i++ {
			if d.region.Slot(i).IsFree() {
				sockID = i
				return
			}
		}
	})
	if sockID == -1 {
		return -1, ktperr.ErrNoSpace
	}

	ep, err := d.newEndpoint(transport.Addr{})
	if err != nil {
		return -1, fmt.Errorf("daemon: opening endpoint: %w", err)
	}

	d.endpointsMu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	d.endpoints[handle] = ep
	d.endpointsMu.Unlock()

	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if !slot.IsFree() {
			// Lost the race for this slot between the scan above and now;
			// the caller will simply get a different free one on retry.
			openErr = ktperr.ErrNoSpace
			return
		}
		slot.Allocate(ownerPID, handle)
	})
	if openErr != nil {
		ep.Close()
		d.endpointsMu.Lock()
		delete(d.endpoints, handle)
		d.endpointsMu.Unlock()
		return -1, openErr
	}

	d.logger.WithFields(log.Fields{"sock_id": sockID, "owner_pid": ownerPID}).Debug("socket created")
	return sockID, nil
}

// Bind implements broker.Handler: it rebinds sockID's underlying endpoint
// to localAddr (closing and reopening it, since net.ListenUDP cannot rebind
// in place) and records the permitted remote peer.
func (d *Daemon) Bind(sockID int, localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16) error {
	if sockID < 0 || sockID >= d.region.NumSlots() {
		return ktperr.ErrInvalidArgument
	}

	var handle int32
	var valid bool
	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		if slot.IsFree() {
			return
		}
		handle = slot.UnderlyingSock
		valid = true
	})
	if !valid {
		return ktperr.ErrInvalidArgument
	}

	d.endpointsMu.Lock()
	old, ok := d.endpoints[handle]
	d.endpointsMu.Unlock()
	if ok {
		old.Close()
	}

	ep, err := d.newEndpoint(transport.Addr{IP: localIP, Port: localPort})
	if err != nil {
		return fmt.Errorf("daemon: rebinding endpoint: %w", err)
	}
	d.endpointsMu.Lock()
	d.endpoints[handle] = ep
	d.endpointsMu.Unlock()

	d.region.WithLock(func() {
		slot := d.region.Slot(sockID)
		slot.RemoteIP = remoteIP
		slot.RemotePort = remotePort
	})

	d.logger.WithField("sock_id", sockID).Debug("socket bound")
	return nil
}

// SetDropFunc overrides the Receiver's loss-simulation function, letting
// tests control exactly which datagrams are "lost" instead of relying on
// DROP_PROB's randomness.
func (d *Daemon) SetDropFunc(fn func() bool) {
	d.dropFn = fn
}

func (d *Daemon) endpointFor(handle int32) (transport.Endpoint, bool) {
	d.endpointsMu.Lock()
	defer d.endpointsMu.Unlock()
	ep, ok := d.endpoints[handle]
	return ep, ok
}

func (d *Daemon) closeEndpoint(handle int32) {
	d.endpointsMu.Lock()
	ep, ok := d.endpoints[handle]
	delete(d.endpoints, handle)
	d.endpointsMu.Unlock()
	if ok {
		ep.Close()
	}
}

func defaultDropFn(prob float64) func() bool {
	return func() bool {
		if prob <= 0 {
			return false
		}
		return fastRand() < prob
	}
}

// fastRand is a small, dependency-free uniform [0,1) source for loss
// simulation. It is reseeded from the current time once at process start
// (see init below) rather than per call.
var randState uint64

func init() {
	randState = uint64(time.Now().UnixNano()) | 1
}

func fastRand() float64 {
	// xorshift64*, adequate for loss simulation (not cryptographic use).
	randState ^= randState << 13
	randState ^= randState >> 7
	randState ^= randState << 17
	return float64(randState>>11) / float64(1<<53)
}
