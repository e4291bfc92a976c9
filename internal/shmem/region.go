package shmem

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// headerSize is the size, in bytes, of the region header that precedes the
// socket slot table. It holds a single int64 used as a cross-process
// spinlock, guarding every access to the table per §5 ("a single binary
// semaphore guards every access").
const headerSize = 8

var slotSize = int(unsafe.Sizeof(SlotState{}))

// Region is the shared control region: a memory-mapped file holding N
// SlotState entries plus a leading lock word, attached by the daemon and
// by every application process that calls into the client library.
type Region struct {
	data []byte
	file *os.File
	n    int
	own  bool // true if this process created the file (daemon)
}

func regionSize(n int) int {
	return headerSize + n*slotSize
}

// Create creates (or truncates and reinitializes) the shared region backing
// file at path, sized for n socket slots, and marks every slot free. This is
// called once by the daemon at bootstrap.
func Create(path string, n int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}
	size := regionSize(n)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	r := &Region{data: data, file: f, n: n, own: true}
	for i := 0; i < n; i++ {
		r.Slot(i).Reset()
	}
	return r, nil
}

// Open attaches to a pre-existing shared region created by the daemon.
// It is called by the client library on its first API call in a process.
// Returns an error wrapping os.ErrNotExist-like failures when the daemon
// has not created the region yet, per §4.7 ("transport daemon not running").
func Open(path string, n int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("shmem: transport daemon not running (open %s): %w", path, err)
	}
	size := regionSize(n)
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("shmem: region %s is %d bytes, expected at least %d", path, info.Size(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return &Region{data: data, file: f, n: n}, nil
}

// Close unmaps the region and closes the backing file. If this Region was
// created via Create, it also removes the backing file (daemon shutdown).
func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	closeErr := r.file.Close()
	if err == nil {
		err = closeErr
	}
	if r.own {
		if rmErr := os.Remove(r.file.Name()); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// NumSlots returns the number of socket slots in the region.
func (r *Region) NumSlots() int {
	return r.n
}

// Slot returns a pointer to socket slot i, overlaid directly on the mapped
// bytes. Callers must hold the region lock (Lock/Unlock) while reading or
// mutating the returned slot.
func (r *Region) Slot(i int) *SlotState {
	off := headerSize + i*slotSize
	return (*SlotState)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) lockWord() *int64 {
	return (*int64)(unsafe.Pointer(&r.data[0]))
}

// Lock acquires the single coarse-grained mutex that guards the whole
// table, per §5 ("a single mutex over the entire shared region is
// acceptable given N=10"). It spins rather than blocking on an OS
// primitive, since the region is plain mmap'd memory shared between
// unrelated processes.
func (r *Region) Lock() {
	word := r.lockWord()
	for !atomic.CompareAndSwapInt64(word, 0, 1) {
		osYield()
	}
}

// Unlock releases the region lock.
func (r *Region) Unlock() {
	atomic.StoreInt64(r.lockWord(), 0)
}

// WithLock runs fn with the region lock held.
func (r *Region) WithLock(fn func()) {
	r.Lock()
	defer r.Unlock()
	fn()
}
