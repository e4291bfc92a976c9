package shmem

// Compile-time sizing of the per-socket state (B=10, S=256, MAX_MSG_SIZE=512)
// and are baked into the layout rather than made runtime-configurable,
// since SlotState is overlaid directly onto shared memory bytes (see
// region.go) and so needs a fixed, portable size. N (the number of socket
// slots in a region) is not baked in here; it is a Region-construction
// parameter.
const (
	BufferSize = 10  // B: send/receive buffer depth per socket
	MaxSeqNum  = 256 // S: size of the modular sequence space
	MaxMsgSize = 512 // maximum payload size of one message
)

// NoSlot is the "none" sentinel for sequence-to-slot maps.
const NoSlot int16 = -1

// Unsent is the "unsent" sentinel for send timestamps.
const Unsent int64 = -1

// SlotState is the per-socket shared state: a fixed-layout struct so it can
// be overlaid directly onto a byte region shared between the daemon and every
// application process that has attached to it (see Region).
//
// Only fixed-size value fields are used (no slices, maps, strings or
// pointers) so the in-memory layout is stable across processes built from
// the same compiled module.
type SlotState struct {
	Free           uint32 // 1 = free, 0 = in use
	OwnerPID       int32
	UnderlyingSock int32 // daemon-local handle index; meaningless outside the daemon
	RemoteIP       [4]byte
	RemotePort     uint16
	_              [2]byte // padding

	SendBuf       [BufferSize][MaxMsgSize]byte
	SendLen       [BufferSize]uint16
	_             [2]byte // padding
	SendFreeSlots int32
	SendSlotForSeq [MaxSeqNum]int16
	SendTimestamp  [MaxSeqNum]int64
	SwndStart      uint16
	SwndSize       uint16

	RecvBuf        [BufferSize][MaxMsgSize]byte
	RecvLen        [BufferSize]uint16
	RecvActive     [BufferSize]uint32
	RecvBaseIdx    int32
	RecvSlotForSeq [MaxSeqNum]int16
	RwndStart      uint16
	RwndSize       uint16
	BufferFullFlag uint32
}

// Reset reinitializes a slot to the "free" state described in §4.5:
// all sequence slots unassigned, full send/receive windows, and the
// identity mapping of sequences 0..B-1 onto receive buffer slots 0..B-1.
func (s *SlotState) Reset() {
	*s = SlotState{}
	s.Free = 1
	s.SwndStart = 0
	s.SwndSize = BufferSize
	s.SendFreeSlots = BufferSize
	s.RwndStart = 0
	s.RwndSize = BufferSize
	for i := range s.SendSlotForSeq {
		s.SendSlotForSeq[i] = NoSlot
	}
	for i := range s.SendTimestamp {
		s.SendTimestamp[i] = Unsent
	}
	for i := range s.RecvSlotForSeq {
		s.RecvSlotForSeq[i] = NoSlot
	}
	for i := 0; i < BufferSize; i++ {
		s.RecvSlotForSeq[i] = int16(i)
	}
}

// Allocate marks the slot in-use for owner pid, leaving window state as
// initialized by Reset (callers allocate only previously-Reset/free slots).
func (s *SlotState) Allocate(pid int32, underlyingSock int32) {
	s.Reset()
	s.Free = 0
	s.OwnerPID = pid
	s.UnderlyingSock = underlyingSock
}

// IsFree reports whether the slot is currently unused.
func (s *SlotState) IsFree() bool {
	return s.Free != 0
}
