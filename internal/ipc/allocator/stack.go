package allocator

import (
	"sync/atomic"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// StackAllocator is a bump allocator over a backend's byte window: each
// Allocate moves a monotonic high-water-mark offset forward and Free is a
// no-op, matching hermes_shm's StackAllocator (used by the example list.cc
// program to host a single long-lived header plus a growing container).
// Adapted from the teacher's []byte-backed ArenaAllocatorImpl
// (internal/allocator/arena.go), generalized to operate on offsets into a
// shared backend instead of a process-local slice.
type StackAllocator struct {
	id      pointer.AllocatorID
	be      backend.Backend
	dataOff uint64 // offset of the first byte available for allocation
	dataEnd uint64 // exclusive upper bound of this allocator's slot
	top     atomic.Uint64
	peak    atomic.Int64
	allocs  atomic.Int64
	count   atomic.Uint64
	total   atomic.Uint64

	customHeaderOff  uint64
	customHeaderSize uint64
}

// NewStackAllocator carves a new stack allocator out of be, reserving
// customHeaderSize bytes immediately after the allocator header for
// caller-defined state (e.g. the root pointer of a container), matching
// CreateAllocator's customHeaderSize parameter in the worked example.
func NewStackAllocator(id pointer.AllocatorID, be backend.Backend, headerOffset uint64, customHeaderSize uint64) (*StackAllocator, error) {
	dataOff := headerOffset + HeaderSize + customHeaderSize
	if dataOff > be.Size() {
		return nil, shmerrors.New(shmerrors.CategoryResource, "BACKEND_TOO_SMALL",
			"backend window too small for allocator + custom headers", map[string]any{
				"need": dataOff, "have": be.Size(),
			})
	}
	s := &StackAllocator{
		id:               id,
		be:               be,
		dataOff:          dataOff,
		dataEnd:          be.Size(),
		customHeaderOff:  headerOffset + HeaderSize,
		customHeaderSize: customHeaderSize,
	}
	s.top.Store(dataOff)
	hdr := Header{Kind: KindStack, ID: id, CustomHeaderOffset: s.customHeaderOff, CustomHeaderSize: customHeaderSize}
	hdr.stamp()
	raw, _ := hdr.MarshalBinary()
	copy(be.Bytes()[headerOffset:], raw)
	return s, nil
}

func (s *StackAllocator) ID() pointer.AllocatorID { return s.id }
func (s *StackAllocator) Backend() backend.Backend { return s.be }

func (s *StackAllocator) CustomHeader() (pointer.OffsetPointer, uint64) {
	return pointer.OffsetPointer(s.customHeaderOff), s.customHeaderSize
}

// Allocate bumps the high-water mark forward by size bytes, 8-byte aligned.
func (s *StackAllocator) Allocate(size uint64) (pointer.OffsetPointer, error) {
	return s.AllocateAligned(size, 8)
}

// AllocateAligned bumps the high-water mark forward, rounding the start
// offset up to the requested alignment first.
func (s *StackAllocator) AllocateAligned(size, alignment uint64) (pointer.OffsetPointer, error) {
	// size == 0 is a valid request (spec §8 boundary behaviour): it bumps
	// the cursor by zero bytes and returns a non-null, freeable offset
	// rather than being rejected. That offset is not distinct: the next
	// allocation with the same alignment starts at the same offset.
	if alignment == 0 {
		alignment = 1
	}
	if !isPowerOfTwo(alignment) {
		return pointer.NullOffsetPointer, shmerrors.BadAlignment(s.id.String(), alignment)
	}
	if size > s.dataEnd-s.dataOff {
		return pointer.NullOffsetPointer, shmerrors.InsufficientSpace(s.id.String(), size, s.dataEnd-s.dataOff)
	}
	for {
		cur := s.top.Load()
		aligned := alignUp(cur, alignment)
		next := aligned + size
		if next > s.dataEnd {
			return pointer.NullOffsetPointer, shmerrors.OutOfMemory(s.id.String(), size)
		}
		if s.top.CompareAndSwap(cur, next) {
			s.total.Add(size)
			s.count.Add(1)
			active := s.allocs.Add(1)
			for {
				p := s.peak.Load()
				if active <= p || s.peak.CompareAndSwap(p, active) {
					break
				}
			}
			return pointer.OffsetPointer(aligned), nil
		}
	}
}

// Reallocate always allocates a fresh block and copies forward: a stack
// allocator has no way to extend an allocation in place once another
// allocation may have landed after it, and it never reclaims the old
// block's space (Free is a no-op), matching the bump-allocator contract.
func (s *StackAllocator) Reallocate(p pointer.OffsetPointer, newSize uint64) (pointer.OffsetPointer, error) {
	if p.IsNull() {
		return s.Allocate(newSize)
	}
	next, err := s.Allocate(newSize)
	if err != nil {
		return pointer.NullOffsetPointer, err
	}
	buf := s.be.Bytes()
	// Copy whatever fits; the caller knows the old allocation's logical
	// size and is responsible for not reading past newSize afterward.
	n := newSize
	if avail := uint64(len(buf)) - uint64(p); avail < n {
		n = avail
	}
	copy(buf[uint64(next):uint64(next)+n], buf[uint64(p):uint64(p)+n])
	return next, nil
}

// Free reclaims no space: a stack allocator never reuses memory, matching
// hermes_shm's StackAllocator (it exists for long-lived, construct-once
// regions, not general-purpose alloc/free traffic). It only rejects a null
// offset and decrements the active-allocation count; it does not detect a
// double free or an offset it never handed out.
func (s *StackAllocator) Free(p pointer.OffsetPointer) error {
	if p.IsNull() {
		return shmerrors.InvalidFree(s.id.String(), uint64(p))
	}
	s.allocs.Add(-1)
	return nil
}

func (s *StackAllocator) Stats() Stats {
	return Stats{
		TotalAllocated:    s.total.Load(),
		ActiveAllocations: s.allocs.Load(),
		PeakAllocations:   s.peak.Load(),
		AllocationCount:   s.count.Load(),
		BytesInUse:        s.top.Load() - s.dataOff,
		RegionSize:        s.dataEnd - s.dataOff,
	}
}

func alignUp(off, alignment uint64) uint64 {
	rem := off % alignment
	if rem == 0 {
		return off
	}
	return off + (alignment - rem)
}
