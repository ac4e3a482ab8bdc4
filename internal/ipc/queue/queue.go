// Package queue implements the MPSC pointer queue (component C9): a
// bounded ring buffer, built in-region over an allocator.Allocator so its
// header and slot array are as process-independent as every other
// container in this module, for many concurrent producers and a single
// consumer, where a slot's "mark bit" rather than a separate valid flag
// tells the consumer a write has landed. This mirrors hermes_shm's
// mpsc_ptr_queue<T>: a producer reserves a slot by fetch-add'ing the tail
// counter, spins if the ring is momentarily full, then writes the value
// with its top bit set; the single consumer reads head, checks the mark
// bit, and only then advances head and clears the slot.
//
// An earlier revision of this package kept the ring (slots, head, tail) as
// plain Go fields: cheap to write, but it meant C9 was the only component
// in this module that could not be published to, or attached from, another
// process — a silent gap against its own "lock-free ring over the
// allocator" description. PointerQueue instead carries exactly that state
// inside the owning allocator's region: Header.SlotsOffset points at a
// slot array allocated once at Construct time, and Header.Head/Tail are
// mutated with raw atomic operations on the backend's byte slice (an
// unsafe.Pointer onto the mapped bytes) rather than sync/atomic fields on
// the Go struct.
package queue

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/container"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// Token is the position returned by Push/Pop, analogous to hermes_shm's
// qtok_t: a monotonically increasing ring position, or NullToken if the
// operation did not complete.
type Token uint64

// NullToken is returned when Pop finds nothing ready or Push rejects its
// payload; Push never returns it for a full queue, it waits for room.
const NullToken = Token(^uint64(0))

// IsNull reports whether t is the null token.
func (t Token) IsNull() bool { return t == NullToken }

// markBit is OR'd into a slot's stored offset to mean "write landed";
// offsets large enough to collide with it are outside any realistic single
// backend's size and are rejected by Push.
const markBit = uint64(1) << 63

// Header is the in-region root record of a PointerQueue: its fixed
// capacity, the offset of its slot array, and the head/tail counters
// themselves. Head and Tail here are read back only by Load/Store (a
// point-in-time snapshot for Serialize/diagnostics); the queue's own
// Push/Pop bypass the Container Base Protocol's marshal round trip and
// operate on these same bytes directly with atomic instructions, since a
// full re-marshal per element would both be needless overhead and would
// race itself across concurrent producers.
type Header struct {
	Capacity    uint64
	SlotsOffset pointer.OffsetPointer
	Head        uint64
	Tail        uint64
}

// HeaderSize is the fixed encoded size of Header.
const HeaderSize = 8 + 8 + 8 + 8

func (h Header) Size() uint64 { return HeaderSize }

// headFieldOffset and tailFieldOffset are Header's byte offsets of the
// Head/Tail fields, used to compute the absolute backend address the
// queue performs atomic operations against.
const (
	headFieldOffset = 16
	tailFieldOffset = 24
)

// MarshalBinary encodes the header in host-native byte order.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	order.PutUint64(buf[0:8], h.Capacity)
	order.PutUint64(buf[8:16], uint64(h.SlotsOffset))
	order.PutUint64(buf[headFieldOffset:headFieldOffset+8], h.Head)
	order.PutUint64(buf[tailFieldOffset:tailFieldOffset+8], h.Tail)
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("queue: short Header buffer: need %d, got %d", HeaderSize, len(buf))
	}
	h.Capacity = order.Uint64(buf[0:8])
	h.SlotsOffset = pointer.OffsetPointer(order.Uint64(buf[8:16]))
	h.Head = order.Uint64(buf[headFieldOffset : headFieldOffset+8])
	h.Tail = order.Uint64(buf[tailFieldOffset : tailFieldOffset+8])
	return nil
}

// slotWireSize is the fixed width of one ring slot: a bare OffsetPointer
// with its top bit reserved for the occupied flag.
const slotWireSize = 8

// PointerQueue is the local handle over an in-region MPSC ring of
// OffsetPointer payloads, satisfying the Container Base Protocol via its
// embedded Handle exactly like container.FixedList.
type PointerQueue struct {
	container.Handle[Header]
	capacity uint64
	slotsOff uint64
}

// Construct allocates a fresh header and a depth-slot backing array from
// alloc and returns a PointerQueue bound to it, matching
// mpsc_ptr_queue<T>::shm_init(alloc, depth). Depth is not rounded to a
// power of two: Push/Pop index with modulo, matching the original's plain
// tail % size indexing.
func Construct(alloc allocator.Allocator, depth uint64) (PointerQueue, error) {
	if depth == 0 {
		depth = 1024
	}
	slotsOff, err := alloc.AllocateAligned(depth*slotWireSize, 8)
	if err != nil {
		return PointerQueue{}, err
	}
	hdrOff, err := alloc.AllocateAligned(HeaderSize, 8)
	if err != nil {
		_ = alloc.Free(slotsOff)
		return PointerQueue{}, err
	}
	q := PointerQueue{
		Handle:   container.Handle[Header]{HeaderPtr: hdrOff, Alloc: alloc},
		capacity: depth,
		slotsOff: uint64(slotsOff),
	}
	if err := q.Store(Header{Capacity: depth, SlotsOffset: slotsOff, Head: 0, Tail: 0}); err != nil {
		return PointerQueue{}, err
	}
	return q, nil
}

// DeserializePointerQueue attaches to a queue another process constructed
// and published, given its Pointer and an allocator lookup, mirroring
// FixedList's DeserializeFixedList and shm_deserialize(ar) in the original.
func DeserializePointerQueue(p pointer.Pointer, lookup func(pointer.AllocatorID) (allocator.Allocator, error)) (PointerQueue, error) {
	h, err := container.Deserialize[Header](p, lookup)
	if err != nil {
		return PointerQueue{}, err
	}
	if h.IsNull() {
		return PointerQueue{}, nil
	}
	hdr, err := h.Load()
	if err != nil {
		return PointerQueue{}, err
	}
	return PointerQueue{Handle: h, capacity: hdr.Capacity, slotsOff: uint64(hdr.SlotsOffset)}, nil
}

// Destroy frees the slot array and the header itself. Per spec §5, a
// container must be destroyed before its allocator is destroyed.
func (q PointerQueue) Destroy() error {
	if q.IsNull() {
		return shmerrors.New(shmerrors.CategoryMisuse, "CONTAINER_ALREADY_NULL",
			"PointerQueue.Destroy called on an already-null handle", nil)
	}
	if err := q.Alloc.Free(pointer.OffsetPointer(q.slotsOff)); err != nil {
		return err
	}
	headerOff := q.HeaderPtr
	if err := q.Store(Header{}); err != nil {
		return err
	}
	return q.Alloc.Free(headerOff)
}

// Depth returns the number of slots in the ring.
func (q PointerQueue) Depth() uint64 {
	return q.capacity
}

// rawUint64 returns an atomic view of the 8 bytes of buf starting at off,
// the mechanism this package uses to CAS/load/store a head, tail, or slot
// value that must be visible to every process mapping the same backend,
// not just goroutines in this one. buf must come from a backend whose
// window is at least off+8 bytes and whose base is at least 8-byte
// aligned, both of which Construct/AllocateAligned(_, 8) guarantee.
func rawUint64(buf []byte, off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func (q PointerQueue) headAddr() uint64 { return uint64(q.HeaderPtr) + headFieldOffset }
func (q PointerQueue) tailAddr() uint64 { return uint64(q.HeaderPtr) + tailFieldOffset }

// Push reserves the next slot and writes val into it, blocking (spinning
// with a scheduler yield, never a lock) until the ring has room. It
// returns the token identifying the slot, which is useful only for
// diagnostics: the consumer is not required to pop in token order beyond
// what the ring already enforces.
func (q PointerQueue) Push(val pointer.OffsetPointer) (Token, error) {
	if uint64(val)&markBit != 0 {
		return NullToken, shmerrors.MarkBitViolation("payload already carries the occupied bit; cannot enqueue")
	}
	buf := q.Alloc.Backend().Bytes()
	headPtr := rawUint64(buf, q.headAddr())
	tailPtr := rawUint64(buf, q.tailAddr())

	tail := atomic.AddUint64(tailPtr, 1) - 1
	head := atomic.LoadUint64(headPtr)
	for tail-head+1 > q.capacity {
		runtime.Gosched()
		head = atomic.LoadUint64(headPtr)
	}
	idx := tail % q.capacity
	slotPtr := rawUint64(buf, q.slotsOff+idx*slotWireSize)
	atomic.StoreUint64(slotPtr, uint64(val)|markBit)
	return Token(tail), nil
}

// Pop attempts to dequeue the head element. It returns NullToken and ok=false
// if the queue is empty, or if the head slot's producer has reserved the
// slot (tail advanced past it) but not yet finished writing — the consumer
// never blocks, it simply reports "nothing ready yet" and the caller
// retries.
func (q PointerQueue) Pop() (val pointer.OffsetPointer, tok Token, ok bool) {
	buf := q.Alloc.Backend().Bytes()
	headPtr := rawUint64(buf, q.headAddr())
	tailPtr := rawUint64(buf, q.tailAddr())

	head := atomic.LoadUint64(headPtr)
	tail := atomic.LoadUint64(tailPtr)
	if head >= tail {
		return 0, NullToken, false
	}
	idx := head % q.capacity
	slotPtr := rawUint64(buf, q.slotsOff+idx*slotWireSize)
	entry := atomic.LoadUint64(slotPtr)
	if entry&markBit == 0 {
		return 0, NullToken, false
	}
	val = pointer.OffsetPointer(entry &^ markBit)
	atomic.StoreUint64(slotPtr, 0)
	atomic.AddUint64(headPtr, 1)
	return val, Token(head), true
}

// Stalled reports whether the queue currently has a reserved-but-unwritten
// slot at its head: tail has advanced past head, but the head slot is not
// yet marked. This answers Open Question (b) from the original design
// notes — what a consumer can observe about a producer that died between
// reserving its slot and writing into it — as a diagnostic query rather
// than a documented recovery policy, since no policy for that case is
// specified.
func (q PointerQueue) Stalled() bool {
	buf := q.Alloc.Backend().Bytes()
	head := atomic.LoadUint64(rawUint64(buf, q.headAddr()))
	tail := atomic.LoadUint64(rawUint64(buf, q.tailAddr()))
	if head >= tail {
		return false
	}
	entry := atomic.LoadUint64(rawUint64(buf, q.slotsOff+(head%q.capacity)*slotWireSize))
	return entry&markBit == 0
}

// Len returns the number of entries reserved (written or not) between head
// and tail; it is an upper bound on the number of poppable entries.
func (q PointerQueue) Len() uint64 {
	buf := q.Alloc.Backend().Bytes()
	head := atomic.LoadUint64(rawUint64(buf, q.headAddr()))
	tail := atomic.LoadUint64(rawUint64(buf, q.tailAddr()))
	if tail <= head {
		return 0
	}
	return tail - head
}
