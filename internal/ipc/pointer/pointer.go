// Package pointer implements the process-independent pointer model: an
// AllocatorID identifying a registered allocator, an OffsetPointer giving a
// byte offset within that allocator's slot of a backend, and a Pointer
// pairing the two so that a handle travels meaningfully across processes
// that have each attached the same backend at a different base address.
package pointer

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// NullOffset is the sentinel offset value representing "no allocation".
const NullOffset = ^uint64(0)

// AllocatorID identifies an allocator within a process group. Major is
// typically a process or node identifier; Minor is a process-local id
// assigned by the Memory Manager when the allocator is created.
type AllocatorID struct {
	Major uint32
	Minor uint32
}

// NullAllocatorID is the zero-valued, invalid allocator id.
var NullAllocatorID = AllocatorID{}

// IsNull reports whether this is the null allocator id.
func (a AllocatorID) IsNull() bool {
	return a.Major == 0 && a.Minor == 0
}

// ToIndex computes a dense index suitable for small array lookups. It is not
// a hash: two distinct ids can collide, so callers using it as a cache key
// must also validate equality.
func (a AllocatorID) ToIndex() uint32 {
	return a.Major*4 + a.Minor
}

// String renders the id in "major.minor" form.
func (a AllocatorID) String() string {
	return fmt.Sprintf("%d.%d", a.Major, a.Minor)
}

// Uint64 packs the id into a single uint64 (major in the high bits), the
// form used as a map key by the memory manager's allocator index.
func (a AllocatorID) Uint64() uint64 {
	return uint64(a.Major)<<32 | uint64(a.Minor)
}

// AllocatorIDFromUint64 is the inverse of AllocatorID.Uint64.
func AllocatorIDFromUint64(v uint64) AllocatorID {
	return AllocatorID{Major: uint32(v >> 32), Minor: uint32(v)}
}

// OffsetPointer is a byte offset within an allocator's memory slot. The
// allocator that it is relative to is not recorded here; callers are
// expected to know it from context (usually because they hold the
// allocator already, or it travels alongside a Pointer).
type OffsetPointer uint64

// NullOffsetPointer is the null OffsetPointer value.
const NullOffsetPointer = OffsetPointer(NullOffset)

// IsNull reports whether p is the null offset.
func (p OffsetPointer) IsNull() bool {
	return uint64(p) == NullOffset
}

// Add returns p shifted forward by n bytes.
func (p OffsetPointer) Add(n uint64) OffsetPointer {
	return OffsetPointer(uint64(p) + n)
}

// Sub returns p shifted backward by n bytes.
func (p OffsetPointer) Sub(n uint64) OffsetPointer {
	return OffsetPointer(uint64(p) - n)
}

// String renders the offset, or "nil" if null.
func (p OffsetPointer) String() string {
	if p.IsNull() {
		return "nil"
	}
	return fmt.Sprintf("+%d", uint64(p))
}

// AtomicOffsetPointer is the atomically-accessed counterpart of
// OffsetPointer, used for in-region fields that are raced on (e.g. free
// list heads, queue head/tail).
type AtomicOffsetPointer struct {
	off atomic.Uint64
}

// NewAtomicOffsetPointer constructs an AtomicOffsetPointer initialized to v.
func NewAtomicOffsetPointer(v OffsetPointer) *AtomicOffsetPointer {
	p := &AtomicOffsetPointer{}
	p.off.Store(uint64(v))
	return p
}

// Load returns the current value.
func (p *AtomicOffsetPointer) Load() OffsetPointer {
	return OffsetPointer(p.off.Load())
}

// Store sets the value unconditionally.
func (p *AtomicOffsetPointer) Store(v OffsetPointer) {
	p.off.Store(uint64(v))
}

// Exchange sets the value and returns the previous one.
func (p *AtomicOffsetPointer) Exchange(v OffsetPointer) OffsetPointer {
	return OffsetPointer(p.off.Swap(uint64(v)))
}

// CompareAndSwap performs the usual CAS and reports whether it took effect.
func (p *AtomicOffsetPointer) CompareAndSwap(old, new OffsetPointer) bool {
	return p.off.CompareAndSwap(uint64(old), uint64(new))
}

// SetNull atomically sets the value to NullOffsetPointer.
func (p *AtomicOffsetPointer) SetNull() {
	p.off.Store(NullOffset)
}

// IsNull reports whether the current value is null.
func (p *AtomicOffsetPointer) IsNull() bool {
	return p.off.Load() == NullOffset
}

// Pointer is a process-independent handle: the allocator it came from, plus
// the offset within that allocator's slot. Unlike a Go pointer or
// unsafe.Pointer, a Pointer is meaningful in any process that has attached
// the same backend and resolved the same allocator id, even though the
// backend's base address differs per process.
type Pointer struct {
	AllocatorID AllocatorID
	Off         OffsetPointer
}

// NullPointer is the null Pointer value.
var NullPointer = Pointer{}

// IsNull reports whether p refers to no allocation.
func (p Pointer) IsNull() bool {
	return p.AllocatorID.IsNull()
}

// ToOffsetPointer drops the allocator id, keeping only the offset.
func (p Pointer) ToOffsetPointer() OffsetPointer {
	return p.Off
}

// Add returns p with its offset shifted forward by n bytes.
func (p Pointer) Add(n uint64) Pointer {
	return Pointer{AllocatorID: p.AllocatorID, Off: p.Off.Add(n)}
}

// Sub returns p with its offset shifted backward by n bytes.
func (p Pointer) Sub(n uint64) Pointer {
	return Pointer{AllocatorID: p.AllocatorID, Off: p.Off.Sub(n)}
}

// String renders the pointer as "allocatorID.offset".
func (p Pointer) String() string {
	return fmt.Sprintf("%s.%s", p.AllocatorID, p.Off)
}

// WireSize is the number of bytes a Pointer occupies on the wire: two
// uint32s for the allocator id plus a uint64 offset, host-native endian per
// the external interface contract.
const WireSize = 16

// OffsetWireSize is the wire size of a bare OffsetPointer.
const OffsetWireSize = 8

// MarshalBinary encodes p in host-native byte order (spec external
// interfaces are single-host only; there is no cross-endian requirement).
func (p Pointer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireSize)
	nativeOrder.PutUint32(buf[0:4], p.AllocatorID.Major)
	nativeOrder.PutUint32(buf[4:8], p.AllocatorID.Minor)
	nativeOrder.PutUint64(buf[8:16], uint64(p.Off))
	return buf, nil
}

// UnmarshalBinary decodes a Pointer previously produced by MarshalBinary.
func (p *Pointer) UnmarshalBinary(buf []byte) error {
	if len(buf) < WireSize {
		return fmt.Errorf("pointer: short buffer: need %d bytes, got %d", WireSize, len(buf))
	}
	p.AllocatorID.Major = nativeOrder.Uint32(buf[0:4])
	p.AllocatorID.Minor = nativeOrder.Uint32(buf[4:8])
	p.Off = OffsetPointer(nativeOrder.Uint64(buf[8:16]))
	return nil
}

// MarshalBinary encodes an OffsetPointer in host-native byte order.
func (p OffsetPointer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, OffsetWireSize)
	nativeOrder.PutUint64(buf, uint64(p))
	return buf, nil
}

// UnmarshalBinary decodes an OffsetPointer previously produced by
// MarshalBinary.
func (p *OffsetPointer) UnmarshalBinary(buf []byte) error {
	if len(buf) < OffsetWireSize {
		return fmt.Errorf("offsetpointer: short buffer: need %d bytes, got %d", OffsetWireSize, len(buf))
	}
	*p = OffsetPointer(nativeOrder.Uint64(buf))
	return nil
}

// nativeOrder is resolved once at init time from the running architecture;
// see endian.go.
var nativeOrder binary.ByteOrder

// AtomicPointer is the atomically-accessed counterpart of Pointer. The
// allocator id is written once at construction and never raced on in
// practice (a Pointer's allocator never changes after creation), so only
// the offset half needs atomic storage.
type AtomicPointer struct {
	allocatorID AllocatorID
	off         AtomicOffsetPointer
}

// NewAtomicPointer constructs an AtomicPointer initialized to v.
func NewAtomicPointer(v Pointer) *AtomicPointer {
	p := &AtomicPointer{allocatorID: v.AllocatorID}
	p.off.Store(v.Off)
	return p
}

// Load returns the current value.
func (p *AtomicPointer) Load() Pointer {
	return Pointer{AllocatorID: p.allocatorID, Off: p.off.Load()}
}

// Store sets the offset half unconditionally; the allocator id is fixed at
// construction.
func (p *AtomicPointer) Store(v Pointer) {
	p.off.Store(v.Off)
}

// CompareAndSwap performs a CAS on the offset half only.
func (p *AtomicPointer) CompareAndSwap(old, new Pointer) bool {
	return p.off.CompareAndSwap(old.Off, new.Off)
}

// SetNull sets the pointer to NullPointer.
func (p *AtomicPointer) SetNull() {
	p.allocatorID = NullAllocatorID
	p.off.SetNull()
}

// IsNull reports whether the current value is null.
func (p *AtomicPointer) IsNull() bool {
	return p.allocatorID.IsNull()
}

// Typed is a type-tagging alias over Pointer, mirroring the original
// TypedPointer<T> template: it carries no extra runtime state, only a
// compile-time reminder of the pointee type for call sites that otherwise
// juggle many untyped Pointer values.
type Typed[T any] struct {
	Pointer
}

// TypedOf wraps a Pointer with a type tag.
func TypedOf[T any](p Pointer) Typed[T] {
	return Typed[T]{Pointer: p}
}

// TypedOffset is the offset-only counterpart of Typed.
type TypedOffset[T any] struct {
	OffsetPointer
}

// TypedOffsetOf wraps an OffsetPointer with a type tag.
func TypedOffsetOf[T any](p OffsetPointer) TypedOffset[T] {
	return TypedOffset[T]{OffsetPointer: p}
}
