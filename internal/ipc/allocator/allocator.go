// Package allocator implements the Allocator interface (component C4) and
// its two concrete strategies: a bump/stack allocator (C5) for
// construct-once, never-free regions, and a size-classed scalable page
// allocator (C6) for general-purpose alloc/free/realloc workloads. Both
// return offsets into a backend's byte window rather than Go pointers,
// which is what lets the same allocation be meaningful from any process
// that has attached the backend.
package allocator

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// Kind identifies which concrete Allocator implementation an
// AllocatorHeader describes.
type Kind uint32

const (
	KindStack Kind = iota + 1
	KindScalablePage
)

func (k Kind) String() string {
	switch k {
	case KindStack:
		return "stack"
	case KindScalablePage:
		return "scalable_page"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// versionFieldSize is the fixed on-wire width of Header.Version: a
// NUL-padded ASCII semver string, e.g. "1.0.0".
const versionFieldSize = 16

// HeaderSize is the fixed, host-native-endian encoding of AllocatorHeader:
// kind (u32), id (u64, the packed AllocatorID), custom_header_offset (u64),
// custom_header_size (u64), exactly as External Interfaces names it, plus
// (SPEC_FULL.md §15's supplement, grounded on
// original_source/memory/allocator/allocator.h's AllocatorHeader) a
// NUL-padded version string and a blake2b-256-derived checksum so a
// resolving process can detect a header written by an incompatible or
// corrupted build before trusting any of the other fields.
const HeaderSize = 4 + 8 + 8 + 8 + versionFieldSize + 8

// FormatVersion is the allocator header format this build writes and
// expects.
const FormatVersion = "1.0.0"

// FormatConstraint is the range of header-writer versions this build can
// safely resolve. Bumped only on a breaking header-layout change.
var FormatConstraint = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Header is the allocator metadata record written at a fixed offset inside
// the owning backend's byte window, immediately after the backend Header.
type Header struct {
	Kind               Kind
	ID                 pointer.AllocatorID
	CustomHeaderOffset uint64
	CustomHeaderSize   uint64
	Version            string
	Checksum           uint64
}

// checksum derives a content checksum over every field but itself, the
// same blake2b-then-truncate idea backend.Header's registry uses, so a
// foreign-written or corrupted allocator header is caught on resolve
// while the header keeps a fixed size (HeaderSize).
func checksum(kind uint32, id uint64, customOff, customSize uint64, version string) uint64 {
	buf := make([]byte, 4+8+8+8+versionFieldSize)
	binary.LittleEndian.PutUint32(buf[0:4], kind)
	binary.LittleEndian.PutUint64(buf[4:12], id)
	binary.LittleEndian.PutUint64(buf[12:20], customOff)
	binary.LittleEndian.PutUint64(buf[20:28], customSize)
	copy(buf[28:28+versionFieldSize], version)
	sum := blake2b.Sum256(buf)
	return binary.LittleEndian.Uint64(sum[:8])
}

// stamp fills in Version and Checksum for a header this process is about
// to write, called by both allocator constructors just before marshaling.
func (h *Header) stamp() {
	h.Version = FormatVersion
	h.Checksum = checksum(uint32(h.Kind), h.ID.Uint64(), h.CustomHeaderOffset, h.CustomHeaderSize, h.Version)
}

// Validate checks an unmarshaled header's version against this build's
// supported range and its checksum against its other fields, returning
// shmerrors.AllocatorHeaderInvalid describing whichever check failed
// first.
func (h Header) Validate() error {
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return shmerrors.AllocatorHeaderInvalid(fmt.Sprintf("unparseable version %q: %v", h.Version, err))
	}
	if ok, errs := FormatConstraint.Validate(v); !ok {
		return shmerrors.AllocatorHeaderInvalid(fmt.Sprintf("version %s is incompatible with this build's supported range: %v", h.Version, errs))
	}
	want := checksum(uint32(h.Kind), h.ID.Uint64(), h.CustomHeaderOffset, h.CustomHeaderSize, h.Version)
	if want != h.Checksum {
		return shmerrors.AllocatorHeaderInvalid(fmt.Sprintf("checksum mismatch: want %x, got %x", want, h.Checksum))
	}
	return nil
}

// MarshalBinary encodes the header in host-native byte order.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	order.PutUint32(buf[0:4], uint32(h.Kind))
	order.PutUint64(buf[4:12], h.ID.Uint64())
	order.PutUint64(buf[12:20], h.CustomHeaderOffset)
	order.PutUint64(buf[20:28], h.CustomHeaderSize)
	copy(buf[28:28+versionFieldSize], h.Version)
	order.PutUint64(buf[28+versionFieldSize:28+versionFieldSize+8], h.Checksum)
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("allocator: short header buffer: need %d, got %d", HeaderSize, len(buf))
	}
	h.Kind = Kind(order.Uint32(buf[0:4]))
	h.ID = pointer.AllocatorIDFromUint64(order.Uint64(buf[4:12]))
	h.CustomHeaderOffset = order.Uint64(buf[12:20])
	h.CustomHeaderSize = order.Uint64(buf[20:28])
	h.Version = strings.TrimRight(string(buf[28:28+versionFieldSize]), "\x00")
	h.Checksum = order.Uint64(buf[28+versionFieldSize : 28+versionFieldSize+8])
	return nil
}

// Stats mirrors what a caller needs to observe an allocator's health: how
// much has been handed out and reclaimed, how many allocations are live,
// and the high-water mark, generalized from the teacher's AllocatorStats
// (internal/allocator/allocator.go) to offset-based accounting.
type Stats struct {
	TotalAllocated    uint64
	TotalFreed        uint64
	ActiveAllocations int64
	PeakAllocations   int64
	AllocationCount   uint64
	FreeCount         uint64
	BytesInUse        uint64
	RegionSize        uint64
}

// String renders stats using x/text's message formatter so large byte
// counts print with locale-aware grouping, matching how an operator-facing
// allocator dashboard would want them rendered rather than a raw integer.
func (s Stats) String() string {
	return fmt.Sprintf(
		"allocator stats: used=%s/%s bytes, active=%d (peak=%d), allocs=%d frees=%d",
		formatBytes(s.BytesInUse), formatBytes(s.RegionSize),
		s.ActiveAllocations, s.PeakAllocations, s.AllocationCount, s.FreeCount)
}

// Allocator is the interface both the Stack and ScalablePage allocators
// implement, matching the shape of hermes_shm's Allocator base class
// (Allocate/Free/Reallocate templated over a pointer type) but expressed
// with Go's explicit error returns instead of C++ exceptions.
type Allocator interface {
	// ID returns this allocator's identity within the Memory Manager.
	ID() pointer.AllocatorID
	// Allocate reserves size bytes and returns an offset pointer to them.
	Allocate(size uint64) (pointer.OffsetPointer, error)
	// AllocateAligned is like Allocate but guarantees the returned offset
	// (relative to the backend's base) satisfies the given alignment.
	AllocateAligned(size, alignment uint64) (pointer.OffsetPointer, error)
	// Reallocate resizes an existing allocation, possibly moving it; p
	// must be a live offset obtained from this allocator, or null (in
	// which case Reallocate behaves as Allocate).
	Reallocate(p pointer.OffsetPointer, newSize uint64) (pointer.OffsetPointer, error)
	// Free releases a live allocation. Freeing a null pointer is a misuse
	// error (shmerrors.Fatal) for every implementation; ScalablePageAllocator
	// also returns one for an offset it never handed out or one already
	// freed, while StackAllocator checks only for null.
	Free(p pointer.OffsetPointer) error
	// CustomHeader returns the offset and size of the allocator's
	// caller-reserved header region, established at construction time.
	CustomHeader() (pointer.OffsetPointer, uint64)
	// Stats reports current allocation bookkeeping.
	Stats() Stats
	// Backend returns the backend this allocator carves allocations from.
	Backend() backend.Backend
}

// isPowerOfTwo reports whether n is a power of two; alignment arguments to
// AllocateAligned must satisfy this per spec.md §4.4.
func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Resolve dereferences an offset pointer against this allocator's backend,
// returning the process-local address of the first byte. Bounds are
// checked against the backend's mapped size.
func Resolve(a Allocator, p pointer.OffsetPointer, size uint64) ([]byte, error) {
	if p.IsNull() {
		return nil, shmerrors.New(shmerrors.CategoryMisuse, "NULL_DEREFERENCE",
			"cannot resolve a null offset pointer", nil)
	}
	buf := a.Backend().Bytes()
	off := uint64(p)
	if off+size > uint64(len(buf)) {
		return nil, shmerrors.New(shmerrors.CategoryResource, "OUT_OF_BOUNDS",
			"offset+size exceeds backend window", map[string]any{
				"offset": off, "size": size, "window": len(buf),
			})
	}
	return buf[off : off+size], nil
}
