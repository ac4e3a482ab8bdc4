// Package container implements the Container Base Protocol (component
// C8): the header/body split and serialize/deserialize contract every
// in-region container (the MPSC queue, and the FixedList exemplar here)
// is built on top of. Grounded on original_source's
// data_structures/internal/template/shm_container_base_template.h (the
// shm_init_header/shm_serialize/shm_deserialize trio) and on
// example/list.cc's usage pattern: a process constructs a container,
// stores its Pointer in a custom header, and any attacher deserializes the
// same Pointer back into a usable local handle.
//
// Unlike the C++ original, a Go process cannot simply reinterpret_cast a
// byte window as a live struct and mutate it in place (doing so safely
// would need unsafe.Pointer games with no GC-pointer fields, which buys
// nothing over an explicit codec here). Instead every Header is a small
// encoding.BinaryMarshaler/Unmarshaler, and Handle.Load/Store round-trip
// it through the backend's byte slice — matching how this module's other
// in-region records (backend.Header, allocator.Header) already work.
package container

import (
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
)

// Header is implemented by every in-region container header record. Size
// must be constant for a given type (headers are fixed-layout POD
// records); it must contain only primitives and OffsetPointer/Pointer
// fields, never a process-local pointer, since it travels between
// processes as raw bytes.
type Header interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
	Size() uint64
}

// Handle is the local (process-local) counterpart of an in-region
// container: an offset to its header plus the allocator it was built
// over, matching shm_container_base_template.h's header_/alloc_ pair.
type Handle[H Header] struct {
	HeaderPtr pointer.OffsetPointer
	Alloc     allocator.Allocator
}

// IsNull reports whether this handle refers to no container, either
// because it was never constructed or because its header offset is null.
func (h Handle[H]) IsNull() bool {
	return h.Alloc == nil || h.HeaderPtr.IsNull()
}

// Load reads the current header contents out of shared memory. Any other
// process's concurrent writes (made through Store, under whatever
// higher-level discipline the concrete container documents) are visible
// to the next Load.
func (h Handle[H]) Load() (H, error) {
	var hdr H
	buf, err := allocator.Resolve(h.Alloc, h.HeaderPtr, hdr.Size())
	if err != nil {
		return hdr, err
	}
	err = hdr.UnmarshalBinary(buf)
	return hdr, err
}

// Store writes hdr back into shared memory at this handle's header
// offset.
func (h Handle[H]) Store(hdr H) error {
	buf, err := allocator.Resolve(h.Alloc, h.HeaderPtr, hdr.Size())
	if err != nil {
		return err
	}
	raw, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	copy(buf, raw)
	return nil
}

// Serialize returns a process-independent Pointer to this container's
// header, suitable for storing in a custom header or another container's
// body so a different process can Deserialize it later. Mirrors
// shm_serialize's Convert<TYPED_HEADER, Pointer> call.
func (h Handle[H]) Serialize() pointer.Pointer {
	if h.IsNull() {
		return pointer.NullPointer
	}
	return pointer.Pointer{AllocatorID: h.Alloc.ID(), Off: h.HeaderPtr}
}

// Deserialize attaches a Handle to the container a Pointer previously
// produced by Serialize refers to, resolving the allocator id through the
// supplied lookup (typically manager.Manager.GetAllocator), mirroring
// shm_deserialize(ar) which resolves via HERMES_MEMORY_REGISTRY.
func Deserialize[H Header](p pointer.Pointer, lookup func(pointer.AllocatorID) (allocator.Allocator, error)) (Handle[H], error) {
	if p.IsNull() {
		return Handle[H]{}, nil
	}
	alloc, err := lookup(p.AllocatorID)
	if err != nil {
		return Handle[H]{}, err
	}
	return Handle[H]{HeaderPtr: p.Off, Alloc: alloc}, nil
}
