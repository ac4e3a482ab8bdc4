// Package backend implements the Memory Backend (component C2) and the
// process-wide Backend Registry (component C3). A Backend owns one
// contiguous byte window, mapped at a process-local base address, that one
// or more allocators carve into allocations. Attaching the same named
// backend from a different process yields a different base address but the
// same logical content — every offset computed against one attacher's base
// resolves to the same bytes in another's.
package backend

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// Kind identifies which concrete Backend implementation a header describes.
type Kind uint32

const (
	// KindPosixShm is a POSIX shared-memory object opened by name
	// (shm_open) and mmap'd, surviving the creating process's exit until
	// explicitly unlinked.
	KindPosixShm Kind = iota + 1
	// KindAnonymous is a private byte window backed by a Go slice, visible
	// only within the creating process; used for single-process testing
	// and for allocators that do not need cross-process sharing.
	KindAnonymous
)

func (k Kind) String() string {
	switch k {
	case KindPosixShm:
		return "posix_shm"
	case KindAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

// HeaderMagic marks the start of every backend's byte window so an
// attacher can sanity-check it mapped something this module wrote.
const HeaderMagic uint32 = 0x48534d42 // "HSMB"

// HeaderSize is the fixed, host-native-endian encoding of Header: magic
// (u32), kind (u32), size (u64), reserved (u64), exactly as External
// Interfaces names it.
const HeaderSize = 4 + 4 + 8 + 8

// Header is the first HeaderSize bytes of every backend's byte window.
type Header struct {
	Magic    uint32
	Kind     Kind
	Size     uint64
	Reserved uint64
}

// MarshalBinary encodes the header in host-native byte order.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	order.PutUint32(buf[0:4], h.Magic)
	order.PutUint32(buf[4:8], uint32(h.Kind))
	order.PutUint64(buf[8:16], h.Size)
	order.PutUint64(buf[16:24], h.Reserved)
	return buf, nil
}

// UnmarshalBinary decodes a header from its byte window.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("backend: short header buffer: need %d, got %d", HeaderSize, len(buf))
	}
	h.Magic = order.Uint32(buf[0:4])
	h.Kind = Kind(order.Uint32(buf[4:8]))
	h.Size = order.Uint64(buf[8:16])
	h.Reserved = order.Uint64(buf[16:24])
	return nil
}

var order binary.ByteOrder

func init() {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		order = binary.LittleEndian
	} else {
		order = binary.BigEndian
	}
}

// Backend is the interface every concrete memory backend implements. It
// owns a byte window of a fixed size, addressable both by offset (for
// process-independent pointers) and by a process-local base address (for
// dereferencing on the attaching side).
type Backend interface {
	// URL is the identifier this backend was created or attached with.
	URL() string
	// Kind reports which concrete implementation this is.
	Kind() Kind
	// Size is the total byte window size, including the reserved header.
	Size() uint64
	// Base returns the process-local base address of the mapped window.
	// It is only valid for the lifetime of this attachment and is never
	// meaningful in another process.
	Base() unsafe.Pointer
	// Bytes exposes the mapped window as a byte slice for bounds-checked
	// access; offset 0 of this slice is Header.
	Bytes() []byte
	// Detach unmaps the backend from this process without destroying its
	// backing storage (other attachers are unaffected).
	Detach() error
	// Destroy detaches and additionally removes the backing storage
	// (unlinks the shm name); only meaningful for backends that have
	// durable backing storage outside process memory.
	Destroy() error
}

// HeaderAt reads the backend's own header out of its byte window.
func HeaderAt(b Backend) (Header, error) {
	var h Header
	buf := b.Bytes()
	if uint64(len(buf)) < HeaderSize {
		return h, shmerrors.New(shmerrors.CategoryResource, "BACKEND_TOO_SMALL",
			"backend window smaller than the header", map[string]any{"size": len(buf)})
	}
	err := h.UnmarshalBinary(buf)
	return h, err
}
