package backend

import (
	"unsafe"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// AnonymousBackend is a private, process-local byte window backed by a Go
// slice. It satisfies the same Backend contract as PosixShmBackend (so
// allocators never need to special-case it) but cannot be attached from
// another process — useful for tests and for allocators whose caller has
// no cross-process requirement. Grounded on the teacher's arena allocator
// ([]byte-backed bump allocator in internal/allocator/arena.go), generalized
// here to implement the Backend interface rather than Allocator directly.
type AnonymousBackend struct {
	url  string
	buf  []byte
	live bool
}

// NewAnonymousBackend allocates a private byte window of size bytes
// (including the header) and writes the backend header into it.
func NewAnonymousBackend(url string, size uint64) (*AnonymousBackend, error) {
	if size < HeaderSize {
		return nil, shmerrors.New(shmerrors.CategoryValidation, "INVALID_SIZE",
			"anonymous backend size must be at least HeaderSize", map[string]any{"size": size})
	}
	b := &AnonymousBackend{url: url, buf: make([]byte, size), live: true}
	hdr := Header{Magic: HeaderMagic, Kind: KindAnonymous, Size: size}
	raw, _ := hdr.MarshalBinary()
	copy(b.buf, raw)
	return b, nil
}

func (b *AnonymousBackend) URL() string  { return b.url }
func (b *AnonymousBackend) Kind() Kind    { return KindAnonymous }
func (b *AnonymousBackend) Size() uint64  { return uint64(len(b.buf)) }
func (b *AnonymousBackend) Bytes() []byte { return b.buf }

// Base returns the process-local address of the backing slice's first
// byte. Since Go's garbage collector may move stacks but never moves heap
// allocations referenced via unsafe.Pointer derived from a live slice, this
// address is stable for the backend's lifetime.
func (b *AnonymousBackend) Base() unsafe.Pointer {
	if len(b.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.buf[0])
}

// Detach releases this process's reference to the window. Since an
// anonymous backend has no other attachers by construction, this is
// equivalent to Destroy.
func (b *AnonymousBackend) Detach() error {
	b.live = false
	b.buf = nil
	return nil
}

// Destroy is equivalent to Detach for an anonymous backend: there is no
// durable backing store to unlink.
func (b *AnonymousBackend) Destroy() error {
	return b.Detach()
}
