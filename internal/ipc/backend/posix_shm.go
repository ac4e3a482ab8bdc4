//go:build unix

package backend

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// shmDirOnce resolves shmDir lazily so a single stat call (not one per
// create/attach) decides the fallback for the process's lifetime.
var shmDirOnce sync.Once
var resolvedShmDir string

// shmDir is where POSIX shared memory objects are backed. On Linux,
// /dev/shm is conventionally a tmpfs mount and shm_open(3) itself is
// implemented this way in glibc, so opening the path directly gets the
// same semantics without cgo. Where /dev/shm is absent (containers or
// platforms without it mounted), this falls back to os.TempDir(): the
// objects are no longer guaranteed to live entirely in RAM, but the
// create/attach/destroy contract is unaffected since both ends resolve
// the same directory.
func shmDir() string {
	shmDirOnce.Do(func() {
		if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
			resolvedShmDir = "/dev/shm/"
			return
		}
		resolvedShmDir = os.TempDir() + string(os.PathSeparator)
	})
	return resolvedShmDir
}

// PosixShmBackend is a named POSIX shared-memory object mapped with mmap.
// Its backing storage survives the creating process's exit (until
// Destroy unlinks it), which is what lets a second, unrelated process
// attach the same URL and see the same bytes at its own, independently
// chosen base address.
type PosixShmBackend struct {
	url  string
	path string
	fd   int
	size uint64
	base unsafe.Pointer
	data []byte
}

// CreatePosixShmBackend creates and maps a new named backend of size bytes
// (including the header), failing if one already exists at url.
func CreatePosixShmBackend(url string, size uint64) (*PosixShmBackend, error) {
	if size < HeaderSize {
		return nil, shmerrors.New(shmerrors.CategoryValidation, "INVALID_SIZE",
			"posix shm backend size must be at least HeaderSize", map[string]any{"size": size})
	}
	path := shmDir() + url
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0600)
	if err != nil {
		if err == unix.EEXIST {
			return nil, shmerrors.BackendExists(url)
		}
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	b, err := finishOpen(url, path, fd, size, true)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AttachPosixShmBackend maps an existing named backend, verifying its
// header before returning.
func AttachPosixShmBackend(url string) (*PosixShmBackend, error) {
	path := shmDir() + url
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, shmerrors.BackendNotFound(url)
		}
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("backend: fstat %s: %w", path, err)
	}
	size := uint64(st.Size)
	b, err := finishOpen(url, path, fd, size, false)
	if err != nil {
		return nil, err
	}
	hdr, err := HeaderAt(b)
	if err != nil {
		_ = b.Detach()
		return nil, err
	}
	if hdr.Magic != HeaderMagic {
		_ = b.Detach()
		return nil, shmerrors.New(shmerrors.CategoryResource, "BACKEND_CORRUPT",
			fmt.Sprintf("backend %q has bad magic 0x%x", url, hdr.Magic), nil)
	}
	if hdr.Kind != KindPosixShm {
		_ = b.Detach()
		return nil, shmerrors.BackendKindMismatch(url, uint32(KindPosixShm), uint32(hdr.Kind))
	}
	return b, nil
}

func finishOpen(url, path string, fd int, size uint64, create bool) (*PosixShmBackend, error) {
	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("backend: ftruncate %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("backend: mmap %s: %w", path, err)
	}
	b := &PosixShmBackend{
		url:  url,
		path: path,
		fd:   fd,
		size: size,
		data: data,
	}
	if len(data) > 0 {
		b.base = unsafe.Pointer(&data[0])
	}
	if create {
		hdr := Header{Magic: HeaderMagic, Kind: KindPosixShm, Size: size}
		raw, _ := hdr.MarshalBinary()
		copy(b.data, raw)
	}
	return b, nil
}

func (b *PosixShmBackend) URL() string           { return b.url }
func (b *PosixShmBackend) Kind() Kind            { return KindPosixShm }
func (b *PosixShmBackend) Size() uint64          { return b.size }
func (b *PosixShmBackend) Bytes() []byte         { return b.data }
func (b *PosixShmBackend) Base() unsafe.Pointer  { return b.base }

// Detach unmaps the window and closes this process's file descriptor
// without unlinking the backing object; other attachers are unaffected.
func (b *PosixShmBackend) Detach() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return fmt.Errorf("backend: munmap %s: %w", b.path, err)
		}
		b.data = nil
		b.base = nil
	}
	if b.fd >= 0 {
		err := unix.Close(b.fd)
		b.fd = -1
		if err != nil {
			return fmt.Errorf("backend: close %s: %w", b.path, err)
		}
	}
	return nil
}

// Destroy detaches and unlinks the shared memory object so no further
// process can attach to it.
func (b *PosixShmBackend) Destroy() error {
	path := b.path
	if err := b.Detach(); err != nil {
		return err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("backend: unlink %s: %w", path, err)
	}
	return nil
}
