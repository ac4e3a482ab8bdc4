package backend

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"github.com/lukemartinlogan/hermes-shm/internal/concurrency"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// FormatVersion is the backend header format this build writes and
// expects. It travels only in the registry's in-process compatibility
// check (see Registry.Attach), not on the wire, since spec.md's external
// interface fixes the header to exactly magic/kind/size/reserved with no
// version field of its own.
const FormatVersion = "1.0.0"

// FormatConstraint is the range of backend-writer versions this build can
// safely attach to. Bumped only on a breaking header-layout change.
var FormatConstraint = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// checksum derives a content checksum for a header's fixed fields and
// stashes it in the wire-visible Reserved slot, so a corrupted or
// foreign-written header is caught on attach without growing the header
// past the four fields External Interfaces names.
func checksum(magic, kind uint32, size uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], kind)
	binary.LittleEndian.PutUint64(buf[8:16], size)
	sum := blake2b.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// Registry is the process-wide index of attached backends, keyed by URL.
// It is a singleton reached through the Memory Manager (component C7);
// Registry itself stays usable standalone for tests that don't need the
// full manager.
type Registry struct {
	backends *concurrency.LockFreeMap[string, Backend]
	watcher  *fsnotify.Watcher
	watchMu  sync.Mutex
	log      *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		backends: concurrency.NewStringLockFreeMap[Backend](64),
		log:      log,
	}
}

// Create builds a new backend of the given kind and registers it. It fails
// with BackendExists if url is already registered in this process.
func (r *Registry) Create(url string, kind Kind, size uint64) (Backend, error) {
	if _, ok := r.backends.Load(url); ok {
		return nil, shmerrors.BackendExists(url)
	}
	var b Backend
	var err error
	switch kind {
	case KindAnonymous:
		b, err = NewAnonymousBackend(url, size)
	case KindPosixShm:
		b, err = CreatePosixShmBackend(url, size)
	default:
		return nil, shmerrors.New(shmerrors.CategoryValidation, "INVALID_KIND",
			fmt.Sprintf("unknown backend kind %d", kind), nil)
	}
	if err != nil {
		return nil, err
	}
	r.stampChecksum(b)
	if _, existed := r.backends.LoadOrStore(url, b); existed {
		_ = b.Destroy()
		return nil, shmerrors.BackendExists(url)
	}
	r.log.Info("backend created", "url", url, "kind", kind.String(), "size", size)
	return b, nil
}

// Attach registers an existing backend in this process, opening it from
// storage if it is not already tracked locally (idempotent: a second
// Attach for a URL already known to this process's registry returns the
// same Backend).
func (r *Registry) Attach(url string, kind Kind) (Backend, error) {
	if b, ok := r.backends.Load(url); ok {
		return b, nil
	}
	var b Backend
	var err error
	switch kind {
	case KindPosixShm:
		b, err = AttachPosixShmBackend(url)
	case KindAnonymous:
		return nil, shmerrors.New(shmerrors.CategoryLifecycle, "NOT_ATTACHABLE",
			"anonymous backends cannot be attached from a fresh registry, only created", nil)
	default:
		return nil, shmerrors.New(shmerrors.CategoryValidation, "INVALID_KIND",
			fmt.Sprintf("unknown backend kind %d", kind), nil)
	}
	if err != nil {
		return nil, err
	}
	hdr, err := HeaderAt(b)
	if err != nil {
		_ = b.Detach()
		return nil, err
	}
	if err := r.verifyChecksum(hdr); err != nil {
		_ = b.Detach()
		return nil, err
	}
	if ok, err := FormatConstraint.Validate(semver.MustParse(FormatVersion)); !ok {
		_ = b.Detach()
		return nil, fmt.Errorf("backend: this build's format version %s is incompatible: %v", FormatVersion, err)
	}
	if existing, loaded := r.backends.LoadOrStore(url, b); loaded {
		_ = b.Detach()
		return existing, nil
	}
	r.log.Info("backend attached", "url", url, "kind", kind.String())
	return b, nil
}

// Get returns a previously created/attached backend by URL.
func (r *Registry) Get(url string) (Backend, error) {
	b, ok := r.backends.Load(url)
	if !ok {
		return nil, shmerrors.BackendNotFound(url)
	}
	return b, nil
}

// Unregister detaches a backend from this process's registry without
// destroying its backing storage. Idempotent teardown per spec.md §4.7:
// unregistering a url already absent from this process's registry is a
// successful no-op, the same precedent Attach already sets for a second
// attach of an already-tracked url.
func (r *Registry) Unregister(url string) error {
	b, ok := r.backends.Load(url)
	if !ok {
		return nil
	}
	r.backends.Delete(url)
	return b.Detach()
}

func (r *Registry) stampChecksum(b Backend) {
	hdr, err := HeaderAt(b)
	if err != nil {
		return
	}
	hdr.Reserved = checksum(hdr.Magic, uint32(hdr.Kind), hdr.Size)
	raw, _ := hdr.MarshalBinary()
	copy(b.Bytes(), raw)
}

func (r *Registry) verifyChecksum(hdr Header) error {
	want := checksum(hdr.Magic, uint32(hdr.Kind), hdr.Size)
	if hdr.Reserved != want {
		return shmerrors.New(shmerrors.CategoryResource, "BACKEND_CHECKSUM_MISMATCH",
			"backend header checksum does not match its magic/kind/size fields", map[string]any{
				"want": want, "got": hdr.Reserved,
			})
	}
	return nil
}

// Watch arranges for the registry to log (advisory only — nothing in this
// module treats loss of the backing file as an automatic detach) when a
// POSIX shm backend's backing file disappears out from under it, e.g. an
// operator manually unlinking /dev/shm/<url>. This is purely a diagnostic
// aid; callers that need a hard guarantee should check Get's liveness
// themselves via a failing access.
func (r *Registry) Watch(path string) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("backend: create watcher: %w", err)
		}
		r.watcher = w
		go r.watchLoop()
	}
	return r.watcher.Add(path)
}

func (r *Registry) watchLoop() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				r.log.Warn("backend file removed out from under registry", "path", ev.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("backend watcher error", "error", err)
		}
	}
}

// Close releases the registry's watcher, if any. It does not detach or
// destroy any tracked backend.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
