// Package manager implements the Memory Manager (component C7): the
// process-wide singleton that ties backends and allocators together so
// that application code never has to juggle raw backend/allocator
// construction order itself. Grounded on the teacher's global-allocator
// singleton (internal/allocator/allocator.go: GlobalAllocator + Initialize),
// generalized from "one global allocator" to "a registry of many named
// allocators over many named backends", which is what lets the worked
// example (a single process creating a backend+allocator, a second
// process attaching both) work the way original_source/example/list.cc
// does.
package manager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lukemartinlogan/hermes-shm/internal/concurrency"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// Manager is the singleton entry point for creating/attaching backends and
// allocators. It is safe for concurrent use.
type Manager struct {
	registry   *backend.Registry
	allocators *concurrency.LockFreeMap[uint64, allocator.Allocator]
	nextMinor  uint32
	mu         sync.Mutex // guards nextMinor only; registry/allocators are lock-free
	log        *slog.Logger
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

// Get returns the process-wide Manager singleton, constructing it on first
// use.
func Get() *Manager {
	instanceOnce.Do(func() {
		instance = New(nil)
	})
	return instance
}

// New constructs a standalone Manager. Most callers want the process-wide
// singleton via Get; New exists for tests that want isolation from other
// tests' allocator ids.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:   backend.NewRegistry(log),
		allocators: concurrency.NewUint64LockFreeMap[allocator.Allocator](64),
		log:        log,
	}
}

// CreateBackend creates and registers a new backend.
func (m *Manager) CreateBackend(url string, kind backend.Kind, size uint64) (backend.Backend, error) {
	return m.registry.Create(url, kind, size)
}

// AttachBackend attaches an existing backend by URL and kind.
func (m *Manager) AttachBackend(url string, kind backend.Kind) (backend.Backend, error) {
	return m.registry.Attach(url, kind)
}

// UnregisterBackend detaches url from this process without destroying its
// backing storage.
func (m *Manager) UnregisterBackend(url string) error {
	return m.registry.Unregister(url)
}

// AllocatorKindOf is the subset of allocator.Kind CreateAllocator accepts.
type AllocatorKindOf = allocator.Kind

// CreateAllocator creates a new allocator of the given kind over be,
// identified by id, reserving customHeaderSize bytes for caller-defined
// state immediately after the allocator's own header — mirroring
// CreateAllocator<StackAllocator>(shm_url, alloc_id, sizeof(CustomHeader))
// in the worked C++ example. If id is the zero value, a fresh minor id is
// assigned automatically (major stays 0, meaning "this process").
func (m *Manager) CreateAllocator(be backend.Backend, kind allocator.Kind, id pointer.AllocatorID, headerOffset, customHeaderSize uint64) (allocator.Allocator, error) {
	if id.IsNull() {
		id = m.allocateID()
	}
	if _, exists := m.allocators.Load(id.Uint64()); exists {
		return nil, shmerrors.AllocatorExists(id.String())
	}
	var a allocator.Allocator
	var err error
	switch kind {
	case allocator.KindStack:
		a, err = allocator.NewStackAllocator(id, be, headerOffset, customHeaderSize)
	case allocator.KindScalablePage:
		a, err = allocator.NewScalablePageAllocator(id, be, headerOffset, customHeaderSize)
	default:
		return nil, fmt.Errorf("manager: unknown allocator kind %v", kind)
	}
	if err != nil {
		return nil, err
	}
	if existing, loaded := m.allocators.LoadOrStore(id.Uint64(), a); loaded {
		return existing, shmerrors.AllocatorExists(id.String())
	}
	m.log.Info("allocator created", "id", id.String(), "kind", kind.String(), "backend", be.URL())
	return a, nil
}

// GetAllocator looks up a previously created or resolved allocator by id.
func (m *Manager) GetAllocator(id pointer.AllocatorID) (allocator.Allocator, error) {
	a, ok := m.allocators.Load(id.Uint64())
	if !ok {
		return nil, shmerrors.AllocatorUnknown(id.String())
	}
	return a, nil
}

// ResolveAllocator attaches be's allocator header at headerOffset and
// registers the resulting Allocator under id, the counterpart of
// CreateAllocator used by a process attaching a backend another process
// already populated (hermes_shm's mem_mngr->GetAllocator after
// AttachBackend).
func (m *Manager) ResolveAllocator(be backend.Backend, headerOffset uint64) (allocator.Allocator, error) {
	buf := be.Bytes()
	if headerOffset+allocator.HeaderSize > uint64(len(buf)) {
		return nil, shmerrors.New(shmerrors.CategoryResource, "OUT_OF_BOUNDS",
			"allocator header offset exceeds backend window", nil)
	}
	var hdr allocator.Header
	if err := hdr.UnmarshalBinary(buf[headerOffset:]); err != nil {
		return nil, err
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	if a, ok := m.allocators.Load(hdr.ID.Uint64()); ok {
		return a, nil
	}
	var a allocator.Allocator
	var err error
	switch hdr.Kind {
	case allocator.KindStack:
		a, err = allocator.NewStackAllocator(hdr.ID, be, headerOffset, hdr.CustomHeaderSize)
	case allocator.KindScalablePage:
		a, err = allocator.NewScalablePageAllocator(hdr.ID, be, headerOffset, hdr.CustomHeaderSize)
	default:
		return nil, shmerrors.AllocatorHeaderInvalid(fmt.Sprintf("unrecognized allocator kind %v", hdr.Kind))
	}
	if err != nil {
		return nil, err
	}
	if existing, loaded := m.allocators.LoadOrStore(hdr.ID.Uint64(), a); loaded {
		return existing, nil
	}
	return a, nil
}

// UnregisterAllocator removes an allocator from this process's index
// without touching its backing storage (the next ResolveAllocator call
// against the same backend+offset rebuilds it from the on-disk header).
// Idempotent teardown per spec.md §4.7: unregistering an id that is
// already gone from this process's index is a successful no-op, not a
// misuse error, matching Registry.Unregister's own idempotent-attach
// precedent.
func (m *Manager) UnregisterAllocator(id pointer.AllocatorID) error {
	m.allocators.Delete(id.Uint64())
	return nil
}

func (m *Manager) allocateID() pointer.AllocatorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMinor++
	return pointer.AllocatorID{Major: 0, Minor: m.nextMinor}
}
