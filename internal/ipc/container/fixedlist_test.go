package container_test

import (
	"testing"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/container"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
)

// newAllocator builds a scratch backend+allocator pair for tests that do
// not need the Memory Manager singleton.
func newAllocator(t *testing.T, size uint64) allocator.Allocator {
	t.Helper()
	be, err := backend.NewAnonymousBackend(t.Name(), size)
	if err != nil {
		t.Fatalf("NewAnonymousBackend: %v", err)
	}
	t.Cleanup(func() { _ = be.Destroy() })
	a, err := allocator.NewStackAllocator(pointer.AllocatorID{Major: 0, Minor: 1}, be, 0, 16)
	if err != nil {
		t.Fatalf("NewStackAllocator: %v", err)
	}
	return a
}

func TestFixedListRoundTrip(t *testing.T) {
	a := newAllocator(t, 1<<20)

	l, err := container.Construct(a)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	for i := 0; i < 1024; i++ {
		if err := l.PushBack(10); err != nil {
			t.Fatalf("PushBack: %v", err)
		}
	}
	n, err := l.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1024 {
		t.Fatalf("expected length 1024, got %d", n)
	}
	vals, err := l.ToSlice()
	if err != nil {
		t.Fatalf("ToSlice: %v", err)
	}
	if len(vals) != 1024 {
		t.Fatalf("expected 1024 elements, got %d", len(vals))
	}
	for i, v := range vals {
		if v != 10 {
			t.Fatalf("element %d: expected 10, got %d", i, v)
		}
	}
}

// TestFixedListSerializeDeserialize exercises the scenario in spec.md §8
// scenario 1 within a single process: a list is built, its Pointer is
// stashed (as it would be in an allocator custom header), and a second
// handle deserializes the same Pointer and observes identical contents.
func TestFixedListSerializeDeserialize(t *testing.T) {
	a := newAllocator(t, 1<<20)

	l, err := container.Construct(a)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	for i := 0; i < 1024; i++ {
		if err := l.PushBack(10); err != nil {
			t.Fatalf("PushBack: %v", err)
		}
	}
	root := l.Serialize()
	if root.IsNull() {
		t.Fatal("expected a non-null serialized pointer")
	}

	lookup := func(id pointer.AllocatorID) (allocator.Allocator, error) {
		if id != a.ID() {
			t.Fatalf("unexpected allocator id lookup: %v", id)
		}
		return a, nil
	}
	attached, err := container.DeserializeFixedList(root, lookup)
	if err != nil {
		t.Fatalf("DeserializeFixedList: %v", err)
	}
	n, err := attached.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1024 {
		t.Fatalf("expected length 1024, got %d", n)
	}
	vals, err := attached.ToSlice()
	if err != nil {
		t.Fatalf("ToSlice: %v", err)
	}
	for i, v := range vals {
		if v != 10 {
			t.Fatalf("element %d: expected 10, got %d", i, v)
		}
	}
}

func TestFixedListDestroyConservesAllocation(t *testing.T) {
	a := newAllocator(t, 1<<20)

	l, err := container.Construct(a)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	for i := 0; i < 64; i++ {
		if err := l.PushBack(int64(i)); err != nil {
			t.Fatalf("PushBack: %v", err)
		}
	}
	before := a.Stats().ActiveAllocations
	if before == 0 {
		t.Fatal("expected outstanding allocations before Destroy")
	}
	if err := l.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	after := a.Stats().ActiveAllocations
	if after != 0 {
		t.Fatalf("expected 0 active allocations after Destroy, got %d", after)
	}
}

func TestFixedListDestroyNullHandleFails(t *testing.T) {
	a := newAllocator(t, 1<<20)
	l, err := container.Construct(a)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if err := l.PushBack(1); err != nil {
		t.Fatalf("PushBack: %v", err)
	}
	if err := l.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	zero := container.FixedList{}
	if !zero.IsNull() {
		t.Fatal("zero-value FixedList should report IsNull")
	}
	if err := zero.Destroy(); err == nil {
		t.Fatal("expected error destroying an already-null handle")
	}
}

func TestFixedListEmpty(t *testing.T) {
	a := newAllocator(t, 1<<16)
	l, err := container.Construct(a)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if l.IsNull() {
		t.Fatal("a freshly constructed list must not be null")
	}
	n, err := l.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty list, got length %d", n)
	}
	vals, err := l.ToSlice()
	if err != nil {
		t.Fatalf("ToSlice: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("expected no elements, got %d", len(vals))
	}
}
