package manager_test

import (
	"reflect"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
)

// MockAllocator is a hand-written gomock-style double for
// allocator.Allocator, shaped the way mockgen would generate one (an
// EXPECT() recorder alongside the mock), for tests that need an
// allocator.Allocator double instead of a full backend+allocator pair. In
// this package only TestMockAllocatorSatisfiesAllocatorInterface uses it.
type MockAllocator struct {
	ctrl     *gomock.Controller
	recorder *MockAllocatorMockRecorder
	id       pointer.AllocatorID
}

// MockAllocatorMockRecorder records expected calls on a MockAllocator.
type MockAllocatorMockRecorder struct {
	mock *MockAllocator
}

// NewMockAllocator constructs a MockAllocator with the given id.
func NewMockAllocator(ctrl *gomock.Controller, id pointer.AllocatorID) *MockAllocator {
	m := &MockAllocator{ctrl: ctrl, id: id}
	m.recorder = &MockAllocatorMockRecorder{mock: m}
	return m
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockAllocator) EXPECT() *MockAllocatorMockRecorder {
	return m.recorder
}

func (m *MockAllocator) ID() pointer.AllocatorID {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ID")
	ret0, _ := ret[0].(pointer.AllocatorID)
	return ret0
}

func (mr *MockAllocatorMockRecorder) ID() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ID", reflect.TypeOf((*MockAllocator)(nil).ID))
}

func (m *MockAllocator) Allocate(size uint64) (pointer.OffsetPointer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Allocate", size)
	ret0, _ := ret[0].(pointer.OffsetPointer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAllocatorMockRecorder) Allocate(size any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Allocate", reflect.TypeOf((*MockAllocator)(nil).Allocate), size)
}

func (m *MockAllocator) AllocateAligned(size, alignment uint64) (pointer.OffsetPointer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AllocateAligned", size, alignment)
	ret0, _ := ret[0].(pointer.OffsetPointer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAllocatorMockRecorder) AllocateAligned(size, alignment any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AllocateAligned", reflect.TypeOf((*MockAllocator)(nil).AllocateAligned), size, alignment)
}

func (m *MockAllocator) Reallocate(p pointer.OffsetPointer, newSize uint64) (pointer.OffsetPointer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Reallocate", p, newSize)
	ret0, _ := ret[0].(pointer.OffsetPointer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockAllocatorMockRecorder) Reallocate(p, newSize any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Reallocate", reflect.TypeOf((*MockAllocator)(nil).Reallocate), p, newSize)
}

func (m *MockAllocator) Free(p pointer.OffsetPointer) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Free", p)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAllocatorMockRecorder) Free(p any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Free", reflect.TypeOf((*MockAllocator)(nil).Free), p)
}

func (m *MockAllocator) CustomHeader() (pointer.OffsetPointer, uint64) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CustomHeader")
	ret0, _ := ret[0].(pointer.OffsetPointer)
	ret1, _ := ret[1].(uint64)
	return ret0, ret1
}

func (mr *MockAllocatorMockRecorder) CustomHeader() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CustomHeader", reflect.TypeOf((*MockAllocator)(nil).CustomHeader))
}

func (m *MockAllocator) Stats() allocator.Stats {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Stats")
	ret0, _ := ret[0].(allocator.Stats)
	return ret0
}

func (mr *MockAllocatorMockRecorder) Stats() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Stats", reflect.TypeOf((*MockAllocator)(nil).Stats))
}

func (m *MockAllocator) Backend() backend.Backend {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Backend")
	ret0, _ := ret[0].(backend.Backend)
	return ret0
}

func (mr *MockAllocatorMockRecorder) Backend() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Backend", reflect.TypeOf((*MockAllocator)(nil).Backend))
}

var _ allocator.Allocator = (*MockAllocator)(nil)

// TestMockAllocatorSatisfiesAllocatorInterface exercises MockAllocator
// through gomock's expectation/verification machinery in isolation from
// the Manager, since Manager.CreateAllocator always constructs a concrete
// Stack/ScalablePage allocator rather than accepting an injected one: this
// double is for callers that depend only on the allocator.Allocator
// interface, not on the Manager's construction path.
func TestMockAllocatorSatisfiesAllocatorInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	id := pointer.AllocatorID{Major: 0, Minor: 7}
	m := NewMockAllocator(ctrl, id)

	m.EXPECT().ID().Return(id).Times(1)
	m.EXPECT().Allocate(uint64(128)).Return(pointer.OffsetPointer(64), nil).Times(1)
	m.EXPECT().Free(pointer.OffsetPointer(64)).Return(nil).Times(1)
	m.EXPECT().Stats().Return(allocator.Stats{ActiveAllocations: 0}).Times(1)

	if got := m.ID(); got != id {
		t.Fatalf("ID: got %v, want %v", got, id)
	}
	off, err := m.Allocate(128)
	if err != nil || off != 64 {
		t.Fatalf("Allocate: got (%v, %v)", off, err)
	}
	if err := m.Free(off); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if stats := m.Stats(); stats.ActiveAllocations != 0 {
		t.Fatalf("Stats: got %+v", stats)
	}
}
