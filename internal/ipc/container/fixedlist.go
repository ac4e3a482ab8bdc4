// FixedList is the one container exemplar this package builds beyond the
// MPSC queue: a minimal intrusive singly-linked list of int64 elements,
// built only to exercise the Container Base Protocol with a second,
// non-queue header shape and to drive the spec's literal cross-process
// scenario (a 64MiB backend, a stack allocator, a 1024-element list of the
// value 10 built by one process and read by another via the allocator's
// custom header). It is deliberately not the container zoo (no
// slist/vector/unordered_map/string/pair/tuple) — those remain non-goals.
//
// Grounded on original_source/example/list.cc: a CustomHeader holding a
// TypedPointer<list<int>>, built on rank 0 and deserialized by every other
// rank via shm_deserialize.
package container

import (
	"fmt"

	"github.com/lukemartinlogan/hermes-shm/internal/ipc/allocator"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// FixedListHeader is the in-region root record of a FixedList: the
// element count and the head/tail node offsets. It contains no
// process-local pointers, only primitives and OffsetPointers, so it is
// meaningful to any process that has attached the backend and resolved
// the owning allocator.
type FixedListHeader struct {
	Length uint64
	Head   pointer.OffsetPointer
	Tail   pointer.OffsetPointer
}

// FixedListHeaderSize is the fixed encoded size of FixedListHeader.
const FixedListHeaderSize = 8 + 8 + 8

func (h FixedListHeader) Size() uint64 { return FixedListHeaderSize }

// MarshalBinary encodes the header in host-native byte order.
func (h FixedListHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FixedListHeaderSize)
	order.PutUint64(buf[0:8], h.Length)
	order.PutUint64(buf[8:16], uint64(h.Head))
	order.PutUint64(buf[16:24], uint64(h.Tail))
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (h *FixedListHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < FixedListHeaderSize {
		return fmt.Errorf("container: short FixedListHeader buffer: need %d, got %d", FixedListHeaderSize, len(buf))
	}
	h.Length = order.Uint64(buf[0:8])
	h.Head = pointer.OffsetPointer(order.Uint64(buf[8:16]))
	h.Tail = pointer.OffsetPointer(order.Uint64(buf[16:24]))
	return nil
}

// listNode is the fixed 16-byte node record: an int64 value plus the
// offset of the next node (NullOffsetPointer terminates the list). Nodes
// are not exposed as a Header type since they are never serialized or
// deserialized on their own, only walked via the list header.
type listNode struct {
	Value int64
	Next  pointer.OffsetPointer
}

const listNodeSize = 8 + 8

func marshalNode(n listNode) []byte {
	buf := make([]byte, listNodeSize)
	order.PutUint64(buf[0:8], uint64(n.Value))
	order.PutUint64(buf[8:16], uint64(n.Next))
	return buf
}

func unmarshalNode(buf []byte) listNode {
	return listNode{
		Value: int64(order.Uint64(buf[0:8])),
		Next:  pointer.OffsetPointer(order.Uint64(buf[8:16])),
	}
}

// FixedList is the local handle over an in-region singly-linked list,
// satisfying the Container Base Protocol via its embedded Handle.
type FixedList struct {
	Handle[FixedListHeader]
}

// Construct allocates a fresh, empty list header from alloc and returns a
// FixedList bound to it, matching hipc::list<int>::shm_init(alloc).
func Construct(alloc allocator.Allocator) (FixedList, error) {
	off, err := alloc.Allocate(FixedListHeaderSize)
	if err != nil {
		return FixedList{}, err
	}
	l := FixedList{Handle[FixedListHeader]{HeaderPtr: off, Alloc: alloc}}
	if err := l.Store(FixedListHeader{Length: 0, Head: pointer.NullOffsetPointer, Tail: pointer.NullOffsetPointer}); err != nil {
		return FixedList{}, err
	}
	return l, nil
}

// DeserializeFixedList attaches to a list another process constructed and
// published, given its Pointer and an allocator lookup, mirroring
// obj << header->obj_ in example/list.cc.
func DeserializeFixedList(p pointer.Pointer, lookup func(pointer.AllocatorID) (allocator.Allocator, error)) (FixedList, error) {
	h, err := Deserialize[FixedListHeader](p, lookup)
	if err != nil {
		return FixedList{}, err
	}
	return FixedList{h}, nil
}

// PushBack appends value as the new tail node, matching
// obj.emplace_back(10) in the worked example. Not safe for concurrent
// callers on the same list; FixedList has no documented concurrency
// discipline beyond single-writer construction (unlike the MPSC queue,
// which is the component specified for concurrent use).
func (l FixedList) PushBack(value int64) error {
	hdr, err := l.Load()
	if err != nil {
		return err
	}
	nodeOff, err := l.Alloc.Allocate(listNodeSize)
	if err != nil {
		return err
	}
	buf, err := allocator.Resolve(l.Alloc, nodeOff, listNodeSize)
	if err != nil {
		return err
	}
	copy(buf, marshalNode(listNode{Value: value, Next: pointer.NullOffsetPointer}))

	if hdr.Head.IsNull() {
		hdr.Head = nodeOff
	} else {
		tailBuf, err := allocator.Resolve(l.Alloc, hdr.Tail, listNodeSize)
		if err != nil {
			return err
		}
		tail := unmarshalNode(tailBuf)
		tail.Next = nodeOff
		copy(tailBuf, marshalNode(tail))
	}
	hdr.Tail = nodeOff
	hdr.Length++
	return l.Store(hdr)
}

// Len returns the current element count.
func (l FixedList) Len() (uint64, error) {
	hdr, err := l.Load()
	if err != nil {
		return 0, err
	}
	return hdr.Length, nil
}

// ToSlice walks the list front-to-back and returns every element's value,
// used by the cross-process scenario test to assert all 1024 values equal
// 10.
func (l FixedList) ToSlice() ([]int64, error) {
	hdr, err := l.Load()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, hdr.Length)
	cur := hdr.Head
	for !cur.IsNull() {
		buf, err := allocator.Resolve(l.Alloc, cur, listNodeSize)
		if err != nil {
			return nil, err
		}
		n := unmarshalNode(buf)
		out = append(out, n.Value)
		cur = n.Next
	}
	return out, nil
}

// Destroy frees every node and the header itself, zeroing the header
// fields first so a stray deserialize of a stale Pointer observes an
// empty list rather than dangling node offsets. Per spec §5, a container
// must be destroyed before its allocator is destroyed, or its nodes are
// reported as still outstanding by Allocator.Stats.
func (l FixedList) Destroy() error {
	if l.IsNull() {
		return shmerrors.New(shmerrors.CategoryMisuse, "CONTAINER_ALREADY_NULL",
			"FixedList.Destroy called on an already-null handle", nil)
	}
	hdr, err := l.Load()
	if err != nil {
		return err
	}
	cur := hdr.Head
	for !cur.IsNull() {
		buf, err := allocator.Resolve(l.Alloc, cur, listNodeSize)
		if err != nil {
			return err
		}
		n := unmarshalNode(buf)
		next := n.Next
		if err := l.Alloc.Free(cur); err != nil {
			return err
		}
		cur = next
	}
	headerOff := l.HeaderPtr
	if err := l.Store(FixedListHeader{Length: 0, Head: pointer.NullOffsetPointer, Tail: pointer.NullOffsetPointer}); err != nil {
		return err
	}
	return l.Alloc.Free(headerOff)
}
