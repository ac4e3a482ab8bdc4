package allocator

import (
	"sync/atomic"

	"github.com/lukemartinlogan/hermes-shm/internal/concurrency"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/backend"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/pointer"
	"github.com/lukemartinlogan/hermes-shm/internal/ipc/shmerrors"
)

// blockMagic tags the 16-byte header this allocator writes immediately
// before every payload it hands out, the same guard-value idea as the
// teacher's BlockHeader (internal/runtime/block_manager.go,
// BlockMagicValue/BlockGuardValue), generalized here to catch a free of an
// offset this allocator never produced.
const blockMagic uint32 = 0xcafebabe

const blockHeaderSize = 16 // magic(4) + state(4) + capacity(8)

// blockPayloadAlign is the alignment every carved block's payload offset
// satisfies, so blocks reused from a free list or a cache serve any
// alignment up to this without further work.
const blockPayloadAlign = 64

const (
	blockStateFree uint32 = 0
	blockStateUsed uint32 = 1
)

// sizeClasses mirrors the teacher's tiered classes
// (internal/allocator/allocator.go: SizeClassTiny..SizeClassHuge),
// extended upward since a shared-memory region is expected to host larger
// containers than the teacher's Go-heap pools.
var sizeClasses = []uint64{64, 128, 256, 512, 1024, 4096, 16384, 65536}

func classFor(size uint64) uint64 {
	for _, c := range sizeClasses {
		if size <= c {
			return c
		}
	}
	// large/oversized request: round up to a page-ish granularity so
	// nearby-sized large allocations still share free-list buckets.
	const largeAlign = 4096
	return (size + largeAlign - 1) / largeAlign * largeAlign
}

// freeList is a Treiber stack of free blocks of one capacity. The head is
// packed as {tag:16 bits, offset:48 bits}; the tag increments on every pop
// so a CAS cannot be fooled by an offset that was popped and later pushed
// back (the ABA problem a plain offset-only CAS would be vulnerable to).
type freeList struct {
	head atomic.Uint64
}

const freeListTagShift = 48
const freeListOffsetMask = (uint64(1) << freeListTagShift) - 1

func packHead(tag uint16, off uint64) uint64 {
	return uint64(tag)<<freeListTagShift | (off & freeListOffsetMask)
}

func unpackHead(v uint64) (tag uint16, off uint64, empty bool) {
	off = v & freeListOffsetMask
	tag = uint16(v >> freeListTagShift)
	return tag, off, v&freeListOffsetMask == freeListOffsetMask
}

// ScalablePageAllocator is a size-classed allocator with lock-free free
// lists per class and optional per-goroutine thread caches (CacheHandle),
// grounded on the teacher's pool.go (size-keyed pools) and
// region_alloc.go/block_manager.go (block-header-with-magic, free-list
// bookkeeping), rebuilt over backend offsets with a Treiber-stack free
// list instead of the teacher's process-local pointer maps.
type ScalablePageAllocator struct {
	id    pointer.AllocatorID
	be    backend.Backend
	top   atomic.Uint64 // next never-used offset to carve a fresh block from
	start uint64        // first offset available for allocation, fixed at construction
	end   uint64

	classLists  [len(sizeClasses)]freeList
	largeLists  *concurrency.LockFreeMap[uint64, *freeList]
	activeCount atomic.Int64
	peakCount   atomic.Int64
	totalAlloc  atomic.Uint64
	totalFree   atomic.Uint64
	allocCount  atomic.Uint64
	freeCount   atomic.Uint64

	customHeaderOff  uint64
	customHeaderSize uint64
}

// NewScalablePageAllocator carves a new scalable allocator out of be.
func NewScalablePageAllocator(id pointer.AllocatorID, be backend.Backend, headerOffset, customHeaderSize uint64) (*ScalablePageAllocator, error) {
	dataOff := headerOffset + HeaderSize + customHeaderSize
	if dataOff > be.Size() {
		return nil, shmerrors.New(shmerrors.CategoryResource, "BACKEND_TOO_SMALL",
			"backend window too small for allocator + custom headers", map[string]any{
				"need": dataOff, "have": be.Size(),
			})
	}
	a := &ScalablePageAllocator{
		id:               id,
		be:               be,
		end:              be.Size(),
		start:            dataOff,
		largeLists:       concurrency.NewUint64LockFreeMap[*freeList](16),
		customHeaderOff:  headerOffset + HeaderSize,
		customHeaderSize: customHeaderSize,
	}
	a.top.Store(dataOff)
	for i := range a.classLists {
		a.classLists[i].head.Store(freeListOffsetMask) // empty sentinel
	}
	hdr := Header{Kind: KindScalablePage, ID: id, CustomHeaderOffset: a.customHeaderOff, CustomHeaderSize: customHeaderSize}
	hdr.stamp()
	raw, _ := hdr.MarshalBinary()
	copy(be.Bytes()[headerOffset:], raw)
	return a, nil
}

func (a *ScalablePageAllocator) ID() pointer.AllocatorID  { return a.id }
func (a *ScalablePageAllocator) Backend() backend.Backend { return a.be }

func (a *ScalablePageAllocator) CustomHeader() (pointer.OffsetPointer, uint64) {
	return pointer.OffsetPointer(a.customHeaderOff), a.customHeaderSize
}

func (a *ScalablePageAllocator) listFor(capacity uint64) *freeList {
	for i, c := range sizeClasses {
		if c == capacity {
			return &a.classLists[i]
		}
	}
	fresh := &freeList{}
	fresh.head.Store(freeListOffsetMask)
	fl, _ := a.largeLists.LoadOrStore(capacity, fresh)
	return fl
}

// pop removes one block of the given capacity from its free list, if any.
func (fl *freeList) pop(buf []byte) (uint64, bool) {
	for {
		cur := fl.head.Load()
		tag, off, empty := unpackHead(cur)
		if empty {
			return 0, false
		}
		next := order.Uint64(buf[off : off+8])
		if fl.head.CompareAndSwap(cur, packHead(tag+1, next)) {
			return off, true
		}
	}
}

// push returns a block of offset blockOff back onto the free list,
// intrusively storing the old head inside the (now-unused) payload.
func (fl *freeList) push(buf []byte, blockOff uint64) {
	for {
		cur := fl.head.Load()
		tag, off, _ := unpackHead(cur)
		order.PutUint64(buf[blockOff:blockOff+8], off)
		if fl.head.CompareAndSwap(cur, packHead(tag+1, blockOff)) {
			return
		}
	}
}

// carve bumps a fresh block off the top of the region, placing it so that
// its payload (just past the block header) is aligned to alignment.
func (a *ScalablePageAllocator) carve(capacity, alignment uint64) (uint64, error) {
	total := blockHeaderSize + capacity
	for {
		cur := a.top.Load()
		blockOff := alignUp(cur+blockHeaderSize, alignment) - blockHeaderSize
		next := blockOff + total
		if next > a.end {
			return 0, shmerrors.OutOfMemory(a.id.String(), capacity)
		}
		if a.top.CompareAndSwap(cur, next) {
			return blockOff, nil
		}
	}
}

func (a *ScalablePageAllocator) writeHeader(off uint64, state uint32, capacity uint64) {
	buf := a.be.Bytes()
	order.PutUint32(buf[off:off+4], blockMagic)
	order.PutUint32(buf[off+4:off+8], state)
	order.PutUint64(buf[off+8:off+16], capacity)
}

func (a *ScalablePageAllocator) readHeader(off uint64) (magic, state uint32, capacity uint64, err error) {
	buf := a.be.Bytes()
	if off+blockHeaderSize > uint64(len(buf)) {
		return 0, 0, 0, shmerrors.New(shmerrors.CategoryResource, "OUT_OF_BOUNDS",
			"block header offset exceeds backend window", map[string]any{"offset": off})
	}
	magic = order.Uint32(buf[off : off+4])
	state = order.Uint32(buf[off+4 : off+8])
	capacity = order.Uint64(buf[off+8 : off+16])
	return magic, state, capacity, nil
}

// Allocate reserves size bytes, satisfied from the matching size class's
// free list when possible, else carved fresh from the end of the region.
func (a *ScalablePageAllocator) Allocate(size uint64) (pointer.OffsetPointer, error) {
	return a.AllocateAligned(size, 1)
}

// AllocateAligned is Allocate with an alignment guarantee on the returned
// offset. Every block's payload is carved blockPayloadAlign-aligned, so an
// alignment up to that is served from the size class's free list as usual;
// a stricter alignment skips the free list and carves a fresh block at that
// alignment, with the capacity rounded up to at least the alignment.
func (a *ScalablePageAllocator) AllocateAligned(size, alignment uint64) (pointer.OffsetPointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if !isPowerOfTwo(alignment) {
		return pointer.NullOffsetPointer, shmerrors.BadAlignment(a.id.String(), alignment)
	}
	// size == 0 is a valid request (spec §8 boundary behaviour): it still
	// carves a real, freeable block from the smallest size class rather
	// than being rejected.
	capacity := classFor(size)
	if alignment > capacity {
		capacity = classFor(alignment)
	}
	if blockHeaderSize+capacity > a.end-a.start {
		return pointer.NullOffsetPointer, shmerrors.InsufficientSpace(a.id.String(), capacity, a.end-a.start)
	}
	fl := a.listFor(capacity)
	buf := a.be.Bytes()
	if alignment <= blockPayloadAlign {
		if blockOff, ok := fl.pop(buf); ok {
			a.writeHeader(blockOff, blockStateUsed, capacity)
			a.bumpStats(capacity)
			return pointer.OffsetPointer(blockOff + blockHeaderSize), nil
		}
	}
	blockOff, err := a.carve(capacity, max(alignment, blockPayloadAlign))
	if err != nil {
		return pointer.NullOffsetPointer, err
	}
	a.writeHeader(blockOff, blockStateUsed, capacity)
	a.bumpStats(capacity)
	return pointer.OffsetPointer(blockOff + blockHeaderSize), nil
}

// bumpStats tracks capacity (the class-rounded block size actually carved or
// reused), not the caller's requested size, so it is the same unit Free/
// FreeCached add back to totalFree: a balanced allocate/free pair must
// return BytesInUse to its starting value exactly, not leave a remainder or
// underflow when size < capacity.
func (a *ScalablePageAllocator) bumpStats(capacity uint64) {
	a.totalAlloc.Add(capacity)
	a.allocCount.Add(1)
	active := a.activeCount.Add(1)
	for {
		p := a.peakCount.Load()
		if active <= p || a.peakCount.CompareAndSwap(p, active) {
			break
		}
	}
}

// Free validates the block header preceding p and, if valid and currently
// marked used, returns it to its size class's free list. An invalid offset
// (bad magic) or a block already marked free is a shmerrors.Fatal misuse
// error, per spec §7 and §8's invalid-free scenario.
func (a *ScalablePageAllocator) Free(p pointer.OffsetPointer) error {
	if p.IsNull() {
		return shmerrors.InvalidFree(a.id.String(), uint64(p))
	}
	off := uint64(p)
	if off < blockHeaderSize {
		return shmerrors.InvalidFree(a.id.String(), off)
	}
	blockOff := off - blockHeaderSize
	magic, state, capacity, err := a.readHeader(blockOff)
	if err != nil {
		return shmerrors.InvalidFree(a.id.String(), off)
	}
	if magic != blockMagic {
		return shmerrors.InvalidFree(a.id.String(), off)
	}
	if state == blockStateFree {
		return shmerrors.DoubleFree(a.id.String(), off)
	}
	a.writeHeader(blockOff, blockStateFree, capacity)
	a.listFor(capacity).push(a.be.Bytes(), blockOff)
	a.totalFree.Add(capacity)
	a.freeCount.Add(1)
	a.activeCount.Add(-1)
	return nil
}

// Reallocate grows or shrinks an allocation. If the new size still fits
// within the current block's size class, the same offset is returned
// unchanged; otherwise a new block is allocated, the old content copied
// forward, and the old block freed.
func (a *ScalablePageAllocator) Reallocate(p pointer.OffsetPointer, newSize uint64) (pointer.OffsetPointer, error) {
	if p.IsNull() {
		return a.Allocate(newSize)
	}
	off := uint64(p)
	if off < blockHeaderSize {
		return pointer.NullOffsetPointer, shmerrors.InvalidFree(a.id.String(), off)
	}
	blockOff := off - blockHeaderSize
	magic, state, capacity, err := a.readHeader(blockOff)
	if err != nil || magic != blockMagic || state != blockStateUsed {
		return pointer.NullOffsetPointer, shmerrors.InvalidFree(a.id.String(), off)
	}
	if newSize <= capacity {
		return p, nil
	}
	next, err := a.Allocate(newSize)
	if err != nil {
		return pointer.NullOffsetPointer, err
	}
	buf := a.be.Bytes()
	copy(buf[uint64(next):uint64(next)+capacity], buf[off:off+capacity])
	if err := a.Free(p); err != nil {
		return pointer.NullOffsetPointer, err
	}
	return next, nil
}

func (a *ScalablePageAllocator) Stats() Stats {
	return Stats{
		TotalAllocated:    a.totalAlloc.Load(),
		TotalFreed:        a.totalFree.Load(),
		ActiveAllocations: a.activeCount.Load(),
		PeakAllocations:   a.peakCount.Load(),
		AllocationCount:   a.allocCount.Load(),
		FreeCount:         a.freeCount.Load(),
		BytesInUse:        a.totalAlloc.Load() - a.totalFree.Load(),
		RegionSize:        a.end,
	}
}

// CacheHandle is a per-goroutine magazine of free blocks for the fixed size
// classes, resolving Open Question (c): Go has no thread-local storage, so
// rather than silently assume one global free list is contention-free
// enough, a goroutine that wants the thread-cache fast path acquires one
// explicitly and passes it into the Cached variants below. A goroutine
// that never calls AcquireCache simply uses the shared free lists directly
// via Allocate/Free.
type CacheHandle struct {
	magazine [len(sizeClasses)][]uint64 // block offsets (block header start), LIFO
}

// magazineLimit bounds how many blocks a cache holds per class before
// spilling the excess back to the shared free list.
const magazineLimit = 32

// AcquireCache creates a new, empty thread cache for use by one goroutine
// at a time.
func (a *ScalablePageAllocator) AcquireCache() *CacheHandle {
	return &CacheHandle{}
}

// AllocateCached is Allocate's fast path: it first tries the goroutine's
// local magazine before falling back to the shared free list/bump carve.
func (a *ScalablePageAllocator) AllocateCached(h *CacheHandle, size uint64) (pointer.OffsetPointer, error) {
	capacity := classFor(size)
	idx := classIndex(capacity)
	if idx >= 0 {
		if n := len(h.magazine[idx]); n > 0 {
			blockOff := h.magazine[idx][n-1]
			h.magazine[idx] = h.magazine[idx][:n-1]
			a.writeHeader(blockOff, blockStateUsed, capacity)
			a.bumpStats(capacity)
			return pointer.OffsetPointer(blockOff + blockHeaderSize), nil
		}
	}
	return a.AllocateAligned(size, 1)
}

// FreeCached is Free's fast path: it stashes the block in the goroutine's
// local magazine, spilling the oldest entries back to the shared free list
// once the magazine is full.
func (a *ScalablePageAllocator) FreeCached(h *CacheHandle, p pointer.OffsetPointer) error {
	if p.IsNull() {
		return shmerrors.InvalidFree(a.id.String(), uint64(p))
	}
	off := uint64(p)
	if off < blockHeaderSize {
		return shmerrors.InvalidFree(a.id.String(), off)
	}
	blockOff := off - blockHeaderSize
	magic, state, capacity, err := a.readHeader(blockOff)
	if err != nil || magic != blockMagic {
		return shmerrors.InvalidFree(a.id.String(), off)
	}
	if state == blockStateFree {
		return shmerrors.DoubleFree(a.id.String(), off)
	}
	a.writeHeader(blockOff, blockStateFree, capacity)
	a.totalFree.Add(capacity)
	a.freeCount.Add(1)
	a.activeCount.Add(-1)

	idx := classIndex(capacity)
	if idx < 0 {
		a.listFor(capacity).push(a.be.Bytes(), blockOff)
		return nil
	}
	h.magazine[idx] = append(h.magazine[idx], blockOff)
	if len(h.magazine[idx]) > magazineLimit {
		spill := h.magazine[idx][0]
		h.magazine[idx] = h.magazine[idx][1:]
		a.classLists[idx].push(a.be.Bytes(), spill)
	}
	return nil
}

func classIndex(capacity uint64) int {
	for i, c := range sizeClasses {
		if c == capacity {
			return i
		}
	}
	return -1
}
