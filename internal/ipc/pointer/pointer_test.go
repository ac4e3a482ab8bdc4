package pointer

import (
	"sync"
	"testing"
)

func TestAllocatorIDNull(t *testing.T) {
	if !NullAllocatorID.IsNull() {
		t.Fatal("zero-valued AllocatorID must be null")
	}
	id := AllocatorID{Major: 1, Minor: 2}
	if id.IsNull() {
		t.Fatal("non-zero AllocatorID must not be null")
	}
	if id.String() != "1.2" {
		t.Fatalf("unexpected String(): %q", id.String())
	}
}

func TestAllocatorIDRoundTrip(t *testing.T) {
	id := AllocatorID{Major: 7, Minor: 42}
	got := AllocatorIDFromUint64(id.Uint64())
	if got != id {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, id)
	}
}

func TestOffsetPointerNull(t *testing.T) {
	if !NullOffsetPointer.IsNull() {
		t.Fatal("NullOffsetPointer must report IsNull")
	}
	p := OffsetPointer(0)
	if p.IsNull() {
		t.Fatal("offset 0 is a valid, non-null offset")
	}
}

func TestOffsetPointerArithmetic(t *testing.T) {
	p := OffsetPointer(100)
	if got := p.Add(50); got != OffsetPointer(150) {
		t.Fatalf("Add: got %v, want 150", got)
	}
	if got := p.Sub(30); got != OffsetPointer(70) {
		t.Fatalf("Sub: got %v, want 70", got)
	}
}

func TestPointerWireRoundTrip(t *testing.T) {
	p := Pointer{AllocatorID: AllocatorID{Major: 3, Minor: 9}, Off: OffsetPointer(123456)}
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != WireSize {
		t.Fatalf("unexpected wire size: %d", len(buf))
	}
	var got Pointer
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPointerUnmarshalShortBuffer(t *testing.T) {
	var p Pointer
	if err := p.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestAtomicOffsetPointerConcurrentCAS(t *testing.T) {
	p := NewAtomicOffsetPointer(OffsetPointer(0))
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for {
				old := p.Load()
				if p.CompareAndSwap(old, old.Add(1)) {
					return
				}
			}
		}()
	}
	wg.Wait()
	if p.Load() != OffsetPointer(n) {
		t.Fatalf("expected %d increments, got %v", n, p.Load())
	}
}

func TestAtomicPointerLoadStore(t *testing.T) {
	ap := NewAtomicPointer(NullPointer)
	if !ap.IsNull() {
		t.Fatal("expected null on construction with NullPointer")
	}
	v := Pointer{AllocatorID: AllocatorID{Major: 1, Minor: 1}, Off: OffsetPointer(8)}
	ap.Store(v)
	if got := ap.Load(); got.Off != v.Off {
		t.Fatalf("got %+v, want offset %v", got, v.Off)
	}
}

func TestTypedPointer(t *testing.T) {
	type myStruct struct{ X int }
	tp := TypedOf[myStruct](Pointer{AllocatorID: AllocatorID{Major: 1}, Off: OffsetPointer(16)})
	if tp.IsNull() {
		t.Fatal("expected non-null typed pointer")
	}
}
