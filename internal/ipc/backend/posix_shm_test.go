//go:build unix

package backend

import (
	"testing"
)

func TestPosixShmCreateAttachDestroy(t *testing.T) {
	url := "test_posix_shm_basic"
	creator, err := CreatePosixShmBackend(url, 65536)
	if err != nil {
		t.Fatalf("CreatePosixShmBackend: %v", err)
	}
	t.Cleanup(func() { _ = creator.Destroy() })

	hdr, err := HeaderAt(creator)
	if err != nil {
		t.Fatalf("HeaderAt: %v", err)
	}
	if hdr.Magic != HeaderMagic || hdr.Kind != KindPosixShm || hdr.Size != 65536 {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	attacher, err := AttachPosixShmBackend(url)
	if err != nil {
		t.Fatalf("AttachPosixShmBackend: %v", err)
	}
	defer attacher.Detach()

	if attacher.Size() != creator.Size() {
		t.Fatalf("attacher size %d != creator size %d", attacher.Size(), creator.Size())
	}
	if attacher.Base() == creator.Base() {
		t.Fatal("attacher and creator should not share a process-local base in this test harness, since mmap of the same fd twice yields distinct mappings")
	}

	// Content written through one mapping is visible through the other:
	// the attach-symmetry property from spec.md §8.
	creator.Bytes()[HeaderSize] = 0x42
	if attacher.Bytes()[HeaderSize] != 0x42 {
		t.Fatal("write through creator's mapping not visible through attacher's mapping")
	}
}

func TestPosixShmCreateDuplicateFails(t *testing.T) {
	url := "test_posix_shm_dup"
	b, err := CreatePosixShmBackend(url, 4096)
	if err != nil {
		t.Fatalf("CreatePosixShmBackend: %v", err)
	}
	defer b.Destroy()

	if _, err := CreatePosixShmBackend(url, 4096); err == nil {
		t.Fatal("expected BackendExists on duplicate create")
	}
}

func TestPosixShmAttachMissingFails(t *testing.T) {
	if _, err := AttachPosixShmBackend("test_posix_shm_does_not_exist"); err == nil {
		t.Fatal("expected BackendNotFound attaching a backend that was never created")
	}
}

func TestPosixShmDestroyUnlinksSoAttachFailsAfterward(t *testing.T) {
	url := "test_posix_shm_destroy"
	b, err := CreatePosixShmBackend(url, 4096)
	if err != nil {
		t.Fatalf("CreatePosixShmBackend: %v", err)
	}
	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := AttachPosixShmBackend(url); err == nil {
		t.Fatal("expected BackendNotFound after Destroy unlinked the backing object")
	}
}
