//go:build linux

package memops

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/guestmem"
)

func TestAdviseRangeAnon(t *testing.T) {
	// madvise requires a real mapped region, not an arbitrary Go heap
	// slice, so this uses an anonymous mmap the same way
	// balloon/processors_test.go's testRing does.
	buf, err := unix.Mmap(-1, 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(buf) })

	mem := guestmem.NewTable()
	mem.AddAnonRegion(0x1000, buf)

	if err := AdviseRange(mem, 0x1000, 4096, unix.MADV_DONTNEED); err != nil {
		t.Fatalf("AdviseRange: %v", err)
	}
}

func TestAdviseRangeUnmapped(t *testing.T) {
	mem := guestmem.NewTable()
	if err := AdviseRange(mem, 0xdead0000, 4096, unix.MADV_DONTNEED); err == nil {
		t.Fatal("expected error for unmapped address")
	}
}

func TestReleaseRangeFileBacked(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "balloon-memops-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	const size = 1 << 20
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	mem := guestmem.NewTable()
	if err := mem.AddFileRegion(int(f.Fd()), 0, 0x100000, size); err != nil {
		t.Fatalf("AddFileRegion: %v", err)
	}

	if err := ReleaseRange(mem, 0x100000, 4096); err != nil {
		t.Fatalf("ReleaseRange: %v", err)
	}
}

func TestReleaseRangeUnmapped(t *testing.T) {
	mem := guestmem.NewTable()
	if err := ReleaseRange(mem, 0xdead0000, 4096); err == nil {
		t.Fatal("expected error for unmapped address")
	}
}
