// Package memops implements the host memory-release primitives:
// advising the kernel to drop or prefetch a range of guest-backing
// memory, and punching a hole in the range's backing file so the host
// actually reclaims the space.
package memops

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/memory-meld/virtio-balloon/guestmem"
)

// GuestMemory is the view of guest memory these syscall wrappers need:
// enough to resolve a guest address to a host pointer and, for
// ReleaseRange, to find the region's backing file. *guestmem.Table
// satisfies it, as does virtq.GuestMemory (a DescriptorChain's
// Memory()) since it carries a superset of these same two methods.
type GuestMemory interface {
	FindRegion(addr uint64) (guestmem.Region, bool)
	HostAddress(addr uint64) (unsafe.Pointer, bool)
}

// ErrGuestMemory is returned when base does not resolve to mapped
// guest memory.
var ErrGuestMemory = errors.New("memops: address not backed by guest memory")

// AdviseRange issues the given madvise(2) advice over
// [base, base+length) of mem, after resolving base to a host virtual
// address. advice is one of the unix.MADV_* constants.
func AdviseRange(mem GuestMemory, base, length uint64, advice int) error {
	hva, ok := mem.HostAddress(base)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrGuestMemory, base)
	}
	if err := madvise(hva, length, advice); err != nil {
		return fmt.Errorf("memops: madvise(%#x, %d, %d): %w", base, length, advice, err)
	}
	return nil
}

// ReleaseRange reclaims [base, base+length) of mem on the host: if the
// containing region is file-backed, it punches a hole over the
// corresponding file range (deallocating committed pages while
// preserving the file's apparent length); it then advises DONTNEED
// regardless, so the resident set drops even for anonymous regions
// where hole-punching is a no-op.
func ReleaseRange(mem GuestMemory, base, length uint64) error {
	region, ok := mem.FindRegion(base)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrGuestMemory, base)
	}

	if fd, fileOffset, ok := region.FileOffset(); ok {
		offset := fileOffset + int64(base-region.StartAddr())
		if err := punchHole(fd, offset, int64(length)); err != nil {
			return fmt.Errorf("memops: fallocate punch-hole [%#x,+%#x): %w", offset, length, err)
		}
	}

	return AdviseRange(mem, base, length, madvDontneed)
}
