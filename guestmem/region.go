// Package guestmem implements the "guest memory map" collaborator a
// balloon device needs: a table of mmap'd regions indexed by guest
// physical address, with host-pointer resolution and access to each
// region's backing file for hole-punching.
package guestmem

import (
	"fmt"
	"reflect"
	"sort"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is the read-only view of one guest memory region a Table
// exposes to the rest of the module: enough to resolve containment and
// to find the backing file for a hole-punch, without handing out the
// region's raw host-memory slice.
type Region interface {
	Contains(addr uint64) bool
	StartAddr() uint64
	FileOffset() (fd int, offset int64, ok bool)
}

// region is one contiguous range of guest physical memory backed by a
// single mmap of a (possibly file-backed) host allocation.
type region struct {
	GuestAddr uint64
	Size      uint64

	data []byte

	fd         int
	fileOffset int64
	fileBacked bool
}

// Contains reports whether addr falls inside this region.
func (r *region) Contains(addr uint64) bool {
	return addr >= r.GuestAddr && addr < r.GuestAddr+r.Size
}

// StartAddr returns the region's guest base address.
func (r *region) StartAddr() uint64 { return r.GuestAddr }

// FileOffset returns the backing file descriptor and the byte offset
// within it corresponding to the region's start, if the region is
// file-backed. ok is false for anonymous (non-file-backed) regions.
func (r *region) FileOffset() (fd int, offset int64, ok bool) {
	if !r.fileBacked {
		return -1, 0, false
	}
	return r.fd, r.fileOffset, true
}

func (r *region) hostAddress(addr uint64) unsafe.Pointer {
	if !r.Contains(addr) {
		return nil
	}
	return unsafe.Pointer(&r.data[addr-r.GuestAddr])
}

// slice returns up to sz bytes of the region's backing memory starting
// at addr, truncated to the region boundary.
func (r *region) slice(addr uint64, sz uint64) []byte {
	if !r.Contains(addr) {
		return nil
	}
	seg := r.data[addr-r.GuestAddr:]
	if uint64(len(seg)) > sz {
		seg = seg[:sz]
	}
	return seg
}

// Table is a sorted collection of regions, mapping guest physical
// addresses to host virtual memory.
type Table struct {
	regions []*region
}

// NewTable returns an empty guest memory table.
func NewTable() *Table {
	return &Table{}
}

// AddFileRegion mmaps [offset, offset+size) of fd and adds it as a
// region starting at guestAddr. The mapping is shared and, like
// vhost-user memory regions, marked MADV_DONTDUMP since guest RAM
// dumps are of no use to the host's own core files.
func (t *Table) AddFileRegion(fd int, offset int64, guestAddr, size uint64) error {
	data, err := syscall.Mmap(fd, offset, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("guestmem: mmap region at %#x: %w", guestAddr, err)
	}
	syscall.Madvise(data, unix.MADV_DONTDUMP)

	r := &region{
		GuestAddr:  guestAddr,
		Size:       size,
		data:       data,
		fd:         fd,
		fileOffset: offset,
		fileBacked: true,
	}
	t.insert(r)
	return nil
}

// AddAnonRegion adds a region backed by an already-mapped anonymous
// buffer (used by tests). FileOffset reports !ok for such regions, so
// ReleaseRange skips the hole-punch step and only advises.
func (t *Table) AddAnonRegion(guestAddr uint64, data []byte) {
	t.insert(&region{GuestAddr: guestAddr, Size: uint64(len(data)), data: data})
}

func (t *Table) insert(r *region) {
	idx := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GuestAddr >= r.GuestAddr
	})
	t.regions = append(t.regions, nil)
	copy(t.regions[idx+1:], t.regions[idx:])
	t.regions[idx] = r
}

func (t *Table) find(addr uint64) *region {
	idx := sort.Search(len(t.regions), func(i int) bool {
		return addr < t.regions[i].GuestAddr+t.regions[i].Size
	})
	if idx >= len(t.regions) || !t.regions[idx].Contains(addr) {
		return nil
	}
	return t.regions[idx]
}

// FindRegion returns the region containing addr, if any.
func (t *Table) FindRegion(addr uint64) (Region, bool) {
	r := t.find(addr)
	if r == nil {
		return nil, false
	}
	return r, true
}

// HostAddress resolves a guest physical address to a host pointer.
func (t *Table) HostAddress(addr uint64) (unsafe.Pointer, bool) {
	r := t.find(addr)
	if r == nil {
		return nil, false
	}
	return r.hostAddress(addr), true
}

// ReadObject reads sizeof(*out) bytes at addr into out, which must be
// a non-nil pointer to a fixed-size POD type (no pointers, no padding).
func (t *Table) ReadObject(addr uint64, out any) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("guestmem: ReadObject requires a non-nil pointer, got %T", out)
	}
	size := v.Elem().Type().Size()

	r := t.find(addr)
	if r == nil {
		return fmt.Errorf("guestmem: unmapped guest address %#x", addr)
	}
	seg := r.slice(addr, uint64(size))
	if uint64(len(seg)) < uint64(size) {
		return fmt.Errorf("guestmem: short read at %#x: got %d want %d", addr, len(seg), size)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(v.Pointer())), size)
	copy(dst, seg)
	return nil
}

// ReadAt reads a fixed-size POD value of type T out of guest memory at
// addr, a convenience wrapper around ReadObject for callers that don't
// already have an addressable T to pass in.
func ReadAt[T any](t *Table, addr uint64) (T, error) {
	var v T
	err := t.ReadObject(addr, &v)
	return v, err
}

// Slice returns up to sz bytes of guest memory starting at addr,
// split across region boundaries the way vhostuser.readVringEntry
// does for indirect descriptor tables and payload spans.
func (t *Table) Slice(addr uint64, sz uint64) [][]byte {
	var out [][]byte
	for sz > 0 {
		r := t.find(addr)
		if r == nil {
			return out
		}
		seg := r.slice(addr, sz)
		if len(seg) == 0 {
			return out
		}
		out = append(out, seg)
		sz -= uint64(len(seg))
		addr += uint64(len(seg))
	}
	return out
}
