//go:build linux

package memops

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const madvDontneed = unix.MADV_DONTNEED

func madvise(addr unsafe.Pointer, length uint64, advice int) error {
	return unix.Madvise(unsafe.Slice((*byte)(addr), length), advice)
}

// punchHole deallocates [offset, offset+length) of fd's backing store
// while leaving the file's apparent size untouched, the same
// FALLOC_FL_PUNCH_HOLE|FALLOC_FL_KEEP_SIZE combination
// fuse/files_linux.go uses for its own Fallocate call.
func punchHole(fd int, offset, length int64) error {
	return unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}
