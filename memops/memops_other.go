//go:build !linux

package memops

import (
	"errors"
	"unsafe"
)

// ErrUnsupportedPlatform is returned by madvise/punchHole on platforms
// other than Linux; hole-punch and madvise are Linux-specific syscalls
// with no portable fallback here.
var ErrUnsupportedPlatform = errors.New("memops: unsupported platform")

const madvDontneed = 0

func madvise(addr unsafe.Pointer, length uint64, advice int) error {
	return ErrUnsupportedPlatform
}

func punchHole(fd int, offset, length int64) error {
	return ErrUnsupportedPlatform
}
