// Package epoll is a minimal wrapper around the epoll(7) syscalls
// sized to exactly the single-worker-thread event loop a virtio
// balloon device dispatcher needs: register a fixed set of eventfds
// up front, then block in one Wait call until one or more fire.
//
// This is deliberately not a general-purpose reusable epoll harness —
// it has no way to remove a registered fd and no edge-triggered
// mode, because the dispatcher never needs either.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller holds one epoll instance and the set of file descriptors
// registered against it, each tagged with an opaque uint64 the caller
// chooses (typically an enum value identifying the event source).
type Poller struct {
	epfd int
	tags map[int32]uint64
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: EpollCreate1: %w", err)
	}
	return &Poller{epfd: fd, tags: make(map[int32]uint64)}, nil
}

// Add registers fd for readability events, tagged with id.
func (p *Poller) Add(fd int, id uint64) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll: EpollCtl(ADD, %d): %w", fd, err)
	}
	p.tags[int32(fd)] = id
	return nil
}

// Close releases the epoll instance. It does not close any registered
// fd — those remain owned by the caller.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Wait blocks until at least one registered fd is readable, appending
// each one's tag to dst (reused across calls to avoid allocating), and
// returns the extended slice. A negative timeoutMillis blocks
// indefinitely.
func (p *Poller) Wait(dst []uint64, timeoutMillis int) ([]uint64, error) {
	var events [16]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("epoll: EpollWait: %w", err)
	}
	for i := 0; i < n; i++ {
		if tag, ok := p.tags[events[i].Fd]; ok {
			dst = append(dst, tag)
		}
	}
	return dst, nil
}
