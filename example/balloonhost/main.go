// Command balloonhost is the minimal activation glue a device core
// itself doesn't own: it reserves guest memory, lays out the
// negotiated virtqueues inside it, wires up per-queue eventfds and an
// interrupt sink, and runs a balloon.Device until interrupted. A real
// VMM supplies this layer from its own memory and IRQ plumbing; this
// example stands in for that, the same role vhostuser/util.go's
// ServeFS plays for go-fuse (accept a connection, build a device, run
// it) — here there is no vhost-user socket, just an in-process guest
// memory region and eventfds, since the transport is out of scope.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/balloon"
	"github.com/memory-meld/virtio-balloon/guestmem"
	"github.com/memory-meld/virtio-balloon/virtq"
)

const guestBase = 0x1000_0000

// logInterrupt stands in for a VMM's irqfd: every Trigger is logged
// rather than injected into a guest, since there is no guest attached
// to this example.
type logInterrupt struct{}

func (logInterrupt) Trigger(e balloon.InterruptEvent) error {
	if e.Kind == balloon.InterruptConfig {
		log.Printf("balloonhost: config interrupt")
	} else {
		log.Printf("balloonhost: queue %d interrupt", e.QueueIndex)
	}
	return nil
}

// queueRegion returns the guest addresses for one queue's descriptor
// table, avail ring, and used ring, each page-aligned so overlapping
// queues never share a host page (irrelevant to correctness here, but
// matches how a real driver lays out queue memory).
func queueRegion(base uint64, num int) (descAddr, availAddr, usedAddr, next uint64) {
	const pageSize = 4096
	align := func(a uint64) uint64 { return (a + pageSize - 1) &^ (pageSize - 1) }

	descAddr = base
	availAddr = align(descAddr + uint64(num*16))
	usedAddr = align(availAddr + uint64(4+num*2))
	next = align(usedAddr + uint64(4+num*8))
	return
}

func main() {
	log.SetFlags(log.Lmicroseconds)

	primarySize := flag.Uint64("primary-size", 256<<20, "primary balloon target size, in bytes")
	heteroSize := flag.Uint64("hetero-size", 0, "heterogeneous-memory balloon target size, in bytes")
	memSize := flag.Uint64("mem-size", 512<<20, "size of the guest memory region to reserve, in bytes")
	statistics := flag.Bool("stats", true, "negotiate the statistics virtqueue")
	deflateOnOOM := flag.Bool("deflate-on-oom", true, "negotiate deflate-on-OOM")
	reporting := flag.Bool("reporting", true, "negotiate free page reporting")
	hetero := flag.Bool("hetero-mem", false, "negotiate the heterogeneous-memory queue pair")
	flag.Parse()

	memfd, err := unix.MemfdCreate("balloonhost-guest-mem", 0)
	if err != nil {
		log.Fatalf("balloonhost: memfd_create: %v", err)
	}
	defer unix.Close(memfd)
	if err := unix.Ftruncate(memfd, int64(*memSize)); err != nil {
		log.Fatalf("balloonhost: ftruncate: %v", err)
	}

	mem := guestmem.NewTable()
	if err := mem.AddFileRegion(memfd, 0, guestBase, *memSize); err != nil {
		log.Fatalf("balloonhost: map guest memory: %v", err)
	}

	device, err := balloon.New("balloon0", [2]uint64{*primarySize, *heteroSize},
		*statistics, *deflateOnOOM, *reporting, *hetero, uint64(os.Getpagesize()), nil, nil)
	if err != nil {
		log.Fatalf("balloonhost: New: %v", err)
	}
	device.AckFeatures(device.Features())

	sizes := device.QueueSizes()
	bindings := make([]balloon.QueueBinding, 0, len(sizes))
	base := uint64(guestBase + 4096)
	for _, num := range sizes {
		descAddr, availAddr, usedAddr, next := queueRegion(base, num)
		base = next

		q, err := virtq.NewQueue(mem, num, descAddr, availAddr, usedAddr)
		if err != nil {
			log.Fatalf("balloonhost: NewQueue: %v", err)
		}
		evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			log.Fatalf("balloonhost: eventfd: %v", err)
		}
		bindings = append(bindings, balloon.QueueBinding{Queue: q, EventFD: evfd})
	}

	if err := device.Activate(logInterrupt{}, bindings); err != nil {
		log.Fatalf("balloonhost: Activate: %v", err)
	}
	log.Printf("balloonhost: activated with %d queues, features %#x", len(bindings), device.Features())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("balloonhost: shutting down")
	if err := device.Reset(); err != nil {
		log.Fatalf("balloonhost: Reset: %v", err)
	}
	for _, b := range bindings {
		unix.Close(b.EventFD)
	}
}
