//go:build linux

package balloon

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/guestmem"
	"github.com/memory-meld/virtio-balloon/virtq"
)

// testRing lays out a minimal split virtqueue plus a payload area in
// one page-aligned anonymous mapping, so madvise/fallocate calls
// exercised by the request processors operate on real mapped memory
// instead of an arbitrary Go heap slice.
type testRing struct {
	mem       *guestmem.Table
	buf       []byte
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	payload   uint64
	num       int
}

const testRingBase = 0x10000

func newTestRing(t *testing.T, num int) *testRing {
	t.Helper()
	const size = 1 << 20
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(buf) })

	descSize := num * 16
	availSize := 4 + num*2
	usedSize := 4 + num*8

	// The payload area starts on the first page boundary past the used
	// ring: the reporting processor madvises descriptor spans directly,
	// and madvise rejects a start address that is not page-aligned.
	r := &testRing{
		buf:       buf,
		descAddr:  testRingBase,
		availAddr: testRingBase + uint64(descSize),
		usedAddr:  testRingBase + uint64(descSize) + uint64(availSize),
		payload:   (testRingBase + uint64(descSize) + uint64(availSize) + uint64(usedSize) + 4095) &^ 4095,
		num:       num,
	}

	// The region covers guest address 0 up through the buffer's end, not
	// just [testRingBase, ...): PFN queue entries name absolute 4 KiB
	// guest addresses (e.g. PFN 5 -> 0x5000), which fall below
	// testRingBase and must still resolve to mapped memory for
	// memops.ReleaseRange/AdviseRange to succeed.
	r.mem = guestmem.NewTable()
	r.mem.AddAnonRegion(0, buf)
	return r
}

func (r *testRing) writeDesc(slot int, addr uint64, length uint32, writeOnly, hasNext bool, next uint16) {
	off := int(r.descAddr) + slot*16
	binary.LittleEndian.PutUint64(r.buf[off:], addr)
	binary.LittleEndian.PutUint32(r.buf[off+8:], length)
	var flags uint16
	if writeOnly {
		flags |= 2
	}
	if hasNext {
		flags |= 1
	}
	binary.LittleEndian.PutUint16(r.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(r.buf[off+14:], next)
}

func (r *testRing) availOffset() int { return int(r.availAddr) }
func (r *testRing) usedOffset() int  { return int(r.usedAddr) }

func (r *testRing) pushAvail(headIdx uint16) {
	off := r.availOffset()
	idx := binary.LittleEndian.Uint16(r.buf[off+2:])
	ringOff := off + 4 + int(idx)%r.num*2
	binary.LittleEndian.PutUint16(r.buf[ringOff:], headIdx)
	binary.LittleEndian.PutUint16(r.buf[off+2:], idx+1)
}

func (r *testRing) writePayload(offset uint64, b []byte) {
	base := int(r.payload + offset)
	copy(r.buf[base:], b)
}

func (r *testRing) newQueue(t *testing.T) *virtq.Queue {
	t.Helper()
	q, err := virtq.NewQueue(r.mem, r.num, r.descAddr, r.availAddr, r.usedAddr)
	if err != nil {
		t.Fatalf("virtq.NewQueue: %v", err)
	}
	return q
}

func TestProcessPFNQueueReleasesAtHostPageGranularity(t *testing.T) {
	const hostPageSize = 1 << pfnShift // 4 KiB: no PBP accumulation needed
	r := newTestRing(t, 4)

	var pfn [4]byte
	binary.LittleEndian.PutUint32(pfn[:], 5) // PFN 5 -> guest addr 5*4096
	r.writePayload(0, pfn[:])
	r.writeDesc(0, r.payload, 4, false, false, 0)
	r.pushAvail(0)

	q := r.newQueue(t)
	var pbp *partiallyBalloonedPage
	used, err := processPFNQueue(q, 0, pfnRelease, &pbp, hostPageSize)
	if err != nil {
		t.Fatalf("processPFNQueue: %v", err)
	}
	if !used {
		t.Fatal("expected a chain to be consumed")
	}
}

func TestProcessPFNQueueAccumulatesAcrossLargerHostPage(t *testing.T) {
	const hostPageSize = 16 * 1024 // 4 sub-pages of 4 KiB
	r := newTestRing(t, 8)

	// Four PFNs covering one host page, submitted as four descriptor
	// chains (one PFN each). The first processPFNQueue call drains all
	// four chains (later calls find the queue empty); the fourth PFN
	// completes the host page, which is released and the accumulator
	// reset.
	base := r.payload
	for i := 0; i < 4; i++ {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(i)) // PFNs 0..3, contiguous 4 KiB pages
		r.writePayload(uint64(i*4), b[:])
		r.writeDesc(i, base+uint64(i*4), 4, false, false, 0)
		r.pushAvail(uint16(i))
	}

	q := r.newQueue(t)
	var pbp *partiallyBalloonedPage
	for i := 0; i < 4; i++ {
		used, err := processPFNQueue(q, 0, pfnRelease, &pbp, hostPageSize)
		if err != nil {
			t.Fatalf("iteration %d: processPFNQueue: %v", i, err)
		}
		_ = used
	}
	if pbp == nil || pbp.bitmap[0] != newPartiallyBalloonedPage(hostPageSize).bitmap[0] {
		t.Fatalf("accumulator not reset after a full host page: %+v", pbp)
	}
}

func TestProcessStatsQueueStoresKnownTags(t *testing.T) {
	r := newTestRing(t, 4)

	var rec [10]byte
	binary.LittleEndian.PutUint16(rec[0:], 4) // free_memory
	binary.LittleEndian.PutUint64(rec[2:], 424242)
	r.writePayload(0, rec[:])
	r.writeDesc(0, r.payload, 10, false, false, 0)
	r.pushAvail(0)

	q := r.newQueue(t)
	counters := &Counters{}
	if err := processStatsQueue(q, 2, counters); err != nil {
		t.Fatalf("processStatsQueue: %v", err)
	}

	snap := counters.Snapshot()
	if snap["free_memory"] != 424242 {
		t.Fatalf("free_memory = %d, want 424242", snap["free_memory"])
	}
}

func TestProcessStatsQueueRejectsUnknownTag(t *testing.T) {
	r := newTestRing(t, 4)

	var rec [10]byte
	binary.LittleEndian.PutUint16(rec[0:], 99)
	r.writePayload(0, rec[:])
	r.writeDesc(0, r.payload, 10, false, false, 0)
	r.pushAvail(0)

	q := r.newQueue(t)
	counters := &Counters{}
	err := processStatsQueue(q, 2, counters)
	if err == nil {
		t.Fatal("expected an error for an unknown stat tag")
	}
	var tagErr *UnexpectedStatTagError
	if !errors.As(err, &tagErr) {
		t.Fatalf("expected *UnexpectedStatTagError, got %T: %v", err, err)
	}
	if tagErr.Tag != 99 {
		t.Fatalf("Tag = %d, want 99", tagErr.Tag)
	}
}

func TestProcessReportingQueueReleasesEachDescriptor(t *testing.T) {
	r := newTestRing(t, 4)

	r.writeDesc(0, r.payload, 4096, false, true, 1)
	r.writeDesc(1, r.payload+4096, 4096, false, false, 0)
	r.pushAvail(0)

	q := r.newQueue(t)
	used, err := processReportingQueue(q, 3)
	if err != nil {
		t.Fatalf("processReportingQueue: %v", err)
	}
	if !used {
		t.Fatal("expected a chain to be consumed")
	}
}
