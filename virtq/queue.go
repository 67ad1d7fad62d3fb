// Package virtq implements the "descriptor-chain iterator" collaborator:
// a split virtqueue (desc table + avail/used rings) mapped out of guest
// memory, with chain walking and used-ring bookkeeping. It is the
// balloon-specific descendant of vhostuser's Virtq/Ring plumbing.
package virtq

import (
	"fmt"
	"unsafe"

	"github.com/memory-meld/virtio-balloon/guestmem"
)

// GuestMemory is the view of guest memory a Queue needs to map rings
// and resolve descriptor addresses. *guestmem.Table satisfies it; a
// production embedder may substitute its own implementation.
type GuestMemory interface {
	FindRegion(addr uint64) (guestmem.Region, bool)
	HostAddress(addr uint64) (unsafe.Pointer, bool)
	ReadObject(addr uint64, out any) error
}

// DescriptorChain is one popped, already-walked chain of descriptors,
// read head to tail.
type DescriptorChain interface {
	HeadIndex() uint16
	Next() (Descriptor, bool)
	Memory() GuestMemory
}

// virtio_ring.h descriptor flags.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// wireDesc is the 16-byte, wire-identical layout of one ring
// descriptor, mapped directly out of guest memory.
type wireDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type wireUsedElem struct {
	ID  uint32
	Len uint32
}

// Descriptor is one entry of a resolved descriptor chain: either a
// buffer to be read through guest memory (inflate/deflate/stats) or,
// for the reporting queue, a (addr, len) region to act on directly.
type Descriptor struct {
	Addr      uint64
	Len       uint32
	WriteOnly bool
}

// Queue is one split virtqueue, mapped from guest-supplied ring
// addresses the way vhostuser.Device.MapRing does.
type Queue struct {
	Num int

	desc      []wireDesc
	availIdx  *uint16
	availRing []uint16
	usedIdx   *uint16
	usedRing  []wireUsedElem

	mem GuestMemory

	lastAvail uint16
}

// NewQueue maps a queue of the given size out of guest memory at the
// three ring addresses the driver negotiated, mirroring
// vhostuser.Device.MapRing.
func NewQueue(mem GuestMemory, num int, descAddr, availAddr, usedAddr uint64) (*Queue, error) {
	descPtr, ok := mem.HostAddress(descAddr)
	if !ok {
		return nil, fmt.Errorf("virtq: could not map descriptor table at %#x", descAddr)
	}
	availPtr, ok := mem.HostAddress(availAddr)
	if !ok {
		return nil, fmt.Errorf("virtq: could not map avail ring at %#x", availAddr)
	}
	usedPtr, ok := mem.HostAddress(usedAddr)
	if !ok {
		return nil, fmt.Errorf("virtq: could not map used ring at %#x", usedAddr)
	}

	// Layout: avail = {flags u16, idx u16, ring[num] u16, ...}
	//         used  = {flags u16, idx u16, ring[num] usedElem, ...}
	availIdxPtr := (*uint16)(unsafe.Add(availPtr, 2))
	availRingPtr := (*uint16)(unsafe.Add(availPtr, 4))
	usedIdxPtr := (*uint16)(unsafe.Add(usedPtr, 2))
	usedRingPtr := (*wireUsedElem)(unsafe.Add(usedPtr, 4))

	return &Queue{
		Num:       num,
		desc:      unsafe.Slice((*wireDesc)(descPtr), num),
		availIdx:  availIdxPtr,
		availRing: unsafe.Slice(availRingPtr, num),
		usedIdx:   usedIdxPtr,
		usedRing:  unsafe.Slice(usedRingPtr, num),
		mem:       mem,
	}, nil
}

// Chain is one popped descriptor chain, already walked and expanded
// (indirect tables included). It implements DescriptorChain.
type Chain struct {
	headIndex uint16
	descs     []Descriptor
	pos       int
	mem       GuestMemory
}

// HeadIndex returns the chain's head descriptor index, the value
// AddUsed must be called with once the chain is consumed.
func (c *Chain) HeadIndex() uint16 { return c.headIndex }

// Next returns the next unread descriptor in the chain, advancing the
// cursor, or ok=false once the chain is exhausted.
func (c *Chain) Next() (Descriptor, bool) {
	if c.pos >= len(c.descs) {
		return Descriptor{}, false
	}
	d := c.descs[c.pos]
	c.pos++
	return d, true
}

// Memory returns the guest memory the chain's descriptors address.
func (c *Chain) Memory() GuestMemory { return c.mem }

// Len reports the total byte length of every descriptor in the chain,
// the value add_used reports for the reporting queue.
func (c *Chain) Len() uint32 {
	var n uint32
	for _, d := range c.descs {
		n += d.Len
	}
	return n
}

func (q *Queue) empty() bool {
	return *q.availIdx == q.lastAvail
}

// PopChain returns the next available descriptor chain, or nil if the
// avail ring is empty. It mirrors vhostuser.Device.popQueue /
// queueMapDesc, minus the vhost-user inflight/resubmit bookkeeping
// that only matters for vhost-user's crash-recovery protocol.
func (q *Queue) PopChain() (*Chain, error) {
	if q.empty() {
		return nil, nil
	}

	idx := int(q.lastAvail) % q.Num
	head := q.availRing[idx]
	if int(head) >= q.Num {
		return nil, fmt.Errorf("virtq: avail ring points past descriptor table: %d >= %d", head, q.Num)
	}
	q.lastAvail++

	descs, err := q.walk(int(head))
	if err != nil {
		return nil, err
	}
	return &Chain{headIndex: head, descs: descs, mem: q.mem}, nil
}

func (q *Queue) walk(head int) ([]Descriptor, error) {
	table := q.desc
	d := table[head]

	if d.Flags&descFIndirect != 0 {
		const eltSize = uint32(unsafe.Sizeof(wireDesc{}))
		if d.Len%eltSize != 0 {
			return nil, fmt.Errorf("virtq: indirect table length %d not a multiple of %d", d.Len, eltSize)
		}
		raw, ok := q.mem.HostAddress(d.Addr)
		if !ok {
			return nil, fmt.Errorf("virtq: indirect table at %#x is unmapped", d.Addr)
		}
		table = unsafe.Slice((*wireDesc)(raw), d.Len/eltSize)
		d = table[0]
		head = 0
	}

	var out []Descriptor
	for {
		out = append(out, Descriptor{Addr: d.Addr, Len: d.Len, WriteOnly: d.Flags&descFWrite != 0})
		if d.Flags&descFNext == 0 {
			break
		}
		head = int(d.Next)
		if head >= len(table) {
			return nil, fmt.Errorf("virtq: chain next index %d out of range", head)
		}
		d = table[head]
	}
	return out, nil
}

// AddUsed marks headIndex used with length len, matching
// vhostuser.Device.pushQueue.
func (q *Queue) AddUsed(headIndex uint16, length uint32) {
	idx := int(*q.usedIdx) % q.Num
	q.usedRing[idx] = wireUsedElem{ID: uint32(headIndex), Len: length}
	*q.usedIdx++
}
