package balloon

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/memops"
	"github.com/memory-meld/virtio-balloon/virtq"
)

// The stats virtqueue carries back-to-back {tag u16, val u64} entries
// with no inter-field padding (the guest writes them as a C packed
// struct). Go has no packed-struct equivalent, so tag and val are read
// as two separate fixed-width values at fixed offsets rather than one
// struct, to avoid picking up Go's natural 8-byte alignment padding
// between them.
const (
	pfnChunkSize  = 4  // size of uint32, one PFN per chunk
	statValOffset = 2  // tag is 2 bytes, val starts right after
	statChunkSize = 10 // 2-byte tag + 8-byte val, unpadded
)

// pfnAction distinguishes the two things a PFN queue entry can ask
// for: shrinking host memory backing that PFN, or growing it back.
// Both the plain inflate/deflate pair and the heterogeneous-memory
// pair resolve to one of these two actions, rather than branching on
// positional queue index.
type pfnAction int

const (
	pfnRelease pfnAction = iota
	pfnReclaim
)

// processPFNQueue drains every available descriptor chain on q,
// applying action to each 4 KiB PFN it carries, and reports whether
// any chain was consumed (the caller uses this to decide whether to
// signal the queue's interrupt).
//
// pbp is the device's shared partially-ballooned-page accumulator: a
// release on a host whose page size exceeds 4 KiB only actually
// reclaims memory once every 4 KiB slot of the containing host page
// has been reported, per pbp.go.
func processPFNQueue(q *virtq.Queue, queueIndex int, action pfnAction, pbp **partiallyBalloonedPage, hostPageSize uint64) (bool, error) {
	usedAny := false
	for {
		chain, err := q.PopChain()
		if err != nil {
			return usedAny, fmt.Errorf("balloon: queue %d: %w", queueIndex, err)
		}
		if chain == nil {
			break
		}

		desc, ok := chain.Next()
		if !ok {
			return usedAny, ErrDescriptorChainTooShort
		}
		if desc.WriteOnly {
			return usedAny, ErrUnexpectedWriteOnlyDescriptor
		}
		if desc.Len%pfnChunkSize != 0 {
			return usedAny, fmt.Errorf("%w: length %d", ErrInvalidRequest, desc.Len)
		}

		mem := chain.Memory()
		for offset := uint32(0); offset < desc.Len; offset += pfnChunkSize {
			var pfn uint32
			if err := mem.ReadObject(desc.Addr+uint64(offset), &pfn); err != nil {
				return usedAny, fmt.Errorf("balloon: queue %d: %w", queueIndex, err)
			}

			switch action {
			case pfnRelease:
				if err := releasePFN(mem, pbp, hostPageSize, pfn); err != nil {
					return usedAny, fmt.Errorf("balloon: queue %d: %w", queueIndex, err)
				}
			case pfnReclaim:
				if err := reclaimPFN(mem, hostPageSize, pfn); err != nil {
					return usedAny, fmt.Errorf("balloon: queue %d: %w", queueIndex, err)
				}
			}
		}

		q.AddUsed(chain.HeadIndex(), desc.Len)
		usedAny = true
	}
	return usedAny, nil
}

func alignPageSizeDown(addr, pageSize uint64) uint64 {
	return addr &^ (pageSize - 1)
}

// releasePFN reclaims the 4 KiB page named by pfn, accumulating into
// *pbp first if the host page size is larger than 4 KiB.
func releasePFN(mem virtq.GuestMemory, pbp **partiallyBalloonedPage, hostPageSize uint64, pfn uint32) error {
	base := uint64(pfn) << pfnShift
	const rangeLen = uint64(1) << pfnShift

	if hostPageSize == 1<<pfnShift {
		return memops.ReleaseRange(mem, base, rangeLen)
	}

	if *pbp == nil {
		*pbp = newPartiallyBalloonedPage(hostPageSize)
	}
	p := *pbp

	if !p.pfnMatch(base) {
		// A PFN landed on a different host page than the one in
		// progress: flush (discard) the partial accumulation and
		// start tracking the new page. Intentional, see pbp.go.
		p.reset()
		p.addr = alignPageSizeDown(base, hostPageSize)
	}

	p.setBit(base)
	if p.bitmapFull() {
		if err := memops.ReleaseRange(mem, p.addr, hostPageSize); err != nil {
			return err
		}
		p.reset()
	}
	return nil
}

// reclaimPFN advises the kernel that the host page containing pfn's
// 4 KiB range will be needed again, undoing a prior release.
func reclaimPFN(mem virtq.GuestMemory, hostPageSize uint64, pfn uint32) error {
	base := alignPageSizeDown(uint64(pfn)<<pfnShift, hostPageSize)
	return memops.AdviseRange(mem, base, hostPageSize, unix.MADV_WILLNEED)
}

// processStatsQueue drains every available chain on q, storing each
// {tag, val} entry into counters. This deliberately never signals an
// interrupt back to the guest — the host only consumes these stats on
// its own schedule (cmd/balloonctl's poll loop, or any embedder's
// management API), it never asks the guest to refresh them.
func processStatsQueue(q *virtq.Queue, queueIndex int, counters *Counters) error {
	for {
		chain, err := q.PopChain()
		if err != nil {
			return fmt.Errorf("balloon: stats queue %d: %w", queueIndex, err)
		}
		if chain == nil {
			return nil
		}

		desc, ok := chain.Next()
		if !ok {
			return ErrDescriptorChainTooShort
		}
		if desc.WriteOnly {
			return ErrUnexpectedWriteOnlyDescriptor
		}
		if desc.Len%statChunkSize != 0 {
			return fmt.Errorf("%w: length %d", ErrInvalidRequest, desc.Len)
		}

		mem := chain.Memory()
		for offset := uint32(0); offset < desc.Len; offset += statChunkSize {
			var tag uint16
			var val uint64
			base := desc.Addr + uint64(offset)
			if err := mem.ReadObject(base, &tag); err != nil {
				return fmt.Errorf("balloon: stats queue %d: %w", queueIndex, err)
			}
			if err := mem.ReadObject(base+statValOffset, &val); err != nil {
				return fmt.Errorf("balloon: stats queue %d: %w", queueIndex, err)
			}
			if !counters.set(tag, val) {
				return &UnexpectedStatTagError{Tag: tag}
			}
		}

		q.AddUsed(chain.HeadIndex(), desc.Len)
	}
}

// processReportingQueue drains every available chain on q, releasing
// each descriptor's (addr, len) span directly — the guest already
// picked free-page-sized, host-page-aligned spans, so no PBP
// accumulation is needed here.
func processReportingQueue(q *virtq.Queue, queueIndex int) (bool, error) {
	usedAny := false
	for {
		chain, err := q.PopChain()
		if err != nil {
			return usedAny, fmt.Errorf("balloon: reporting queue %d: %w", queueIndex, err)
		}
		if chain == nil {
			break
		}

		mem := chain.Memory()
		var total uint32
		for {
			desc, ok := chain.Next()
			if !ok {
				break
			}
			total += desc.Len
			if err := memops.ReleaseRange(mem, desc.Addr, uint64(desc.Len)); err != nil {
				return usedAny, fmt.Errorf("balloon: reporting queue %d: %w", queueIndex, err)
			}
		}

		q.AddUsed(chain.HeadIndex(), total)
		usedAny = true
	}
	return usedAny, nil
}
