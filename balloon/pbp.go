package balloon

// pfnShift is the guest page order the virtio balloon PFN queues speak
// in: every inflate/deflate PFN names a 4 KiB page regardless of the
// host's actual page size.
const pfnShift = 12

// partiallyBalloonedPage accumulates 4 KiB PFN hints into a bitmap
// covering one host-page-sized region, so that a release (hole-punch +
// advise) only happens once every 4 KiB slot of a host page has been
// reported balloon-worthy by the guest. This is necessary whenever the
// host's page size is larger than 4 KiB; callers on a 4 KiB host skip
// it entirely (see releasePFN in processors.go).
type partiallyBalloonedPage struct {
	addr     uint64
	bitmap   []uint64
	pageSize uint64
}

// newPartiallyBalloonedPage returns an accumulator for the given host
// page size with every bit initialized to 0 except the trailing
// padding bits of the last word, which start at 1 so a pageSize that
// isn't a multiple of 64*4KiB doesn't need bitmapFull to special-case
// the tail.
func newPartiallyBalloonedPage(pageSize uint64) *partiallyBalloonedPage {
	p := &partiallyBalloonedPage{pageSize: pageSize}
	p.resetBitmap()
	return p
}

func (p *partiallyBalloonedPage) words() uint64 {
	return ((p.pageSize >> pfnShift) + 63) / 64
}

func (p *partiallyBalloonedPage) resetBitmap() {
	n := p.words()
	p.bitmap = make([]uint64, n)
	padBits := n*64 - (p.pageSize >> pfnShift)
	p.bitmap[n-1] = ^((uint64(1) << (64 - padBits)) - 1)
}

// pfnMatch reports whether addr falls within the host page this
// accumulator currently tracks.
func (p *partiallyBalloonedPage) pfnMatch(addr uint64) bool {
	return p.addr == addr&^(p.pageSize-1)
}

// bitmapFull reports whether every 4 KiB slot of the tracked host page
// has been marked.
func (p *partiallyBalloonedPage) bitmapFull() bool {
	for _, w := range p.bitmap {
		if w != ^uint64(0) {
			return false
		}
	}
	return true
}

// setBit marks the 4 KiB slot containing addr.
func (p *partiallyBalloonedPage) setBit(addr uint64) {
	slot := (addr % p.pageSize) >> pfnShift
	p.bitmap[slot/64] |= 1 << (slot % 64)
}

// reset clears the accumulator back to an empty bitmap at address 0,
// discarding whatever partial progress had accumulated. This is also
// what runs, intentionally, when a new PFN lands on a different host
// page than the one in progress: the old partial bitmap is silently
// dropped rather than released early. This is a deliberate, known
// sharp edge: guests are expected to report a host page's sub-pages
// contiguously rather than interleaved with another page's.
func (p *partiallyBalloonedPage) reset() {
	p.addr = 0
	p.resetBitmap()
}
