package balloon

import "sync/atomic"

// statTag identifies one entry of a VIRTIO_BALLOON_S_* statistics
// report, in wire order.
type statTag uint16

const (
	statSwapIn statTag = iota
	statSwapOut
	statMajorFaults
	statMinorFaults
	statFreeMemory
	statTotalMemory
	statAvailableMemory
	statDiskCaches
	statHugetlbAllocations
	statHugetlbFailures
)

var statNames = [...]string{
	statSwapIn:             "swap_in",
	statSwapOut:            "swap_out",
	statMajorFaults:        "major_faults",
	statMinorFaults:        "minor_faults",
	statFreeMemory:         "free_memory",
	statTotalMemory:        "total_memory",
	statAvailableMemory:    "available_memory",
	statDiskCaches:         "disk_caches",
	statHugetlbAllocations: "hugetlb_allocations",
	statHugetlbFailures:    "hugetlb_failures",
}

// Counters holds the ten memory statistics the guest reports over the
// stats virtqueue. Each is an independent atomic gauge rather than a
// struct of plain fields, since the stats processor and any reader
// (cmd/balloonctl, tests) run on different goroutines with no other
// synchronization between them.
type Counters struct {
	values [len(statNames)]atomic.Uint64
}

// set stores val for the given wire tag. ok is false for an unknown
// tag, in which case the caller should report UnexpectedStatTagError
// and stop processing the chain.
func (c *Counters) set(tag uint16, val uint64) bool {
	if int(tag) >= len(c.values) {
		return false
	}
	c.values[tag].Store(val)
	return true
}

// Snapshot returns the current value of every named counter as plain
// uint64s.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(statNames))
	for tag, name := range statNames {
		out[name] = c.values[tag].Load()
	}
	return out
}
