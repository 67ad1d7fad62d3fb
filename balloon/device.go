package balloon

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/virtq"
)

// QueueBinding is one negotiated virtqueue handed to Activate by the
// transport: the mapped ring plus the eventfd the guest kicks for it.
// Transports populate Queue via virtq.NewQueue against their own
// ring addresses (MMIO/PCI/vhost-user config) before calling Activate
// — ring address resolution is transport plumbing this package doesn't
// own.
type QueueBinding struct {
	Queue   *virtq.Queue
	EventFD int
}

// ConfigSnapshot is a read-only, exported view of the device's config
// space for management tooling (cmd/balloonctl) to poll.
type ConfigSnapshot struct {
	NumPages       uint32
	Actual         uint32
	HintCmdID      uint32
	PoisonVal      uint32
	NumHeteroPages uint32
	HeteroActual   uint32
}

// Device is the virtio balloon device: feature negotiation, config
// space, and the activation/reset lifecycle around a single
// dispatcher worker. It has no exported fields; all mutation goes
// through its methods so activation state and the worker stay
// consistent.
type Device struct {
	mu sync.Mutex

	id       string
	features featureBits
	config   configSpace
	counters *Counters

	statistics        bool
	deflateOnOOM      bool
	freePageReporting bool
	heterogeneousMem  bool

	hostPageSize uint64
	spawner      ThreadSpawner

	activated bool
	paused    bool

	killFD, pauseFD int
	disp            *dispatcher
	interrupt       Interrupt

	// group supervises the single worker goroutine started by
	// Activate, coordinating it with a shared terminal error value.
	group *errgroup.Group
}

// New constructs a balloon device. size holds [primary_bytes,
// hetero_bytes]; hostPageSize is the host's actual page size (used to
// decide whether PFN releases need PBP accumulation, pbp.go). If state
// is non-nil the device restores avail/acked features and config
// space verbatim and starts paused.
func New(id string, size [2]uint64, statistics, deflateOnOOM, freePageReporting, heterogeneousMem bool, hostPageSize uint64, spawner ThreadSpawner, state *SnapshotState) (*Device, error) {
	d := &Device{
		id:                id,
		counters:          &Counters{},
		statistics:        statistics,
		deflateOnOOM:      deflateOnOOM,
		freePageReporting: freePageReporting,
		heterogeneousMem:  heterogeneousMem,
		hostPageSize:      hostPageSize,
		spawner:           spawner,
	}

	if state != nil {
		log.Printf("balloon: restoring virtio-balloon %s", id)
		d.features.avail = state.AvailFeatures
		d.features.acked = state.AckedFeatures
		d.config = state.Config
		d.paused = true
		return d, nil
	}

	d.features.avail = uint64(1) << FeatureVersion1
	if statistics {
		d.features.avail |= uint64(1) << FeatureStatsVQ
	}
	if deflateOnOOM {
		d.features.avail |= uint64(1) << FeatureDeflateOnOOM
	}
	if freePageReporting {
		d.features.avail |= uint64(1) << FeatureReporting
	}
	if heterogeneousMem {
		d.features.avail |= uint64(1) << FeatureHeteroMem
	}

	d.config.NumPages = uint32(size[0] >> pfnShift)
	d.config.NumHeteroPages = uint32(size[1] >> pfnShift)
	return d, nil
}

// QueueSizes returns the queue-size vector a transport must build
// queues from, in activation order: [128, 128], +32 if stats, +32 if
// reporting, +[128,128] if hetero.
func (d *Device) QueueSizes() []int {
	sizes := []int{QueueSize, QueueSize}
	if d.statistics {
		sizes = append(sizes, ReportingQueueSize)
	}
	if d.freePageReporting {
		sizes = append(sizes, ReportingQueueSize)
	}
	if d.heterogeneousMem {
		sizes = append(sizes, QueueSize, QueueSize)
	}
	return sizes
}

// Features returns the features this device offers.
func (d *Device) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features.avail
}

// AckFeatures intersects v with the offered features and ORs the
// result into the acknowledged set; acking bits twice or acking
// unavailable bits is a no-op beyond that intersection.
func (d *Device) AckFeatures(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.features.ack(v)
}

// ReadConfig copies config space bytes starting at offset into data,
// truncating silently if the read runs past the end of config space.
func (d *Device) ReadConfig(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.config.bytes()
	if offset >= uint64(len(src)) {
		return
	}
	n := copy(data, src[offset:])
	_ = n
}

// WriteConfig accepts only a guest write of exactly 4 bytes at offset
// 4 (actual) or offset 20 (hetero_actual); anything else is logged and
// dropped.
func (d *Device) WriteConfig(offset uint64, data []byte) {
	if (offset != configActualOffset && offset != configHeteroActualOffset) || len(data) != configActualSize {
		log.Printf("balloon: %s: attempt to write read-only config field: offset %#x length %d", d.id, offset, len(data))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	dst := d.config.bytes()
	copy(dst[offset:offset+configActualSize], data)
}

// ActualBytes returns the guest-reported balloon size in bytes.
func (d *Device) ActualBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.config.Actual) << pfnShift
}

// HeteroActualBytes returns the guest-reported heterogeneous balloon
// size in bytes.
func (d *Device) HeteroActualBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.config.HeteroActual) << pfnShift
}

// ConfigSnapshot returns a copy of the current config space for
// read-only inspection (cmd/balloonctl).
func (d *Device) ConfigSnapshot() ConfigSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.config
	return ConfigSnapshot{
		NumPages:       c.NumPages,
		Actual:         c.Actual,
		HintCmdID:      c.HintCmdID,
		PoisonVal:      c.PoisonVal,
		NumHeteroPages: c.NumHeteroPages,
		HeteroActual:   c.HeteroActual,
	}
}

// Counters returns the device's live statistics counters.
func (d *Device) Counters() *Counters { return d.counters }

// Resize updates the requested balloon sizes and, if the device is
// already activated, raises a Config interrupt so the guest re-reads
// config space.
func (d *Device) Resize(size [2]uint64) error {
	d.mu.Lock()
	d.config.NumPages = uint32(size[0] >> pfnShift)
	d.config.NumHeteroPages = uint32(size[1] >> pfnShift)
	activated := d.activated
	interrupt := d.interrupt
	d.mu.Unlock()

	if !activated || interrupt == nil {
		return nil
	}
	return interrupt.Trigger(InterruptEvent{Kind: InterruptConfig})
}

// Activate assembles the dispatcher from the transport-supplied queue
// bindings and starts the worker. Optional queues (stats, reporting,
// hetero) are only consumed if their feature bit was acked and queues
// remain, in declaration order.
func (d *Device) Activate(interrupt Interrupt, queues []QueueBinding) error {
	d.mu.Lock()
	if d.activated {
		d.mu.Unlock()
		return ErrAlreadyActivated
	}
	if len(queues) < MinQueues {
		d.mu.Unlock()
		return fmt.Errorf("balloon: activate: need at least %d queues, got %d", MinQueues, len(queues))
	}

	var active []activeQueue
	idx := 0
	take := func(role queueRole) {
		active = append(active, activeQueue{role: role, index: idx, queue: queues[idx].Queue, eventfd: queues[idx].EventFD})
		idx++
	}

	take(roleInflate)
	take(roleDeflate)
	if d.features.has(FeatureStatsVQ) && idx < len(queues) {
		take(roleStats)
	}
	if d.features.has(FeatureReporting) && idx < len(queues) {
		take(roleReporting)
	}
	if d.features.has(FeatureHeteroMem) && idx < len(queues) {
		take(roleHeteroInflate)
	}
	if d.features.has(FeatureHeteroMem) && idx < len(queues) {
		take(roleHeteroDeflate)
	}

	killFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("balloon: activate: eventfd(kill): %w", err)
	}
	pauseFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(killFD)
		d.mu.Unlock()
		return fmt.Errorf("balloon: activate: eventfd(pause): %w", err)
	}

	disp, err := newDispatcher(active, killFD, pauseFD, interrupt, d.counters, d.hostPageSize)
	if err != nil {
		unix.Close(killFD)
		unix.Close(pauseFD)
		d.mu.Unlock()
		return err
	}
	// A device restored from a paused snapshot (New(..., state) sets
	// d.paused true) must start its worker paused, not running.
	disp.setPaused(d.paused)

	d.killFD, d.pauseFD = killFD, pauseFD
	d.disp = disp
	d.interrupt = interrupt
	d.activated = true
	d.group = &errgroup.Group{}
	spawner := d.spawner
	d.mu.Unlock()

	d.group.Go(func() error {
		if spawner != nil {
			return spawner.Spawn(d.id, "VirtioBalloon", disp.run)
		}
		return disp.run()
	})
	return nil
}

// Wait blocks until the worker started by Activate exits, returning
// its terminal error (nil on an ordinary kill-triggered shutdown).
func (d *Device) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Reset quiesces the device: signals kill, joins the worker, and
// clears activation state so the device can be activated again.
func (d *Device) Reset() error {
	d.mu.Lock()
	if !d.activated {
		d.mu.Unlock()
		return nil
	}
	killFD, pauseFD, g := d.killFD, d.pauseFD, d.group
	d.mu.Unlock()

	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(killFD, buf[:]); err != nil {
		log.Printf("balloon: %s: failed to signal kill event: %v", d.id, err)
	}
	if g != nil {
		if err := g.Wait(); err != nil {
			log.Printf("balloon: %s: worker exited with error: %v", d.id, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	unix.Close(killFD)
	unix.Close(pauseFD)
	if d.disp != nil {
		d.disp.poller.Close()
	}
	d.disp = nil
	d.group = nil
	d.interrupt = nil
	d.activated = false
	d.paused = false
	return nil
}

// SetPaused toggles the worker's pause flag, used by the management
// plane's pause/resume lifecycle.
func (d *Device) SetPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	disp := d.disp
	d.mu.Unlock()
	if disp != nil {
		disp.setPaused(paused)
	}
}
