package balloon

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/memory-meld/virtio-balloon/internal/epoll"
	"github.com/memory-meld/virtio-balloon/virtq"
)

// queueRole identifies which of the six virtqueues an activated
// eventfd belongs to, resolved once at activation time so the hot path
// never has to re-derive it from positional queue_index==0/1/len-1/
// len-2 checks.
type queueRole int

const (
	roleInflate queueRole = iota
	roleDeflate
	roleStats
	roleReporting
	roleHeteroInflate
	roleHeteroDeflate
)

// activeQueue pairs one negotiated queue with the wire queue index its
// add_used/interrupt calls must use, and the eventfd the guest kicks
// to signal it.
type activeQueue struct {
	role    queueRole
	index   int
	queue   *virtq.Queue
	eventfd int
}

// dispatcher tags for epoll, one per event source plus the two
// control fds. These are opaque to epoll.Poller; only run and
// handleQueueEvent interpret them.
const (
	tagKill uint64 = iota
	tagPause
	tagInflate
	tagDeflate
	tagStats
	tagReporting
	tagHeteroInflate
	tagHeteroDeflate
)

var roleTag = map[queueRole]uint64{
	roleInflate:       tagInflate,
	roleDeflate:       tagDeflate,
	roleStats:         tagStats,
	roleReporting:     tagReporting,
	roleHeteroInflate: tagHeteroInflate,
	roleHeteroDeflate: tagHeteroDeflate,
}

// dispatcher is the single worker-thread event loop: one epoll set
// over the active queues' eventfds plus kill/pause, draining readiness
// into the matching request processor. It owns the PBP and every
// queue head exclusively, with no intra-device lock, because nothing
// else touches this state while it runs.
type dispatcher struct {
	poller  *epoll.Poller
	queues  []activeQueue
	killFD  int
	pauseFD int

	interrupt    Interrupt
	counters     *Counters
	hostPageSize uint64
	pbp          *partiallyBalloonedPage

	paused    bool
	pauseCond *sync.Cond
	pauseMu   sync.Mutex
}

func newDispatcher(queues []activeQueue, killFD, pauseFD int, interrupt Interrupt, counters *Counters, hostPageSize uint64) (*dispatcher, error) {
	p, err := epoll.New()
	if err != nil {
		return nil, err
	}
	d := &dispatcher{
		poller:       p,
		queues:       queues,
		killFD:       killFD,
		pauseFD:      pauseFD,
		interrupt:    interrupt,
		counters:     counters,
		hostPageSize: hostPageSize,
	}
	d.pauseCond = sync.NewCond(&d.pauseMu)

	if err := d.poller.Add(killFD, tagKill); err != nil {
		return nil, err
	}
	if err := d.poller.Add(pauseFD, tagPause); err != nil {
		return nil, err
	}
	for _, q := range queues {
		if err := d.poller.Add(q.eventfd, roleTag[q.role]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// setPaused flips the worker's pause flag from the management side. If
// the worker is parked on the pause condition, Broadcast wakes it
// directly; if it's instead blocked in epoll-wait (the common case,
// since that's where it spends nearly all its time), writing pauseFD
// forces epoll.Wait to return so the worker notices the flag on its
// next trip around the loop.
func (d *dispatcher) setPaused(paused bool) {
	d.pauseMu.Lock()
	d.paused = paused
	d.pauseMu.Unlock()
	d.pauseCond.Broadcast()

	if paused {
		var buf [8]byte
		buf[0] = 1
		if _, err := unix.Write(d.pauseFD, buf[:]); err != nil && err != unix.EAGAIN {
			log.Printf("balloon: failed to signal pause event: %v", err)
		}
	}
}

// run is the worker's body: block in epoll-wait, react to whatever
// fired, repeat until the kill fd signals. Any processor error is
// fatal and terminates the worker: a balloon-protocol violation from
// the guest has no safe resumption.
func (d *dispatcher) run() error {
	var tags []uint64
	for {
		d.pauseMu.Lock()
		for d.paused {
			d.pauseCond.Wait()
		}
		d.pauseMu.Unlock()

		var err error
		tags, err = d.poller.Wait(tags[:0], -1)
		if err != nil {
			return fmt.Errorf("balloon: dispatcher: %w", err)
		}

		for _, tag := range tags {
			if tag == tagKill {
				drainEventFD(d.killFD)
				return nil
			}
			if tag == tagPause {
				drainEventFD(d.pauseFD)
				// Stop draining this batch and re-check d.paused at the
				// top of the outer loop; any other queue tags in this
				// same batch stay ready (epoll is level-triggered) and
				// are picked up again once resumed.
				break
			}
			if err := d.handleQueueEvent(tag); err != nil {
				return err
			}
		}
	}
}

func (d *dispatcher) handleQueueEvent(tag uint64) error {
	for i := range d.queues {
		q := &d.queues[i]
		if roleTag[q.role] != tag {
			continue
		}
		if err := drainEventFD(q.eventfd); err != nil {
			return fmt.Errorf("balloon: dispatcher: %w", err)
		}
		return d.process(q)
	}
	return fmt.Errorf("balloon: dispatcher: unknown event tag %d", tag)
}

func (d *dispatcher) process(q *activeQueue) error {
	switch q.role {
	case roleInflate:
		return d.processPFN(q, pfnRelease)
	case roleDeflate:
		return d.processPFN(q, pfnReclaim)
	case roleHeteroInflate:
		return d.processPFN(q, pfnRelease)
	case roleHeteroDeflate:
		return d.processPFN(q, pfnReclaim)
	case roleStats:
		return processStatsQueue(q.queue, q.index, d.counters)
	case roleReporting:
		used, err := processReportingQueue(q.queue, q.index)
		if err != nil {
			return err
		}
		if used {
			return d.signal(q.index)
		}
		return nil
	default:
		return &InvalidQueueIndexError{Index: q.index}
	}
}

func (d *dispatcher) processPFN(q *activeQueue, action pfnAction) error {
	used, err := processPFNQueue(q.queue, q.index, action, &d.pbp, d.hostPageSize)
	if err != nil {
		return err
	}
	if used {
		return d.signal(q.index)
	}
	return nil
}

func (d *dispatcher) signal(queueIndex int) error {
	if err := d.interrupt.Trigger(InterruptEvent{Kind: InterruptQueue, QueueIndex: queueIndex}); err != nil {
		log.Printf("balloon: failed to signal used queue %d: %v", queueIndex, err)
		return fmt.Errorf("balloon: signal queue %d: %w", queueIndex, err)
	}
	return nil
}

func drainEventFD(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}
