//go:build linux

package balloon

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNewBuildsFeaturesAndConfig(t *testing.T) {
	d, err := New("balloon0", [2]uint64{64 << 20, 32 << 20}, true, true, true, true, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := uint64(1)<<FeatureVersion1 | uint64(1)<<FeatureStatsVQ | uint64(1)<<FeatureDeflateOnOOM |
		uint64(1)<<FeatureReporting | uint64(1)<<FeatureHeteroMem
	if got := d.Features(); got != want {
		t.Fatalf("Features() = %#x, want %#x", got, want)
	}

	cfg := d.ConfigSnapshot()
	if cfg.NumPages != uint32((64<<20)>>pfnShift) {
		t.Fatalf("NumPages = %d, want %d", cfg.NumPages, uint32((64<<20)>>pfnShift))
	}
	if cfg.NumHeteroPages != uint32((32<<20)>>pfnShift) {
		t.Fatalf("NumHeteroPages = %d, want %d", cfg.NumHeteroPages, uint32((32<<20)>>pfnShift))
	}

	sizes := d.QueueSizes()
	want6 := []int{QueueSize, QueueSize, ReportingQueueSize, ReportingQueueSize, QueueSize, QueueSize}
	if len(sizes) != len(want6) {
		t.Fatalf("QueueSizes() = %v, want %v", sizes, want6)
	}
	for i := range want6 {
		if sizes[i] != want6[i] {
			t.Fatalf("QueueSizes()[%d] = %d, want %d", i, sizes[i], want6[i])
		}
	}
}

func TestNewMinimalFeatureSet(t *testing.T) {
	d, err := New("balloon0", [2]uint64{0, 0}, false, false, false, false, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := d.Features(); got != uint64(1)<<FeatureVersion1 {
		t.Fatalf("Features() = %#x, want version-1 only", got)
	}
	if got := len(d.QueueSizes()); got != MinQueues {
		t.Fatalf("QueueSizes() has %d entries, want %d", got, MinQueues)
	}
}

func TestReadConfigTruncatesOutOfRange(t *testing.T) {
	d, err := New("balloon0", [2]uint64{4096, 0}, false, false, false, false, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := make([]byte, 4)
	d.ReadConfig(1<<20, buf) // far out of range: should just not panic, leaving buf zeroed
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("out-of-range ReadConfig wrote data: %v", buf)
		}
	}
}

func TestWriteConfigOnlyAcceptsActualFields(t *testing.T) {
	d, err := New("balloon0", [2]uint64{0, 0}, false, false, false, false, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := d.ConfigSnapshot()
	d.WriteConfig(0, []byte{1, 2, 3, 4}) // num_pages is read-only
	if after := d.ConfigSnapshot(); after != before {
		t.Fatalf("read-only field was written: %+v -> %+v", before, after)
	}

	d.WriteConfig(configActualOffset, []byte{9, 0, 0, 0})
	if got := d.ConfigSnapshot().Actual; got != 9 {
		t.Fatalf("Actual = %d, want 9", got)
	}
	if got := d.ActualBytes(); got != 9<<pfnShift {
		t.Fatalf("ActualBytes() = %d, want %d", got, uint64(9)<<pfnShift)
	}
}

func TestStateRoundTrip(t *testing.T) {
	orig, err := New("balloon0", [2]uint64{8192, 4096}, true, false, true, false, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orig.AckFeatures(orig.Features())
	orig.WriteConfig(configActualOffset, []byte{3, 0, 0, 0})

	state := orig.State()
	restored, err := New("balloon0", [2]uint64{0, 0}, false, false, false, false, 4096, nil, &state)
	if err != nil {
		t.Fatalf("New(restored): %v", err)
	}

	if restored.Features() != orig.Features() {
		t.Fatalf("restored avail features = %#x, want %#x", restored.Features(), orig.Features())
	}
	if restored.ConfigSnapshot() != orig.ConfigSnapshot() {
		t.Fatalf("restored config = %+v, want %+v", restored.ConfigSnapshot(), orig.ConfigSnapshot())
	}
}

type fakeInterrupt struct {
	events chan InterruptEvent
}

func (f *fakeInterrupt) Trigger(e InterruptEvent) error {
	f.events <- e
	return nil
}

func TestActivateProcessesKickAndReset(t *testing.T) {
	d, err := New("balloon0", [2]uint64{0, 0}, false, false, false, false, 4096, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r0 := newTestRing(t, 4)
	r1 := newTestRing(t, 4)
	q0 := r0.newQueue(t)
	q1 := r1.newQueue(t)

	ev0, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	ev1, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(ev0)
	defer unix.Close(ev1)

	interrupt := &fakeInterrupt{events: make(chan InterruptEvent, 4)}
	err = d.Activate(interrupt, []QueueBinding{
		{Queue: q0, EventFD: ev0},
		{Queue: q1, EventFD: ev1},
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	var pfn [4]byte
	r0.writePayload(0, pfn[:]) // PFN 0
	r0.writeDesc(0, r0.payload, 4, false, false, 0)
	r0.pushAvail(0)

	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(ev0, buf[:]); err != nil {
		t.Fatalf("kick: %v", err)
	}

	select {
	case ev := <-interrupt.events:
		if ev.Kind != InterruptQueue || ev.QueueIndex != 0 {
			t.Fatalf("unexpected interrupt: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupt after kick")
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
}
