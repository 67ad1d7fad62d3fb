package balloon

import "unsafe"

// Feature bits this device negotiates, matching virtio_balloon.h's
// VIRTIO_BALLOON_F_* constants (plus VIRTIO_F_VERSION_1, bit 32,
// common to every modern virtio device).
const (
	FeatureVersion1     = 32
	FeatureStatsVQ      = 1
	FeatureDeflateOnOOM = 2
	FeatureReporting    = 5
	FeatureHeteroMem    = 6
)

// QueueSize is the negotiated depth of the inflate/deflate/hetero
// queues; ReportingQueueSize is the (smaller) depth of the stats and
// free-page-reporting queues.
const (
	QueueSize          = 128
	ReportingQueueSize = 32
	MinQueues          = 2
)

// configSpace is the little-endian, pointer-free wire layout of the
// virtio balloon device's config space, straight out of
// include/uapi/linux/virtio_balloon.h. Every field is read and written
// as raw bytes (see Device.ReadConfig/WriteConfig), never through
// unaligned struct access, so field order and size here must stay
// wire-exact.
type configSpace struct {
	NumPages       uint32
	Actual         uint32
	HintCmdID      uint32
	PoisonVal      uint32
	NumHeteroPages uint32
	HeteroActual   uint32
}

const configSpaceSize = unsafe.Sizeof(configSpace{})

// Byte offsets of the two guest-writable fields. Every other offset is
// host-owned and rejects writes (see Device.WriteConfig).
const (
	configActualOffset       = 4
	configHeteroActualOffset = 20
	configActualSize         = 4
)

func (c *configSpace) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), configSpaceSize)
}

// featureBits tracks the features this device offers and the subset
// the driver has acknowledged, mirroring VirtioCommon's avail_features/
// acked_features pair.
type featureBits struct {
	avail uint64
	acked uint64
}

func (f *featureBits) ack(bits uint64) {
	f.acked |= bits & f.avail
}

func (f *featureBits) has(bit uint64) bool {
	return f.acked&(uint64(1)<<bit) != 0
}
