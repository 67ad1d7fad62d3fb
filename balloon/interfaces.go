package balloon

// InterruptKind distinguishes a used-queue notification from a
// config-space change notification, the two interrupt types a virtio
// device can raise.
type InterruptKind int

const (
	// InterruptQueue signals that a specific queue has new used
	// entries. QueueIndex identifies which queue on InterruptEvent.
	InterruptQueue InterruptKind = iota
	// InterruptConfig signals that the device's config space changed
	// (Device.Resize triggers this).
	InterruptConfig
)

// InterruptEvent is the payload passed to Interrupt.Trigger.
type InterruptEvent struct {
	Kind       InterruptKind
	QueueIndex int // meaningful only when Kind == InterruptQueue
}

// Interrupt is how a Device notifies the driver of activity, standing
// in for the transport-specific interrupt mechanism Activate is handed
// by its caller. A production embedder supplies its own (MMIO
// doorbell, vhost-user call fd, ...).
type Interrupt interface {
	Trigger(event InterruptEvent) error
}

// ThreadSpawner starts the dispatcher's worker under whatever thread
// naming/scheduling policy the embedder wants (e.g. a seccomp filter
// plus a thread name). A nil Spawner makes Device.Activate run the
// dispatcher with a plain go statement and no name/policy applied.
type ThreadSpawner interface {
	Spawn(name string, policy string, fn func() error) error
}
