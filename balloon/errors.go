package balloon

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the request processors and Device. A
// handful of variants that only differ by the syscall they wrap are
// collapsed together, since Go already carries that distinction via
// fmt.Errorf's %w wrapping instead of a dedicated error value per
// syscall.
var (
	ErrUnexpectedWriteOnlyDescriptor = errors.New("balloon: head descriptor is write-only, expected readable")
	ErrInvalidRequest                = errors.New("balloon: request length is not a multiple of the element size")
	ErrDescriptorChainTooShort       = errors.New("balloon: descriptor chain is empty")
	ErrNotActivated                  = errors.New("balloon: device has not been activated")
	ErrAlreadyActivated              = errors.New("balloon: device is already activated")
)

// ErrInvalidQueueIndex and ErrUnexpectedStatTag let callers match the
// payload-carrying error types below with plain errors.Is, without
// needing to know the concrete type or extract the payload.
var (
	ErrInvalidQueueIndex = errors.New("balloon: invalid queue index")
	ErrUnexpectedStatTag = errors.New("balloon: unexpected balloon statistic tag")
)

// InvalidQueueIndexError reports a process call against a queue index
// that doesn't correspond to any negotiated inflate/deflate pair.
type InvalidQueueIndexError struct {
	Index int
}

func (e *InvalidQueueIndexError) Error() string {
	return fmt.Sprintf("balloon: invalid queue index: %d", e.Index)
}

func (e *InvalidQueueIndexError) Is(target error) bool {
	return target == ErrInvalidQueueIndex
}

// UnexpectedStatTagError reports a stats queue entry whose tag doesn't
// match any of the ten known VIRTIO_BALLOON_S_* statistics.
type UnexpectedStatTagError struct {
	Tag uint16
}

func (e *UnexpectedStatTagError) Error() string {
	return fmt.Sprintf("balloon: unexpected balloon statistic tag: %d", e.Tag)
}

func (e *UnexpectedStatTagError) Is(target error) bool {
	return target == ErrUnexpectedStatTag
}
