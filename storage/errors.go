package storage

import (
	"errors"
	"fmt"

	"github.com/virtstor/virtstor"
)

// ErrMetadataNotFound is returned when a volume's metadata record does not
// exist in the store.
var ErrMetadataNotFound = errors.New("volume metadata not found")

// GenerationMismatchError rejects a mutation whose caller holds a stale view
// of the volume.
type GenerationMismatchError struct {
	Volume    virtstor.UUID
	Requested int
	Actual    int
}

func (e GenerationMismatchError) Error() string {
	return fmt.Sprintf("generation mismatch for volume %s: requested %d, actual %d", e.Volume, e.Requested, e.Actual)
}

// NotInChainError reports a volume that is not a member of the resolved chain.
type NotInChainError struct {
	Image  virtstor.UUID
	Volume virtstor.UUID
}

func (e NotInChainError) Error() string {
	return fmt.Sprintf("volume %s is not in the chain of image %s", e.Volume, e.Image)
}

// WrongParentError reports a volume whose parent is not the expected one.
type WrongParentError struct {
	Volume   virtstor.UUID
	Parent   virtstor.UUID
	Expected virtstor.UUID
}

func (e WrongParentError) Error() string {
	return fmt.Sprintf("volume %s has parent %s, expected %s", e.Volume, e.Parent, e.Expected)
}

// SharedVolumeError rejects a write-side operation against a shared/template
// volume, which is read-only by policy.
type SharedVolumeError struct {
	Volume virtstor.UUID
}

func (e SharedVolumeError) Error() string {
	return fmt.Sprintf("volume %s is shared and cannot be modified", e.Volume)
}

// UnexpectedVolumeStateError reports a volume or chain in a state the
// operation cannot proceed from.
type UnexpectedVolumeStateError struct {
	Volume virtstor.UUID
	Reason string
}

func (e UnexpectedVolumeStateError) Error() string {
	return fmt.Sprintf("unexpected state of volume %s: %s", e.Volume, e.Reason)
}

// InvalidMetadataError carries the offending key of a metadata parse failure.
type InvalidMetadataError struct {
	Key   string
	Value string
}

func (e InvalidMetadataError) Error() string {
	return fmt.Sprintf("invalid metadata value for key %s: %q", e.Key, e.Value)
}
