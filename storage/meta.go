package storage

import (
	"github.com/virtstor/virtstor"
)

// Meta is one volume's persisted metadata record, shared-storage-resident
// and read by any cooperating host. The Volume field is positional (slot or
// filename), not part of the encoded record; stores fill it on load.
type Meta struct {
	Domain virtstor.UUID
	Image  virtstor.UUID
	Volume virtstor.UUID
	// Parent is the COW link; NilUUID means no parent (chain base).
	Parent      virtstor.UUID
	Capacity    int64
	Format      Format
	Allocation  Allocation
	VolType     VolType
	Legality    Legality
	Generation  int
	Ctime       int64
	Description string
	// Removed tombstones the record: it stays on storage for inspection but
	// is excluded from image listings.
	Removed bool

	// extra preserves unknown keys across a decode/encode round trip, so a
	// newer host's fields survive a rewrite by an older one.
	extra map[string]string
}

// IsLeaf reports whether the record is marked as the chain's writable end.
func (m Meta) IsLeaf() bool {
	return m.VolType == TypeLeaf
}

// IsShared reports whether the record is a read-only template.
func (m Meta) IsShared() bool {
	return m.VolType == TypeShared
}

// HasParent reports whether the volume links to a parent in its chain.
func (m Meta) HasParent() bool {
	return !m.Parent.IsNil()
}
