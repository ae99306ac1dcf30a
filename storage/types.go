package storage

import (
	"github.com/virtstor/virtstor"
)

// Legality marks whether a volume may back a running VM.
type Legality string

const (
	Legal   Legality = "LEGAL"
	Illegal Legality = "ILLEGAL"
	// Fake volumes are placeholders with no real data behind them.
	Fake Legality = "FAKE"
)

// Format is the volume's on-disk data format.
type Format string

const (
	FormatRAW Format = "RAW"
	FormatCOW Format = "COW"
)

// Allocation is the volume's space allocation policy.
type Allocation string

const (
	Preallocated Allocation = "PREALLOCATED"
	Sparse       Allocation = "SPARSE"
)

// VolType is the volume's position in its chain.
type VolType string

const (
	TypeLeaf     VolType = "LEAF"
	TypeInternal VolType = "INTERNAL"
	// TypeShared marks a read-only template volume multiple chains may
	// reference as a common ancestor.
	TypeShared VolType = "SHARED"
)

// MaxGeneration is the wrap point of the per-volume fencing counter.
// Generations live in [0, MaxGeneration] and the successor of MaxGeneration
// is 0.
const MaxGeneration = 999

// NextGeneration returns the successor of g, wrapping after MaxGeneration.
func NextGeneration(g int) int {
	return (g + 1) % (MaxGeneration + 1)
}

// UncheckedGeneration disables the generation precondition of an Operation.
const UncheckedGeneration = -1

// DomainType distinguishes file-backed from block-backed storage domains.
type DomainType int

const (
	DomainFile DomainType = iota
	DomainBlock
)

func (t DomainType) String() string {
	if t == DomainBlock {
		return "block"
	}
	return "file"
}

// Role is this host's role toward a storage pool.
type Role int

const (
	// RoleRegular hosts run VMs but do not own structural mutations.
	RoleRegular Role = iota
	// RolePoolManager is the single host authorized to perform structural
	// volume mutations on the pool.
	RolePoolManager
)

// DomainInfo describes the storage domain a store serves.
type DomainInfo struct {
	ID   virtstor.UUID
	Type DomainType
	// SupportsLeases reports whether per-volume cross-host leases can be
	// taken on this domain.
	SupportsLeases bool
	Role Role
}

// AllowsStructural reports whether this host may perform structural volume
// mutations (discard, parent rewrite, capacity rewrite) on the domain. The
// pool manager always may; on lease-capable domains the authority is
// delegated to whichever host holds the volume lease, which the merge
// orchestration acquires before mutating.
func (d DomainInfo) AllowsStructural() bool {
	return d.Role == RolePoolManager || d.SupportsLeases
}
