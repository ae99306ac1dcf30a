package storage

import (
	"context"
	"fmt"

	"github.com/virtstor/virtstor"
)

// Store reads and writes volume metadata records for one storage domain.
// Records live on shared storage: any cooperating host may rewrite them
// between two loads, which is exactly what the generation protocol fences.
type Store interface {
	// Domain describes the storage domain this store serves.
	Domain() DomainInfo
	// Load reads one volume's record. Missing records surface
	// ErrMetadataNotFound.
	Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error)
	// Save persists the record in one atomic rewrite.
	Save(ctx context.Context, m Meta) error
	// ListImage returns the live (non-tombstoned) records of an image.
	ListImage(ctx context.Context, img virtstor.UUID) ([]Meta, error)
	// Discard tombstones a record. It stays on storage for inspection but
	// disappears from ListImage. Structural: see DomainInfo.AllowsStructural.
	Discard(ctx context.Context, img, vol virtstor.UUID) error
	// Path returns the volume's data path (image file or block device),
	// handed to external tools.
	Path(img, vol virtstor.UUID) string
}

// requireStructural gates structural mutations on the host's authority over
// the domain.
func requireStructural(d DomainInfo, vol virtstor.UUID, op string) error {
	if d.AllowsStructural() {
		return nil
	}
	return UnexpectedVolumeStateError{
		Volume: vol,
		Reason: fmt.Sprintf("%s is structural and this host is not the pool manager of domain %s", op, d.ID),
	}
}
