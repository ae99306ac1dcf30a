package storage

import (
	"context"
	log "log/slog"

	"github.com/virtstor/virtstor"
)

// Volume binds one (image, volume) identity to a Store and exposes record
// accessors plus the generation-fenced Operation.
type Volume struct {
	store Store
	img   virtstor.UUID
	id    virtstor.UUID
}

// NewVolume returns a handle; it touches no storage until used.
func NewVolume(store Store, img, vol virtstor.UUID) *Volume {
	return &Volume{store: store, img: img, id: vol}
}

// ID returns the volume id.
func (v *Volume) ID() virtstor.UUID {
	return v.id
}

// Image returns the image id.
func (v *Volume) Image() virtstor.UUID {
	return v.img
}

// Path returns the volume's data path for external tools.
func (v *Volume) Path() string {
	return v.store.Path(v.img, v.id)
}

// Meta loads the current persisted record.
func (v *Volume) Meta(ctx context.Context) (Meta, error) {
	return v.store.Load(ctx, v.img, v.id)
}

// Capacity returns the volume's virtual size in bytes.
func (v *Volume) Capacity(ctx context.Context) (int64, error) {
	m, err := v.Meta(ctx)
	if err != nil {
		return 0, err
	}
	return m.Capacity, nil
}

// Legality returns the volume's current usability marker.
func (v *Volume) Legality(ctx context.Context) (Legality, error) {
	m, err := v.Meta(ctx)
	if err != nil {
		return "", err
	}
	return m.Legality, nil
}

// Generation returns the volume's current fencing counter.
func (v *Volume) Generation(ctx context.Context) (int, error) {
	m, err := v.Meta(ctx)
	if err != nil {
		return 0, err
	}
	return m.Generation, nil
}

// SetLegality rewrites the usability marker alone. Generation is untouched:
// legalizing a volume after a failed mutation must not invalidate the
// caller's expected generation for the retry.
func (v *Volume) SetLegality(ctx context.Context, l Legality) error {
	m, err := v.Meta(ctx)
	if err != nil {
		return err
	}
	m.Legality = l
	return v.store.Save(ctx, m)
}

// SetCapacity rewrites the virtual size. Structural.
func (v *Volume) SetCapacity(ctx context.Context, capacity int64) error {
	if err := requireStructural(v.store.Domain(), v.id, "capacity rewrite"); err != nil {
		return err
	}
	m, err := v.Meta(ctx)
	if err != nil {
		return err
	}
	m.Capacity = capacity
	return v.store.Save(ctx, m)
}

// SetParent rewrites the COW link. Structural.
func (v *Volume) SetParent(ctx context.Context, parent virtstor.UUID) error {
	if err := requireStructural(v.store.Domain(), v.id, "parent rewrite"); err != nil {
		return err
	}
	m, err := v.Meta(ctx)
	if err != nil {
		return err
	}
	m.Parent = parent
	return v.store.Save(ctx, m)
}

// SetVolType rewrites the chain-position marker. Structural.
func (v *Volume) SetVolType(ctx context.Context, t VolType) error {
	if err := requireStructural(v.store.Domain(), v.id, "voltype rewrite"); err != nil {
		return err
	}
	m, err := v.Meta(ctx)
	if err != nil {
		return err
	}
	m.VolType = t
	return v.store.Save(ctx, m)
}

// OperationOptions tune one generation-fenced mutation scope.
type OperationOptions struct {
	// RequestedGeneration is the generation the caller believes the volume
	// has. A differing persisted value fails the operation before anything
	// is touched. UncheckedGeneration skips the precondition.
	RequestedGeneration int
	// SetIllegal marks the volume ILLEGAL for the duration of the body,
	// telling every host not to use it for VM execution while the mutation
	// is in flight. Restored to LEGAL only on success.
	SetIllegal bool
}

// Operation runs body as one generation-fenced mutation:
//
//  1. the persisted generation is checked against RequestedGeneration;
//  2. with SetIllegal, the volume is marked ILLEGAL before the body runs;
//  3. on body success, legality is restored (when step 2 applied) and the
//     generation advances by one, wrapping after MaxGeneration, in a single
//     record rewrite;
//  4. on body failure, the generation is left unchanged and any ILLEGAL
//     marking is deliberately NOT rolled back. Fail-safe: only the caller or
//     a distinct recovery path may legalize the volume again.
func (v *Volume) Operation(ctx context.Context, opts OperationOptions, body func(ctx context.Context) error) error {
	m, err := v.Meta(ctx)
	if err != nil {
		return err
	}
	if opts.RequestedGeneration != UncheckedGeneration && m.Generation != opts.RequestedGeneration {
		return GenerationMismatchError{Volume: v.id, Requested: opts.RequestedGeneration, Actual: m.Generation}
	}
	if opts.SetIllegal {
		m.Legality = Illegal
		if err := v.store.Save(ctx, m); err != nil {
			return err
		}
	}

	if err := body(ctx); err != nil {
		if opts.SetIllegal {
			log.Warn("generation-fenced operation failed, volume left ILLEGAL",
				"image", v.img.String(), "volume", v.id.String(), "error", err.Error())
		}
		return err
	}

	// Reload: the body may have rewritten other fields of the record.
	m, err = v.Meta(ctx)
	if err != nil {
		return err
	}
	if opts.SetIllegal {
		m.Legality = Legal
	}
	m.Generation = NextGeneration(m.Generation)
	if err := v.store.Save(ctx, m); err != nil {
		return err
	}
	log.Debug("generation advanced", "image", v.img.String(), "volume", v.id.String(), "generation", m.Generation)
	return nil
}
