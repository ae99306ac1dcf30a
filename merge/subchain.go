package merge

import (
	"context"
	"sync"

	"github.com/virtstor/virtstor"
	"github.com/virtstor/virtstor/storage"
)

// SubchainInfo identifies one merge job: collapse Top into its parent Base
// within Image's chain on Domain. BaseGeneration is the generation the
// scheduler observed on Base when it decided to merge; Prepare fences on it,
// so a base rewritten by anyone else in between fails the job instead of
// racing it.
type SubchainInfo struct {
	Domain         virtstor.UUID
	Image          virtstor.UUID
	Base           virtstor.UUID
	Top            virtstor.UUID
	BaseGeneration int

	store storage.Store

	mu    sync.Mutex
	chain *storage.Chain
}

// NewSubchain returns a SubchainInfo resolving against store.
func NewSubchain(store storage.Store, domain, image, base, top virtstor.UUID, baseGeneration int) *SubchainInfo {
	return &SubchainInfo{
		Domain:         domain,
		Image:          image,
		Base:           base,
		Top:            top,
		BaseGeneration: baseGeneration,
		store:          store,
	}
}

// Chain returns the image's resolved chain, cached until Reload.
func (s *SubchainInfo) Chain(ctx context.Context) (*storage.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		c, err := storage.ResolveChain(ctx, s.store, s.Image)
		if err != nil {
			return nil, err
		}
		s.chain = c
	}
	return s.chain, nil
}

// Reload drops the cached resolution and resolves the chain anew. Mutating
// paths call it under their locks: a cached view may predate another host's
// rewrite.
func (s *SubchainInfo) Reload(ctx context.Context) (*storage.Chain, error) {
	s.mu.Lock()
	s.chain = nil
	s.mu.Unlock()
	return s.Chain(ctx)
}

// BaseVolume returns the handle for the merge destination.
func (s *SubchainInfo) BaseVolume() *storage.Volume {
	return storage.NewVolume(s.store, s.Image, s.Base)
}

// TopVolume returns the handle for the volume being collapsed away.
func (s *SubchainInfo) TopVolume() *storage.Volume {
	return storage.NewVolume(s.store, s.Image, s.Top)
}
