package storage

import (
	"context"
	"sync"

	"github.com/virtstor/virtstor"
	"github.com/virtstor/virtstor/cache"
)

// CachingStore wraps a Store with an MRU cache of metadata records, keyed by
// volume id. Every Save and Discard invalidates; the repo Monitor invalidates
// on behalf of other processes rewriting records under the same mount.
// Correctness never depends on the cache: a stale read is caught by the
// generation protocol, the cache only trims redundant loads.
type CachingStore struct {
	inner Store

	mu     sync.Mutex
	mru    cache.Cache[virtstor.UUID, Meta]
	images map[virtstor.UUID]map[virtstor.UUID]struct{}
}

// NewCachingStore wraps inner with an MRU cache holding between minCapacity
// and maxCapacity records.
func NewCachingStore(inner Store, minCapacity, maxCapacity int) *CachingStore {
	return &CachingStore{
		inner:  inner,
		mru:    cache.NewCache[virtstor.UUID, Meta](minCapacity, maxCapacity),
		images: make(map[virtstor.UUID]map[virtstor.UUID]struct{}),
	}
}

// Inner returns the wrapped store.
func (s *CachingStore) Inner() Store {
	return s.inner
}

func (s *CachingStore) Domain() DomainInfo {
	return s.inner.Domain()
}

func (s *CachingStore) Path(img, vol virtstor.UUID) string {
	return s.inner.Path(img, vol)
}

func (s *CachingStore) Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error) {
	s.mu.Lock()
	cached := s.mru.Get([]virtstor.UUID{vol})
	s.mu.Unlock()
	if len(cached) == 1 && cached[0].Volume == vol {
		return cached[0], nil
	}
	m, err := s.inner.Load(ctx, img, vol)
	if err != nil {
		return Meta{}, err
	}
	s.remember(m)
	return m, nil
}

func (s *CachingStore) Save(ctx context.Context, m Meta) error {
	err := s.inner.Save(ctx, m)
	// Invalidate regardless: a failed save may still have touched storage.
	s.Invalidate(m.Volume)
	return err
}

func (s *CachingStore) ListImage(ctx context.Context, img virtstor.UUID) ([]Meta, error) {
	metas, err := s.inner.ListImage(ctx, img)
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		s.remember(m)
	}
	return metas, nil
}

func (s *CachingStore) Discard(ctx context.Context, img, vol virtstor.UUID) error {
	err := s.inner.Discard(ctx, img, vol)
	s.Invalidate(vol)
	return err
}

// Invalidate drops one volume's cached record.
func (s *CachingStore) Invalidate(vol virtstor.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mru.Delete([]virtstor.UUID{vol})
}

// InvalidateImage drops every cached record known to belong to the image.
func (s *CachingStore) InvalidateImage(img virtstor.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vols, ok := s.images[img]
	if !ok {
		return
	}
	keys := make([]virtstor.UUID, 0, len(vols))
	for v := range vols {
		keys = append(keys, v)
	}
	s.mru.Delete(keys)
	delete(s.images, img)
}

func (s *CachingStore) remember(m Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mru.Set([]virtstor.KeyValuePair[virtstor.UUID, Meta]{{Key: m.Volume, Value: m}})
	vols, ok := s.images[m.Image]
	if !ok {
		vols = make(map[virtstor.UUID]struct{})
		s.images[m.Image] = vols
	}
	vols[m.Volume] = struct{}{}
}
