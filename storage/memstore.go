package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/virtstor/virtstor"
)

// MemStore is a map-backed Store for tests and lease-less development.
type MemStore struct {
	domain DomainInfo

	mu    sync.Mutex
	metas map[metaKey]Meta
}

type metaKey struct {
	img virtstor.UUID
	vol virtstor.UUID
}

// NewMemStore returns an empty in-memory store for the given domain.
func NewMemStore(domain DomainInfo) *MemStore {
	return &MemStore{domain: domain, metas: make(map[metaKey]Meta)}
}

func (s *MemStore) Domain() DomainInfo {
	return s.domain
}

func (s *MemStore) Path(img, vol virtstor.UUID) string {
	return fmt.Sprintf("mem://%s/%s/%s", s.domain.ID, img, vol)
}

func (s *MemStore) Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[metaKey{img: img, vol: vol}]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s/%s", ErrMetadataNotFound, img, vol)
	}
	return m, nil
}

func (s *MemStore) Save(ctx context.Context, m Meta) error {
	// Round-trip through the codec so Save validates exactly what a real
	// store would persist.
	decoded, err := DecodeMeta(EncodeMeta(m))
	if err != nil {
		return err
	}
	decoded.Volume = m.Volume
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[metaKey{img: m.Image, vol: m.Volume}] = decoded
	return nil
}

func (s *MemStore) ListImage(ctx context.Context, img virtstor.UUID) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var metas []Meta
	for k, m := range s.metas {
		if k.img == img && !m.Removed {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Volume.Compare(metas[j].Volume) < 0 })
	return metas, nil
}

func (s *MemStore) Discard(ctx context.Context, img, vol virtstor.UUID) error {
	if err := requireStructural(s.domain, vol, "discard"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := metaKey{img: img, vol: vol}
	m, ok := s.metas[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrMetadataNotFound, img, vol)
	}
	m.Removed = true
	s.metas[k] = m
	return nil
}

// Tombstoned reports whether the record exists and is tombstoned. Test hook.
func (s *MemStore) Tombstoned(img, vol virtstor.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[metaKey{img: img, vol: vol}]
	return ok && m.Removed
}
