package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/virtstor/virtstor"
)

// countingStore tallies inner loads to observe cache hits.
type countingStore struct {
	*MemStore
	mu    sync.Mutex
	loads int
}

func (s *countingStore) Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.MemStore.Load(ctx, img, vol)
}

func (s *countingStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func TestCachingStoreHitsAndInvalidation(t *testing.T) {
	inner := &countingStore{MemStore: poolManagerStore()}
	cs := NewCachingStore(inner, 10, 100)
	ctx := context.Background()

	img, vol := virtstor.NewUUID(), virtstor.NewUUID()
	m := Meta{Domain: inner.Domain().ID, Image: img, Volume: vol, Format: FormatRAW, Allocation: Preallocated, VolType: TypeLeaf, Legality: Legal}
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := cs.Load(ctx, img, vol); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := inner.loadCount()
	for i := 0; i < 5; i++ {
		if _, err := cs.Load(ctx, img, vol); err != nil {
			t.Fatalf("cached load: %v", err)
		}
	}
	if inner.loadCount() != before {
		t.Fatalf("cache missed: %d inner loads after warm", inner.loadCount()-before)
	}

	cs.Invalidate(vol)
	if _, err := cs.Load(ctx, img, vol); err != nil {
		t.Fatalf("load after invalidate: %v", err)
	}
	if inner.loadCount() != before+1 {
		t.Fatalf("invalidate did not reach inner store")
	}
}

func TestCachingStoreSaveInvalidates(t *testing.T) {
	inner := &countingStore{MemStore: poolManagerStore()}
	cs := NewCachingStore(inner, 10, 100)
	ctx := context.Background()

	img, vol := virtstor.NewUUID(), virtstor.NewUUID()
	m := Meta{Domain: inner.Domain().ID, Image: img, Volume: vol, Format: FormatRAW, Allocation: Preallocated, VolType: TypeLeaf, Legality: Legal, Generation: 0}
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := cs.Load(ctx, img, vol); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// A write through the caching store must not serve the old record.
	m.Generation = 1
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err := cs.Load(ctx, img, vol)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Generation != 1 {
		t.Fatalf("stale record served after save: gen %d", got.Generation)
	}
}

func TestCachingStoreInvalidateImage(t *testing.T) {
	inner := &countingStore{MemStore: poolManagerStore()}
	cs := NewCachingStore(inner, 10, 100)
	ctx := context.Background()

	img := virtstor.NewUUID()
	vols := seedChain(t, cs, img, 3)
	if _, err := cs.ListImage(ctx, img); err != nil {
		t.Fatalf("list: %v", err)
	}
	before := inner.loadCount()
	cs.InvalidateImage(img)
	for _, vol := range vols {
		if _, err := cs.Load(ctx, img, vol); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	if inner.loadCount() != before+len(vols) {
		t.Fatalf("image invalidation incomplete: %d inner loads, want %d", inner.loadCount()-before, len(vols))
	}
}

func TestVolumeOperationThroughCachingStore(t *testing.T) {
	inner := poolManagerStore()
	cs := NewCachingStore(inner, 10, 100)
	ctx := context.Background()

	img, vol := virtstor.NewUUID(), virtstor.NewUUID()
	m := Meta{Domain: inner.Domain().ID, Image: img, Volume: vol, Format: FormatCOW, Allocation: Sparse, VolType: TypeLeaf, Legality: Legal, Generation: 9}
	if err := cs.Save(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	v := NewVolume(cs, img, vol)
	if err := v.Operation(ctx, OperationOptions{RequestedGeneration: 9, SetIllegal: true}, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("operation: %v", err)
	}
	// The authoritative record advanced, and the cache agrees.
	fromInner, _ := inner.Load(ctx, img, vol)
	fromCache, _ := cs.Load(ctx, img, vol)
	if fromInner.Generation != 10 || fromCache.Generation != 10 {
		t.Fatalf("generation inner=%d cache=%d, want 10", fromInner.Generation, fromCache.Generation)
	}
}
